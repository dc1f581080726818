package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Turee/microvm-orchestrator-mcp/config"
	"github.com/Turee/microvm-orchestrator-mcp/log"
	"github.com/Turee/microvm-orchestrator-mcp/mcp"
	"github.com/Turee/microvm-orchestrator-mcp/orchestrator"
	"github.com/Turee/microvm-orchestrator-mcp/registry"
	"github.com/Turee/microvm-orchestrator-mcp/slots"
)

var aliasStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{
	Light: "#1a8754",
	Dark:  "#3dd68c",
})

var pathStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{
	Light: "#655F5F",
	Dark:  "#7F7A7A",
})

// styled applies style only when stdout is a terminal, so piped output stays
// free of escape sequences.
func styled(style lipgloss.Style, s string) string {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		return style.Render(s)
	}
	return s
}

var (
	version       = "0.1.0"
	aliasFlag     string
	transportFlag string

	rootCmd = &cobra.Command{
		Use:   "microvm-orchestrator",
		Short: "Run Claude Code tasks in isolated microVMs",
		Long: "microvm-orchestrator runs AI coding tasks in short-lived microVMs, each " +
			"working on an isolated clone of a registered repository, and merges " +
			"successful work back. Tasks are dispatched over MCP by an outer Claude " +
			"Code session.",
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()

			cfg := config.LoadConfig()
			orc, err := orchestrator.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize orchestrator: %w", err)
			}

			mcp.SetLogger(log.InfoLog)
			server := mcp.NewServer(orc)

			switch transportFlag {
			case "stdio":
				// stdout belongs to the transport from here on.
				return server.Serve()
			case "http":
				addr := fmt.Sprintf("%s:%d", cfg.MCPHost, cfg.MCPPort)
				fmt.Printf("Serving MCP on http://%s/mcp\n", addr)
				return server.ServeHTTP(addr)
			default:
				return fmt.Errorf("unknown transport %q (want http or stdio)", transportFlag)
			}
		},
	}

	allowCmd = &cobra.Command{
		Use:   "allow [path]",
		Short: "Register a repository for use with microvm tasks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()

			path := "."
			if len(args) > 0 {
				path = args[0]
			}

			reposPath, err := config.AllowedReposPath()
			if err != nil {
				return err
			}
			reg := registry.NewRegistry(reposPath)
			usedAlias, err := reg.Allow(path, aliasFlag)
			if err != nil {
				return err
			}

			fmt.Printf("Registered: %s\n", styled(aliasStyle, usedAlias))
			return nil
		},
	}

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List registered repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()

			reposPath, err := config.AllowedReposPath()
			if err != nil {
				return err
			}
			repos := registry.NewRegistry(reposPath).List()

			if len(repos) == 0 {
				fmt.Println("No repositories registered.")
				fmt.Println("Use 'microvm-orchestrator allow' to register a repo.")
				return nil
			}

			aliases := make([]string, 0, len(repos))
			for alias := range repos {
				aliases = append(aliases, alias)
			}
			sort.Strings(aliases)
			for _, alias := range aliases {
				fmt.Printf("  %s: %s\n", styled(aliasStyle, alias), styled(pathStyle, repos[alias].Path))
			}
			return nil
		},
	}

	removeCmd = &cobra.Command{
		Use:   "remove <alias>",
		Short: "Remove a repository from the allowlist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()

			reposPath, err := config.AllowedReposPath()
			if err != nil {
				return err
			}
			if err := registry.NewRegistry(reposPath).Remove(args[0]); err != nil {
				return err
			}

			fmt.Printf("Removed: %s\n", styled(aliasStyle, args[0]))
			return nil
		},
	}

	slotsCmd = &cobra.Command{
		Use:   "slots",
		Short: "Show slot capacity and repo affinities",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()

			cfg := config.LoadConfig()
			assignmentsPath, err := config.SlotAssignmentsPath()
			if err != nil {
				return err
			}
			affinities := slots.NewManager(cfg.MaxSlots, assignmentsPath).Affinities()

			fmt.Printf("Max slots: %d\n", cfg.MaxSlots)
			if len(affinities) == 0 {
				fmt.Println("No repo affinities recorded.")
			} else {
				hashes := make([]string, 0, len(affinities))
				for hash := range affinities {
					hashes = append(hashes, hash)
				}
				sort.Slice(hashes, func(i, j int) bool { return affinities[hashes[i]] < affinities[hashes[j]] })
				for _, hash := range hashes {
					fmt.Printf("  slot %d: repo %s\n", affinities[hash], styled(pathStyle, hash))
				}
			}
			fmt.Println("Live occupancy is tracked by the running server; use the list_slots tool.")
			return nil
		},
	}

	debugCmd = &cobra.Command{
		Use:   "debug",
		Short: "Print debug information like config paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()

			cfg := config.LoadConfig()
			configDir, err := config.GetConfigDir()
			if err != nil {
				return fmt.Errorf("failed to get config directory: %w", err)
			}
			configJson, _ := json.MarshalIndent(cfg, "", "  ")

			fmt.Printf("Config: %s\n%s\n", filepath.Join(configDir, config.ConfigFileName), configJson)
			if reposPath, err := config.AllowedReposPath(); err == nil {
				fmt.Printf("Allowed repos: %s\n", reposPath)
			}
			if assignmentsPath, err := config.SlotAssignmentsPath(); err == nil {
				fmt.Printf("Slot assignments: %s\n", assignmentsPath)
			}
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of microvm-orchestrator",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("microvm-orchestrator version %s\n", version)
			fmt.Printf("https://github.com/Turee/microvm-orchestrator-mcp/releases/tag/v%s\n", version)
		},
	}
)

func init() {
	serveCmd.Flags().StringVar(&transportFlag, "transport", "http",
		"MCP transport: 'http' (stateless streamable HTTP) or 'stdio'")
	allowCmd.Flags().StringVarP(&aliasFlag, "alias", "a", "",
		"Custom alias for the repo (defaults to the directory name)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(allowCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(slotsCmd)
	rootCmd.AddCommand(debugCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
