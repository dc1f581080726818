package orchestrator

import (
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"strings"

	"github.com/Turee/microvm-orchestrator-mcp/log"
)

// ErrNoAPIKey is returned when no credential source yields a key.
var ErrNoAPIKey = errors.New("no API key found, set ANTHROPIC_API_KEY or CLAUDE_CODE_OAUTH_TOKEN, or login with 'claude /login'")

// ResolveAPIKey finds the API key to hand the VM: environment variables
// first, then the macOS keychain entry written by the Claude Code login
// flow.
func ResolveAPIKey() (string, error) {
	if key := os.Getenv("CLAUDE_CODE_OAUTH_TOKEN"); key != "" {
		log.DebugLog.Printf("using OAuth token from environment: %s", log.Redact(key))
		return key, nil
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		log.DebugLog.Printf("using API key from environment: %s", log.Redact(key))
		return key, nil
	}

	if key := keychainAPIKey(); key != "" {
		log.DebugLog.Printf("using API key from keychain: %s", log.Redact(key))
		return key, nil
	}

	return "", ErrNoAPIKey
}

// keychainAPIKey reads the Claude Code credential from the macOS keychain.
// The entry is either raw token text or a JSON blob carrying an OAuth access
// token. Returns "" on any failure; the keychain is a best-effort source.
func keychainAPIKey() string {
	cmd := exec.Command(
		"security", "find-generic-password",
		"-s", "Claude Code-credentials",
		"-a", os.Getenv("USER"),
		"-w",
	)
	output, err := cmd.Output()
	if err != nil {
		return ""
	}

	data := strings.TrimSpace(string(output))
	if strings.HasPrefix(data, "{") {
		var creds struct {
			ClaudeAiOauth struct {
				AccessToken string `json:"accessToken"`
			} `json:"claudeAiOauth"`
		}
		if err := json.Unmarshal([]byte(data), &creds); err == nil && creds.ClaudeAiOauth.AccessToken != "" {
			return creds.ClaudeAiOauth.AccessToken
		}
	}
	return data
}
