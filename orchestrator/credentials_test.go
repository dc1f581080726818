package orchestrator

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveAPIKeyPrefersOAuthToken(t *testing.T) {
	t.Setenv("CLAUDE_CODE_OAUTH_TOKEN", "oauth-token")
	t.Setenv("ANTHROPIC_API_KEY", "api-key")

	key, err := ResolveAPIKey()
	require.NoError(t, err)
	assert.Equal(t, "oauth-token", key)
}

func TestResolveAPIKeyFallsBackToAPIKey(t *testing.T) {
	t.Setenv("CLAUDE_CODE_OAUTH_TOKEN", "")
	t.Setenv("ANTHROPIC_API_KEY", "api-key")

	key, err := ResolveAPIKey()
	require.NoError(t, err)
	assert.Equal(t, "api-key", key)
}

func TestResolveAPIKeyMissing(t *testing.T) {
	t.Setenv("CLAUDE_CODE_OAUTH_TOKEN", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err := exec.LookPath("security"); err == nil {
		t.Skip("keychain available, cannot exercise the missing-key path")
	}

	_, err := ResolveAPIKey()
	require.ErrorIs(t, err, ErrNoAPIKey)
}
