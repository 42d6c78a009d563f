package auth

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store := NewFileCredentialStore(t.TempDir())
	return NewManager(store, nil)
}

func TestManagerCreationAndEmptyState(t *testing.T) {
	m := newTestManager(t)
	assert.False(t, m.IsAuthenticated(ProviderAnthropic))
	assert.Empty(t, m.AuthenticatedProviders())
}

func TestStoreAndLoadCredentials(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.StoreCredentials(ProviderOpenAI, Credentials{AccessToken: "tok-123"}))
	assert.True(t, m.IsAuthenticated(ProviderOpenAI))

	tok, err := m.GetToken(context.Background(), ProviderOpenAI)
	require.NoError(t, err)
	assert.Equal(t, "tok-123", tok)
}

func TestLogoutRemovesCredentials(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.StoreCredentials(ProviderGoogle, Credentials{AccessToken: "tok"}))
	require.NoError(t, m.Logout(ProviderGoogle))
	assert.False(t, m.IsAuthenticated(ProviderGoogle))
}

func TestMultipleProvidersIndependentlyTracked(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.StoreCredentials(ProviderOpenAI, Credentials{AccessToken: "a"}))
	require.NoError(t, m.StoreCredentials(ProviderAnthropic, Credentials{AccessToken: "b"}))
	providers := m.AuthenticatedProviders()
	assert.Len(t, providers, 2)
}

func TestGetTokenNotAuthenticatedFailsWithoutCLIFallback(t *testing.T) {
	// Ensure no real CLI credential files leak into the test environment.
	t.Setenv("HOME", t.TempDir())
	m := newTestManager(t)
	_, err := m.GetToken(context.Background(), ProviderOpenAI)
	require.Error(t, err)
}

func TestGetTokenFallsBackToClaudeCLICredentials(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	claudeDir := filepath.Join(home, ".claude")
	require.NoError(t, os.MkdirAll(claudeDir, 0o700))
	doc := map[string]any{
		"claudeAiOauth": map[string]string{"accessToken": "claude-cli-token"},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(claudeDir, ".credentials.json"), data, 0o600))

	store := NewFileCredentialStore(t.TempDir())
	m := NewManager(store, nil)

	result, err := m.GetTokenWithSource(context.Background(), ProviderAnthropic)
	require.NoError(t, err)
	assert.Equal(t, "claude-cli-token", result.Token)
	assert.Equal(t, SourceClaudeCLI, result.Source)
}

func TestCredentialsNeedsRefresh(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.True(t, Credentials{Expiry: &past}.NeedsRefresh(now))
	assert.False(t, Credentials{Expiry: &future}.NeedsRefresh(now))
	assert.False(t, Credentials{}.NeedsRefresh(now))
}
