// Package auth implements the unified provider-credential manager (component
// C4), grounded on original_source's codex-rs/core/src/provider_auth/manager.rs.
// Token exchange and refresh are built on golang.org/x/oauth2 rather than a
// hand-rolled implementation.
package auth

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
)

// ProviderID enumerates the supported credential providers (capability-table
// design, SPEC_FULL.md §9 — no runtime provider discovery).
type ProviderID string

const (
	ProviderOpenAI    ProviderID = "openai"
	ProviderAnthropic ProviderID = "anthropic"
	ProviderGoogle    ProviderID = "google"
)

// TokenSource identifies where a returned token came from.
type TokenSource string

const (
	SourceStorage   TokenSource = "storage"
	SourceClaudeCLI TokenSource = "claude_cli"
	SourceGeminiCLI TokenSource = "gemini_cli"
)

// TokenWithSource pairs a token with its provenance.
type TokenWithSource struct {
	Token  string
	Source TokenSource
}

// Credentials is the persisted per-provider/per-account credential set.
type Credentials struct {
	AccessToken  string            `json:"access_token"`
	RefreshToken string            `json:"refresh_token,omitempty"`
	Expiry       *time.Time        `json:"expiry,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// NeedsRefresh reports whether the credential's access token should be
// refreshed before use.
func (c Credentials) NeedsRefresh(now time.Time) bool {
	if c.Expiry == nil {
		return false
	}
	return now.After(c.Expiry.Add(-5 * time.Minute))
}

// CredentialStore persists credentials per (provider, account label).
type CredentialStore interface {
	Load(provider ProviderID, account string) (*Credentials, error)
	Save(provider ProviderID, account string, creds Credentials) error
	Delete(provider ProviderID, account string) error
}

// OAuthEndpoint describes a provider's PKCE authorization endpoint, used by
// Authenticate. Capability-table entry per SPEC_FULL.md §9: each provider
// variant owns its own endpoint/refresh rules.
type OAuthEndpoint struct {
	Config oauth2.Config
}

// Manager is the C4 facade.
type Manager struct {
	store     CredentialStore
	endpoints map[ProviderID]OAuthEndpoint
	account   string // default account label, e.g. "default"

	mu sync.Mutex
}

// NewManager creates an auth manager backed by store.
func NewManager(store CredentialStore, endpoints map[ProviderID]OAuthEndpoint) *Manager {
	return &Manager{store: store, endpoints: endpoints, account: "default"}
}

// GetToken returns a usable access token for provider, trying storage,
// refresh, then CLI fallback files, in that order (SPEC_FULL.md §4.4).
func (m *Manager) GetToken(ctx context.Context, provider ProviderID) (string, error) {
	tok, err := m.GetTokenWithSource(ctx, provider)
	if err != nil {
		return "", err
	}
	return tok.Token, nil
}

// GetTokenWithSource is GetToken but additionally reports provenance.
func (m *Manager) GetTokenWithSource(ctx context.Context, provider ProviderID) (TokenWithSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if creds, err := m.store.Load(provider, m.account); err == nil && creds != nil {
		if !creds.NeedsRefresh(time.Now()) {
			return TokenWithSource{Token: creds.AccessToken, Source: SourceStorage}, nil
		}
		if creds.RefreshToken != "" {
			if refreshed, err := m.refresh(ctx, provider, *creds); err == nil {
				_ = m.store.Save(provider, m.account, refreshed)
				return TokenWithSource{Token: refreshed.AccessToken, Source: SourceStorage}, nil
			}
		}
	}

	switch provider {
	case ProviderAnthropic:
		if tok, err := loadClaudeCLIToken(); err == nil {
			return TokenWithSource{Token: tok, Source: SourceClaudeCLI}, nil
		}
	case ProviderGoogle:
		if tok, err := loadGeminiCLIToken(); err == nil {
			return TokenWithSource{Token: tok, Source: SourceGeminiCLI}, nil
		}
	}

	return TokenWithSource{}, core.ErrAuth("not authenticated for provider " + string(provider))
}

func (m *Manager) refresh(ctx context.Context, provider ProviderID, creds Credentials) (Credentials, error) {
	ep, ok := m.endpoints[provider]
	if !ok {
		return Credentials{}, core.ErrAuth("no oauth endpoint configured for provider " + string(provider))
	}
	tokenSource := ep.Config.TokenSource(ctx, &oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
	})
	tok, err := tokenSource.Token()
	if err != nil {
		return Credentials{}, core.ErrAuth("refresh failed").WithCause(err)
	}
	out := creds
	out.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		out.RefreshToken = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry
		out.Expiry = &exp
	}
	return out, nil
}

// IsAuthenticated reports whether credentials exist for provider, without
// attempting CLI fallback.
func (m *Manager) IsAuthenticated(provider ProviderID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	creds, err := m.store.Load(provider, m.account)
	return err == nil && creds != nil
}

// AuthenticatedProviders lists providers with stored credentials.
func (m *Manager) AuthenticatedProviders() []ProviderID {
	var out []ProviderID
	for _, p := range []ProviderID{ProviderOpenAI, ProviderAnthropic, ProviderGoogle} {
		if m.IsAuthenticated(p) {
			out = append(out, p)
		}
	}
	return out
}

// Logout removes stored credentials for provider.
func (m *Manager) Logout(provider ProviderID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Delete(provider, m.account)
}

// StoreCredentials persists credentials obtained out-of-band (e.g. manual
// import path).
func (m *Manager) StoreCredentials(provider ProviderID, creds Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Save(provider, m.account, creds)
}

// BrowserOpener is the out-of-scope collaborator that opens a URL in the
// user's browser during the OAuth flow.
type BrowserOpener interface {
	Open(url string) error
}

// loadClaudeCLIToken reads ~/.claude/.credentials.json's
// claudeAiOauth.accessToken field.
func loadClaudeCLIToken() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(home, ".claude", ".credentials.json"))
	if err != nil {
		return "", err
	}
	var doc struct {
		ClaudeAiOauth struct {
			AccessToken string `json:"accessToken"`
		} `json:"claudeAiOauth"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", err
	}
	if doc.ClaudeAiOauth.AccessToken == "" {
		return "", core.ErrAuth("claude CLI credentials file has no access token")
	}
	return doc.ClaudeAiOauth.AccessToken, nil
}

// loadGeminiCLIToken reads ~/.gemini/oauth_creds.json's access_token field.
func loadGeminiCLIToken() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(home, ".gemini", "oauth_creds.json"))
	if err != nil {
		return "", err
	}
	var doc struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", err
	}
	if doc.AccessToken == "" {
		return "", core.ErrAuth("gemini CLI credentials file has no access token")
	}
	return doc.AccessToken, nil
}
