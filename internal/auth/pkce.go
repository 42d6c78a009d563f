package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
)

const oauthCallbackTimeout = 300 * time.Second

// Authenticate runs the PKCE authorization-code flow for provider: it starts
// a loopback callback server on an ephemeral port, opens the authorization
// URL in the user's browser, waits for the redirect, and exchanges the code
// for tokens.
func (m *Manager) Authenticate(ctx context.Context, provider ProviderID, opener BrowserOpener) (string, error) {
	ep, ok := m.endpoints[provider]
	if !ok {
		return "", core.ErrAuth("no oauth endpoint configured for provider " + string(provider))
	}

	verifier, challenge, err := generatePKCE()
	if err != nil {
		return "", core.ErrAuth("generating PKCE verifier").WithCause(err)
	}
	state, err := randomState()
	if err != nil {
		return "", core.ErrAuth("generating oauth state").WithCause(err)
	}

	callback, err := newCallbackServer()
	if err != nil {
		return "", core.ErrAuth("starting oauth callback listener").WithCause(err)
	}
	defer callback.Close()

	cfg := ep.Config
	cfg.RedirectURL = callback.RedirectURL()

	authURL := cfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)

	if opener != nil {
		if err := opener.Open(authURL); err != nil {
			return "", core.ErrAgent("BROWSER_OPEN_FAILED", "opening browser").WithCause(err)
		}
	}

	code, err := callback.WaitForCode(ctx, state, oauthCallbackTimeout)
	if err != nil {
		return "", err
	}

	tok, err := cfg.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", verifier),
	)
	if err != nil {
		return "", core.ErrAuth("exchanging authorization code").WithCause(err)
	}

	creds := Credentials{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry
		creds.Expiry = &exp
	}
	if err := m.StoreCredentials(provider, creds); err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

func generatePKCE() (verifier, challenge string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}

func randomState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// callbackServer is a loopback HTTP server that captures the single OAuth
// redirect carrying ?code=&state=.
type callbackServer struct {
	listener net.Listener
	server   *http.Server
	resultCh chan callbackResult
}

type callbackResult struct {
	code  string
	state string
	err   error
}

func newCallbackServer() (*callbackServer, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	cs := &callbackServer{listener: listener, resultCh: make(chan callbackResult, 1)}

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if errMsg := q.Get("error"); errMsg != "" {
			cs.resultCh <- callbackResult{err: fmt.Errorf("authorization error: %s", errMsg)}
		} else {
			cs.resultCh <- callbackResult{code: q.Get("code"), state: q.Get("state")}
		}
		_, _ = w.Write([]byte("Authentication complete. You may close this window."))
	})
	cs.server = &http.Server{Handler: mux}
	go func() { _ = cs.server.Serve(listener) }()
	return cs, nil
}

func (cs *callbackServer) RedirectURL() string {
	return fmt.Sprintf("http://%s/callback", cs.listener.Addr().String())
}

func (cs *callbackServer) WaitForCode(ctx context.Context, expectedState string, timeout time.Duration) (string, error) {
	select {
	case res := <-cs.resultCh:
		if res.err != nil {
			return "", core.ErrAuth(res.err.Error())
		}
		if res.state != expectedState {
			return "", core.ErrAuth("oauth state mismatch")
		}
		return res.code, nil
	case <-time.After(timeout):
		return "", core.ErrAuth("timed out waiting for oauth callback")
	case <-ctx.Done():
		return "", core.ErrAuth("context cancelled while waiting for oauth callback")
	}
}

func (cs *callbackServer) Close() {
	_ = cs.server.Close()
}
