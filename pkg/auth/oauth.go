// Package auth provides the credential collaborator: the OAuth desktop flow,
// token persistence and the "ensure a valid credential" check.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
)

const (
	// ClientSecretsFile is the downloaded Google API credentials.json.
	ClientSecretsFile = "credentials.json"
	// TokenFile stores the obtained token (access + refresh).
	TokenFile = "token.json"

	// LocalhostAuthPort receives the OAuth redirect.
	LocalhostAuthPort = "6789"

	loginTimeout = 5 * time.Minute
)

// Scopes requested by the sync engine.
var Scopes = []string{
	calendar.CalendarEventsScope,
	calendar.CalendarReadonlyScope,
}

// ErrNoToken means no token has been stored yet; run the login flow.
var ErrNoToken = errors.New("auth: no stored token, run `tasksync auth`")

// Authenticator owns the client secrets and the token file under Dir.
type Authenticator struct {
	Dir    string
	logger *slog.Logger

	mu     sync.Mutex
	config *oauth2.Config
	source oauth2.TokenSource
}

func New(dir string, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{Dir: dir, logger: logger}
}

func (a *Authenticator) tokenPath() string {
	return filepath.Join(a.Dir, TokenFile)
}

// Config reads the client secrets and pins the redirect to the local port.
func (a *Authenticator) Config() (*oauth2.Config, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loadConfig()
}

func (a *Authenticator) loadConfig() (*oauth2.Config, error) {
	if a.config != nil {
		return a.config, nil
	}

	path := filepath.Join(a.Dir, ClientSecretsFile)
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: unable to read client secret file %s: %w", path, err)
	}

	cfg, err := google.ConfigFromJSON(b, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("auth: unable to parse client secret file to config: %w", err)
	}
	cfg.RedirectURL = normalizeRedirect(cfg.RedirectURL, a.logger)

	a.config = cfg
	return cfg, nil
}

// normalizeRedirect forces localhost and out-of-band redirects onto
// LocalhostAuthPort, where Login listens.
func normalizeRedirect(redirect string, logger *slog.Logger) string {
	if redirect == "urn:ietf:wg:oauth:2.0:oob" || redirect == "" {
		return fmt.Sprintf("http://localhost:%s/oauth2callback", LocalhostAuthPort)
	}

	u, err := url.Parse(redirect)
	if err != nil {
		logger.Warn("could not parse redirect URL, using it as is", slog.String("redirect", redirect))
		return redirect
	}

	if u.Hostname() != "localhost" && u.Hostname() != "127.0.0.1" {
		logger.Warn("redirect URL is not a localhost callback", slog.String("redirect", redirect))
		return redirect
	}

	if u.Port() != LocalhostAuthPort {
		u.Host = net.JoinHostPort(u.Hostname(), LocalhostAuthPort)
	}
	return u.String()
}

// tokenSource returns the cached, self-saving token source.
func (a *Authenticator) tokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.source != nil {
		return a.source, nil
	}

	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}

	tok, err := tokenFromFile(a.tokenPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, err
	}

	a.source = &savingTokenSource{
		base:   oauth2.ReuseTokenSource(tok, cfg.TokenSource(ctx, tok)),
		last:   tok,
		save:   func(t *oauth2.Token) error { return saveToken(a.tokenPath(), t) },
		logger: a.logger,
	}
	return a.source, nil
}

// EnsureCredential reports whether a valid (possibly refreshed) token is
// available.
func (a *Authenticator) EnsureCredential(ctx context.Context) bool {
	ts, err := a.tokenSource(ctx)
	if err != nil {
		a.logger.Error("no usable credential", slog.String("error", err.Error()))
		return false
	}
	tok, err := ts.Token()
	if err != nil {
		a.logger.Error("token refresh failed", slog.String("error", err.Error()))
		return false
	}
	return tok.Valid()
}

// HTTPClient returns a client that authorises every request.
func (a *Authenticator) HTTPClient(ctx context.Context) (*http.Client, error) {
	ts, err := a.tokenSource(ctx)
	if err != nil {
		return nil, err
	}
	return oauth2.NewClient(ctx, ts), nil
}

// savingTokenSource persists the token whenever a refresh changes it.
type savingTokenSource struct {
	base   oauth2.TokenSource
	mu     sync.Mutex
	last   *oauth2.Token
	save   func(*oauth2.Token) error
	logger *slog.Logger
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil || tok.AccessToken != s.last.AccessToken || tok.RefreshToken != s.last.RefreshToken {
		if err := s.save(tok); err != nil {
			s.logger.Warn("could not persist refreshed token", slog.String("error", err.Error()))
		} else {
			s.logger.Debug("token refreshed and saved")
		}
		s.last = tok
	}
	return tok, nil
}

// Login runs the authorization code flow through a local web server and
// stores the resulting token.
func (a *Authenticator) Login(ctx context.Context, out func(authURL string)) error {
	cfg, err := a.Config()
	if err != nil {
		return err
	}

	tok, err := tokenFromWeb(ctx, cfg, out, a.logger)
	if err != nil {
		return fmt.Errorf("auth: failed to get token from web: %w", err)
	}
	if err := saveToken(a.tokenPath(), tok); err != nil {
		return err
	}

	a.mu.Lock()
	a.source = nil
	a.mu.Unlock()

	a.logger.Info("authentication token saved", slog.String("path", a.tokenPath()))
	return nil
}

func tokenFromWeb(ctx context.Context, cfg *oauth2.Config, out func(string), logger *slog.Logger) (*oauth2.Token, error) {
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	listener, err := net.Listen("tcp", "localhost:"+LocalhostAuthPort)
	if err != nil {
		return nil, fmt.Errorf("failed to start listener on port %s: %w", LocalhostAuthPort, err)
	}
	defer listener.Close()

	state := fmt.Sprintf("tasksync-%d", time.Now().UnixNano())
	server := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("state") != state {
				http.Error(w, "state mismatch", http.StatusBadRequest)
				return
			}
			code := r.URL.Query().Get("code")
			if code == "" {
				http.Error(w, "Authorization code not found", http.StatusBadRequest)
				select {
				case errCh <- errors.New("authorization code not found in redirect URL"):
				default:
				}
				return
			}
			fmt.Fprintf(w, "Authentication successful! You can close this window.")
			select {
			case codeCh <- code:
			default:
			}
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
	defer server.Shutdown(context.Background())

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case errCh <- fmt.Errorf("HTTP server error: %w", err):
			default:
			}
		}
	}()

	authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	out(authURL)
	logger.Info("waiting for authorization code", slog.String("redirect", cfg.RedirectURL))

	select {
	case code := <-codeCh:
		exCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		tok, err := cfg.Exchange(exCtx, code)
		if err != nil {
			return nil, fmt.Errorf("unable to retrieve token from Google: %w", err)
		}
		return tok, nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(loginTimeout):
		return nil, errors.New("authorization timed out, please try again")
	}
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("auth: failed to decode token from file %s: %w", path, err)
	}
	return tok, nil
}

// saveToken writes the token with owner-only permissions.
func saveToken(path string, token *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("auth: creating token directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("auth: unable to cache OAuth token to %s: %w", path, err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(token); err != nil {
		return fmt.Errorf("auth: encoding token: %w", err)
	}
	return nil
}
