package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const (
	oauthCallbackPort = 8765
	oauthWaitTimeout  = 5 * time.Minute
)

// GmailScopes are the OAuth scopes the bot needs: read the inbox, send
// replies, and modify labels.
func GmailScopes() []string {
	return []string{
		gmail.GmailReadonlyScope,
		gmail.GmailSendScope,
		gmail.GmailModifyScope,
	}
}

// gmailOAuthConfig builds the oauth2 config from the downloaded Google
// credentials file.
func gmailOAuthConfig(credentialsPath string) (*oauth2.Config, error) {
	data, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("read gmail credentials: %w", err)
	}

	conf, err := google.ConfigFromJSON(data, GmailScopes()...)
	if err != nil {
		return nil, fmt.Errorf("parse gmail credentials: %w", err)
	}
	conf.RedirectURL = fmt.Sprintf("http://localhost:%d/callback", oauthCallbackPort)
	return conf, nil
}

// LoadGmailService builds an authenticated Gmail service from a
// previously saved token. Returns an error when no token exists yet;
// AuthorizeGmail creates one interactively.
func LoadGmailService(ctx context.Context, credentialsPath, tokenPath string) (*gmail.Service, error) {
	conf, err := gmailOAuthConfig(credentialsPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("no gmail token at %s (run the auth command first): %w", tokenPath, err)
	}

	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("parse gmail token: %w", err)
	}

	client := conf.Client(ctx, &token)
	return gmail.NewService(ctx, option.WithHTTPClient(client))
}

// AuthorizeGmail runs the interactive OAuth flow: opens a local
// callback server, prints the consent URL, and saves the resulting
// token for the daemon to use.
func AuthorizeGmail(ctx context.Context, credentialsPath, tokenPath string) error {
	conf, err := gmailOAuthConfig(credentialsPath)
	if err != nil {
		return err
	}

	srv := newLocalAuthServer()
	if err := srv.Start(oauthCallbackPort); err != nil {
		return fmt.Errorf("start callback server: %w", err)
	}
	defer srv.Stop(ctx)

	url := conf.AuthCodeURL("state-token", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	fmt.Printf("Open this URL in your browser to connect Gmail:\n\n  %s\n\n", url)

	code, err := srv.WaitForCode(oauthWaitTimeout)
	if err != nil {
		return err
	}

	token, err := conf.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}

	return saveToken(tokenPath, token)
}

func saveToken(path string, token *oauth2.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// localAuthServer receives the OAuth redirect on localhost.
type localAuthServer struct {
	server   *http.Server
	codeChan chan string
	errChan  chan error
}

func newLocalAuthServer() *localAuthServer {
	return &localAuthServer{
		codeChan: make(chan string, 1),
		errChan:  make(chan error, 1),
	}
}

func (s *localAuthServer) Start(port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", s.handleCallback)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.errChan <- err
		}
	}()

	return nil
}

func (s *localAuthServer) WaitForCode(timeout time.Duration) (string, error) {
	select {
	case code := <-s.codeChan:
		return code, nil
	case err := <-s.errChan:
		return "", err
	case <-time.After(timeout):
		return "", fmt.Errorf("oauth timeout, no callback received")
	}
}

func (s *localAuthServer) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *localAuthServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		s.errChan <- fmt.Errorf("oauth error: %s", r.URL.Query().Get("error"))
		http.Error(w, "Authorization failed", http.StatusBadRequest)
		return
	}

	s.codeChan <- code

	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head><title>Gmail Connected</title></head>
<body style="font-family: system-ui; text-align: center; padding-top: 20vh;">
	<h1>Gmail connected</h1>
	<p>You can close this window and return to the terminal.</p>
</body>
</html>
`)
}
