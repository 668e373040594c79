package providers

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	authModeAPIKey = "api_key"
	authModeHeader = "header"

	defaultKeyringService = "dotchat"
)

// TokenSource returns bearer material for request auth.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Source() string
}

// ResolveKeyRef turns an api_keys entry into a TokenSource:
//
//	env:NAME                 environment variable
//	file:~/path              first line of a file
//	keyring:service/account  OS keyring (service defaults to "dotchat")
//	anything else            literal key
func ResolveKeyRef(ref, source string) TokenSource {
	ref = strings.TrimSpace(ref)
	switch {
	case strings.HasPrefix(ref, "env:"):
		return &envTokenSource{name: strings.TrimPrefix(ref, "env:")}
	case strings.HasPrefix(ref, "file:"):
		return NewFileTokenSource(strings.TrimPrefix(ref, "file:"))
	case strings.HasPrefix(ref, "keyring:"):
		service, account := defaultKeyringService, strings.TrimPrefix(ref, "keyring:")
		if i := strings.Index(account, "/"); i >= 0 {
			service, account = account[:i], account[i+1:]
		}
		return NewKeyringTokenSource(service, account)
	default:
		return NewStaticTokenSource(ref, source)
	}
}

type staticTokenSource struct {
	token  string
	source string
}

func NewStaticTokenSource(token, source string) TokenSource {
	return &staticTokenSource{
		token:  strings.TrimSpace(token),
		source: strings.TrimSpace(source),
	}
}

func (s *staticTokenSource) Token(context.Context) (string, error) {
	tok := strings.TrimSpace(s.token)
	if tok == "" {
		return "", fmt.Errorf("token is empty for %s", s.Source())
	}
	if isPlaceholderToken(tok) {
		return "", fmt.Errorf("token for %s looks like an unfilled placeholder (%s)", s.Source(), tok)
	}
	return tok, nil
}

func (s *staticTokenSource) Source() string {
	if s.source != "" {
		return s.source
	}
	return "static"
}

func isPlaceholderToken(tok string) bool {
	return (strings.HasPrefix(tok, "<") && strings.HasSuffix(tok, ">")) ||
		(strings.HasPrefix(tok, "${") && strings.HasSuffix(tok, "}"))
}

type envTokenSource struct {
	name string
}

func (s *envTokenSource) Token(context.Context) (string, error) {
	tok := strings.TrimSpace(os.Getenv(s.name))
	if tok == "" {
		return "", fmt.Errorf("environment variable %s is empty", s.name)
	}
	return tok, nil
}

func (s *envTokenSource) Source() string {
	return "env:" + s.name
}

type fileTokenSource struct {
	path string
}

func NewFileTokenSource(path string) TokenSource {
	return &fileTokenSource{path: strings.TrimSpace(path)}
}

func (s *fileTokenSource) Token(context.Context) (string, error) {
	resolved := expandHome(strings.TrimSpace(s.path))
	if resolved == "" {
		return "", fmt.Errorf("token file path is empty")
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("read token file %s: %w", resolved, err)
	}
	tok, _, _ := strings.Cut(strings.TrimSpace(string(data)), "\n")
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return "", fmt.Errorf("token file %s is empty", resolved)
	}
	return tok, nil
}

func (s *fileTokenSource) Source() string {
	resolved := expandHome(strings.TrimSpace(s.path))
	if resolved != "" {
		return resolved
	}
	return "token_file"
}

type keyringTokenSource struct {
	service string
	account string
}

func NewKeyringTokenSource(service, account string) TokenSource {
	return &keyringTokenSource{service: strings.TrimSpace(service), account: strings.TrimSpace(account)}
}

func (s *keyringTokenSource) Token(context.Context) (string, error) {
	tok, err := keyring.Get(s.service, s.account)
	if err != nil {
		return "", fmt.Errorf("read keyring %s/%s: %w", s.service, s.account, err)
	}
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return "", fmt.Errorf("keyring entry %s/%s is empty", s.service, s.account)
	}
	return tok, nil
}

func (s *keyringTokenSource) Source() string {
	return "keyring:" + s.service + "/" + s.account
}

// AuthStrategy applies request auth for provider HTTP calls.
type AuthStrategy interface {
	Mode() string
	Apply(ctx context.Context, req *http.Request) error
}

type apiKeyAuth struct {
	source TokenSource
}

func NewAPIKeyAuth(source TokenSource) AuthStrategy {
	return &apiKeyAuth{source: source}
}

func (a *apiKeyAuth) Mode() string {
	return authModeAPIKey
}

func (a *apiKeyAuth) Apply(ctx context.Context, req *http.Request) error {
	tok, err := resolveToken(ctx, a.source)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

// headerAuth sends the key in a named header, as search APIs expect.
type headerAuth struct {
	header string
	source TokenSource
}

func NewHeaderAuth(header string, source TokenSource) AuthStrategy {
	return &headerAuth{header: header, source: source}
}

func (a *headerAuth) Mode() string {
	return authModeHeader
}

func (a *headerAuth) Apply(ctx context.Context, req *http.Request) error {
	tok, err := resolveToken(ctx, a.source)
	if err != nil {
		return err
	}
	req.Header.Set(a.header, tok)
	return nil
}

func resolveToken(ctx context.Context, source TokenSource) (string, error) {
	if source == nil {
		return "", fmt.Errorf("auth token source is nil")
	}
	tok, err := source.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve auth token: %w", err)
	}
	return tok, nil
}

func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
