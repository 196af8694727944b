package upstream

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// FileCredentials reads the bearer token from a file on every call, so
// an external refresher can rotate the token without restarting the
// engine. Token storage and refresh are a separate concern; this
// provider only surfaces whatever credential is current.
type FileCredentials struct {
	Path string
}

// BearerToken implements CredentialProvider.
func (f *FileCredentials) BearerToken(ctx context.Context) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read token file %s: %w", f.Path, err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", f.Path)
	}
	return token, nil
}

// StaticCredentials returns a fixed token. Tests and one-shot CLI use.
type StaticCredentials struct {
	Token string
}

// BearerToken implements CredentialProvider.
func (s *StaticCredentials) BearerToken(ctx context.Context) (string, error) {
	if s.Token == "" {
		return "", fmt.Errorf("no token configured")
	}
	return s.Token, nil
}
