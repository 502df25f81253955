// Package tokenstore is a minimal on-disk implementation of the
// engine's consumed TokenProvider interface: a per-email cache file
// the engine reads through and may delete on authentication failure.
// It never acquires or refreshes a token itself; that OAuth2 flow is
// owned by whatever host process pre-populates the cache.
package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Provider reads cached bearer tokens from dir/token_<sanitized-email>.json.
type Provider struct {
	Dir string
}

type cachedToken struct {
	AccessToken string `json:"access_token"`
}

// sanitize turns an email address into the token_<sanitized-email>.json
// filename component, replacing characters that are not valid filename
// components on every common filesystem.
func sanitize(email string) string {
	r := strings.NewReplacer("@", "_at_", string(filepath.Separator), "_")
	return r.Replace(email)
}

func (p Provider) path(email string) string {
	return filepath.Join(p.Dir, fmt.Sprintf("token_%s.json", sanitize(email)))
}

// Get implements transport.TokenProvider by reading the cached token
// file for email. It never performs network I/O.
func (p Provider) Get(_ context.Context, email string) (string, error) {
	data, err := os.ReadFile(p.path(email))
	if err != nil {
		return "", fmt.Errorf("tokenstore: no cached token for %s: %w", email, err)
	}
	var ct cachedToken
	if err := json.Unmarshal(data, &ct); err != nil {
		return "", fmt.Errorf("tokenstore: malformed token cache for %s: %w", email, err)
	}
	if ct.AccessToken == "" {
		return "", fmt.Errorf("tokenstore: empty access token for %s", email)
	}
	return ct.AccessToken, nil
}

// Delete removes email's cached token file, so the next run's token
// acquisition (outside this engine) starts fresh. Called by the engine
// on AUTH_FAILURE.
func (p Provider) Delete(email string) error {
	err := os.Remove(p.path(email))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("tokenstore: delete cache for %s: %w", email, err)
	}
	return nil
}
