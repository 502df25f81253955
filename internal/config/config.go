// Package config loads the credentials.json configuration input: an
// ordered array of source/destination account pairs.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/gsoultan/imapmigrate/internal/transport"
)

// Credential is one account's connection and authentication details.
type Credential struct {
	Email    string             `json:"email"`
	Password string             `json:"password,omitempty"`
	Server   string             `json:"server"`
	Port     int                `json:"port,omitempty"`
	Security transport.Security `json:"security"`
}

// AccountPair is one source/destination migration unit.
type AccountPair struct {
	Src Credential `json:"src"`
	Dst Credential `json:"dst"`
}

var validSecurity = map[transport.Security]bool{
	transport.SecurityPlain:    true,
	transport.SecuritySTARTTLS: true,
	transport.SecuritySSL:      true,
	transport.SecurityOAuth2:   true,
}

// Load decodes and validates the account pair list at path. Failures
// here are returned before any network I/O takes place.
func Load(path string) ([]AccountPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var pairs []AccountPair
	if err := json.Unmarshal(data, &pairs); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	for i, pair := range pairs {
		if err := validate(pair.Src); err != nil {
			return nil, fmt.Errorf("config: pair %d src: %w", i, err)
		}
		if err := validate(pair.Dst); err != nil {
			return nil, fmt.Errorf("config: pair %d dst: %w", i, err)
		}
	}
	return pairs, nil
}

func validate(c Credential) error {
	if c.Email == "" {
		return fmt.Errorf("email is required")
	}
	if c.Server == "" {
		return fmt.Errorf("server is required")
	}
	if !validSecurity[c.Security] {
		return fmt.Errorf("unknown security mode %q", c.Security)
	}
	if c.Security == transport.SecurityOAuth2 && c.Password != "" {
		return fmt.Errorf("oauth2 credentials must not carry a password")
	}
	if c.Security != transport.SecurityOAuth2 && c.Password == "" {
		return fmt.Errorf("password is required for security mode %q", c.Security)
	}
	return nil
}

// ToTransportCredential converts a config Credential into the
// transport package's runtime shape, applying the default port.
func (c Credential) ToTransportCredential() transport.Credential {
	tc := transport.Credential{
		Email:    c.Email,
		Password: c.Password,
		Server:   c.Server,
		Port:     c.Port,
		Security: c.Security,
	}
	tc.Port = tc.NormalizedPort()
	return tc
}
