package tokenstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestGetReadsCachedToken(t *testing.T) {
	dir := t.TempDir()
	p := Provider{Dir: dir}

	if err := os.WriteFile(filepath.Join(dir, "token_a_at_example.com.json"), []byte(`{"access_token":"tok123"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := p.Get(context.Background(), "a@example.com")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "tok123" {
		t.Fatalf("Get() = %q, want tok123", got)
	}
}

func TestGetMissingFileFails(t *testing.T) {
	p := Provider{Dir: t.TempDir()}
	if _, err := p.Get(context.Background(), "nobody@example.com"); err == nil {
		t.Fatal("expected an error for a missing token cache")
	}
}

func TestGetEmptyAccessTokenFails(t *testing.T) {
	dir := t.TempDir()
	p := Provider{Dir: dir}
	if err := os.WriteFile(filepath.Join(dir, "token_a_at_b.com.json"), []byte(`{"access_token":""}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Get(context.Background(), "a@b.com"); err == nil {
		t.Fatal("expected an error for an empty access token")
	}
}

func TestDeleteRemovesCacheFile(t *testing.T) {
	dir := t.TempDir()
	p := Provider{Dir: dir}
	path := filepath.Join(dir, "token_a_at_b.com.json")
	if err := os.WriteFile(path, []byte(`{"access_token":"x"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := p.Delete("a@b.com"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected the cache file to be removed")
	}
}

func TestDeleteMissingFileIsNotAnError(t *testing.T) {
	p := Provider{Dir: t.TempDir()}
	if err := p.Delete("nobody@example.com"); err != nil {
		t.Fatalf("Delete() on a missing file should be a no-op, got %v", err)
	}
}

func TestSanitizeReplacesPathSeparators(t *testing.T) {
	got := sanitize("a@b.com")
	if got != "a_at_b.com" {
		t.Fatalf("sanitize() = %q, want a_at_b.com", got)
	}
	got = sanitize("a" + string(filepath.Separator) + "b@c.com")
	if got != "a_b_at_c.com" {
		t.Fatalf("sanitize() = %q, want a_b_at_c.com", got)
	}
}
