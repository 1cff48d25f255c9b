package alertsync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeCredentialFile(t *testing.T, path, token, userID, userType string) {
	t.Helper()
	raw := []byte(`{"access_token":"` + token + `","user_id":"` + userID + `","user_type":"` + userType + `"}`)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write credential file: %v", err)
	}
}

func TestFileCredentialsLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	writeCredentialFile(t, path, "tok-abc", "7", RolePolice)

	creds, err := NewFileCredentials(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	token, err := creds.Token()
	if err != nil || token != "tok-abc" {
		t.Fatalf("unexpected token %q, err %v", token, err)
	}
	identity, err := creds.Identity()
	if err != nil || identity.UserID != "7" || identity.Role != RolePolice {
		t.Fatalf("unexpected identity %+v, err %v", identity, err)
	}
}

func TestFileCredentialsMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	creds, err := NewFileCredentials(path, nil)
	if err != nil {
		t.Fatalf("a missing file is not an error at startup: %v", err)
	}
	if _, err := creds.Token(); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized before login, got %v", err)
	}
}

func TestFileCredentialsInvalidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	writeCredentialFile(t, path, "tok-abc", "7", "citizen")

	creds, err := NewFileCredentials(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	creds.Invalidate()
	if _, err := creds.Token(); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("invalidated credential must be unusable, got %v", err)
	}

	// A reload clears the invalidation.
	if err := creds.reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, err := creds.Token(); err != nil {
		t.Fatalf("reload should restore the credential, got %v", err)
	}
}

func TestFileCredentialsWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")
	writeCredentialFile(t, path, "tok-old", "7", "citizen")

	creds, err := NewFileCredentials(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	changed := creds.Changed()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		_ = creds.Watch(ctx)
	}()

	// Give the watcher a moment to register before swapping the file.
	time.Sleep(50 * time.Millisecond)
	writeCredentialFile(t, path, "tok-new", "7", "citizen")

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatalf("watch never observed the rewrite")
	}
	token, err := creds.Token()
	if err != nil || token != "tok-new" {
		t.Fatalf("expected reloaded token, got %q err %v", token, err)
	}

	cancel()
	select {
	case <-watchDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not stop on cancel")
	}
}

func TestStaticCredentialsEmptyToken(t *testing.T) {
	creds := &StaticCredentials{}
	if _, err := creds.Token(); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := creds.Identity(); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}
