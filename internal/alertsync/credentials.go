package alertsync

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Credential is the on-disk session record left behind by the login flow.
type Credential struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	UserType    string `json:"user_type"`
}

// StaticCredentials serves a fixed credential, mainly for tests and
// one-shot tools.
type StaticCredentials struct {
	Credential Credential
}

func (s *StaticCredentials) Token() (string, error) {
	if strings.TrimSpace(s.Credential.AccessToken) == "" {
		return "", ErrUnauthorized
	}
	return s.Credential.AccessToken, nil
}

func (s *StaticCredentials) Identity() (Identity, error) {
	if strings.TrimSpace(s.Credential.AccessToken) == "" {
		return Identity{}, ErrUnauthorized
	}
	return Identity{UserID: s.Credential.UserID, Role: s.Credential.UserType}, nil
}

// FileCredentials reads the credential from a JSON file and can watch it
// for changes, so a re-login by the host app takes effect without a
// restart.
type FileCredentials struct {
	path   string
	logger Logger

	mu          sync.RWMutex
	credential  Credential
	invalidated bool
	subs        []chan struct{}
}

func NewFileCredentials(path string, logger Logger) (*FileCredentials, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	fc := &FileCredentials{path: path, logger: logger}
	if err := fc.reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return fc, nil
}

func (f *FileCredentials) Token() (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.invalidated || strings.TrimSpace(f.credential.AccessToken) == "" {
		return "", ErrUnauthorized
	}
	return f.credential.AccessToken, nil
}

func (f *FileCredentials) Identity() (Identity, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.invalidated || strings.TrimSpace(f.credential.AccessToken) == "" {
		return Identity{}, ErrUnauthorized
	}
	return Identity{UserID: f.credential.UserID, Role: f.credential.UserType}, nil
}

// Invalidate marks the current credential unusable, typically after the
// server rejected it. A reload of the file clears the mark.
func (f *FileCredentials) Invalidate() {
	f.mu.Lock()
	f.invalidated = true
	f.mu.Unlock()
}

// Changed returns a channel that receives a signal whenever the credential
// file is reloaded.
func (f *FileCredentials) Changed() <-chan struct{} {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch
}

func (f *FileCredentials) reload() error {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return err
	}
	var credential Credential
	if err := json.Unmarshal(raw, &credential); err != nil {
		return fmt.Errorf("credential file %s: %w", f.path, err)
	}

	f.mu.Lock()
	f.credential = credential
	f.invalidated = false
	subs := append([]chan struct{}(nil), f.subs...)
	f.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Watch reloads the credential whenever the file changes, until ctx is
// cancelled. The parent directory is watched because editors and login
// flows typically replace the file by rename.
func (f *FileCredentials) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(f.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(f.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := f.reload(); err != nil {
				if !os.IsNotExist(err) {
					logf(f.logger, "credential reload failed: %v", err)
				}
				continue
			}
			logf(f.logger, "credential file reloaded")
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logf(f.logger, "credential watcher: %v", watchErr)
		}
	}
}
