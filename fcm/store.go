package fcm

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// CredentialsFileName is the file the client keeps its credentials in.
const CredentialsFileName = "fcm_credentials.json"

// credentialStore persists Credentials as JSON.
type credentialStore struct {
	path   string
	logger *slog.Logger
}

// load reads the stored credentials; a missing file matches fs.ErrNotExist.
func (s credentialStore) load() (*Credentials, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing FCM credentials: %w", err)
	}
	return &creds, nil
}

// save replaces the stored credentials through a temporary file.
func (s credentialStore) save(creds *Credentials) error {
	if creds == nil {
		return errors.New("no credentials to save")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing FCM credentials: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing FCM credentials: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing FCM credentials: %w", err)
	}
	s.logger.Debug("Saved FCM credentials", "path", s.path)
	return nil
}

func (s credentialStore) remove() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing FCM credentials: %w", err)
	}
	return nil
}
