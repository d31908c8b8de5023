// Package sinks provides host-side badge and notification sinks for the CLI.
package sinks

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dimpart/tarsier"
	"gopkg.in/yaml.v3"
)

// StateFileName is the file StateFile persists to inside its directory.
const StateFileName = "badge.yaml"

// maxPending caps the notifications kept in the tray.
const maxPending = 50

// Channel is a prepared notification channel.
type Channel struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// PendingNotification is a notification waiting in the tray.
type PendingNotification struct {
	MessageID  string    `yaml:"message_id,omitempty"`
	Title      string    `yaml:"title,omitempty"`
	Body       string    `yaml:"body,omitempty"`
	ReceivedAt time.Time `yaml:"received_at"`
}

// State is the persisted display state.
type State struct {
	// Badge is the displayed count; nil when no badge is shown.
	Badge     *int                  `yaml:"badge,omitempty"`
	Pending   []PendingNotification `yaml:"pending,omitempty"`
	Channels  []Channel             `yaml:"channels,omitempty"`
	UpdatedAt time.Time             `yaml:"updated_at,omitempty"`
}

// StateFile stands in for the platform badge and notification tray,
// persisting their state to a YAML file. It implements c2dm.BadgeSink,
// c2dm.NotificationSink and c2dm.ChannelPreparer.
type StateFile struct {
	path   string
	logger *slog.Logger
	now    func() time.Time
	mu     sync.Mutex
}

// NewStateFile creates a StateFile persisting to dir/badge.yaml.
func NewStateFile(dir string, logger *slog.Logger) *StateFile {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateFile{
		path:   filepath.Join(dir, StateFileName),
		logger: logger,
		now:    time.Now,
	}
}

// Path returns the state file location.
func (s *StateFile) Path() string { return s.path }

// Load reads the current state; a missing file is an empty state.
func (s *StateFile) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// ApplyCount shows n on the badge.
func (s *StateFile) ApplyCount(n int) error {
	return s.update(func(st *State) {
		st.Badge = &n
	})
}

// RemoveCount hides the badge.
func (s *StateFile) RemoveCount() error {
	return s.update(func(st *State) {
		st.Badge = nil
	})
}

// ClearAll empties the notification tray.
func (s *StateFile) ClearAll() error {
	return s.update(func(st *State) {
		st.Pending = nil
	})
}

// PrepareChannel records a notification channel, replacing one with the same ID.
func (s *StateFile) PrepareChannel(id, name, description string) error {
	return s.update(func(st *State) {
		ch := Channel{ID: id, Name: name, Description: description}
		for i := range st.Channels {
			if st.Channels[i].ID == id {
				st.Channels[i] = ch
				return
			}
		}
		st.Channels = append(st.Channels, ch)
	})
}

// Post adds msg to the tray when it carries a notification part.
func (s *StateFile) Post(msg tarsier.PushMessage) error {
	if msg.Notification == nil {
		return nil
	}
	return s.update(func(st *State) {
		st.Pending = append(st.Pending, PendingNotification{
			MessageID:  msg.MessageID,
			Title:      msg.Notification.Title,
			Body:       msg.Notification.Body,
			ReceivedAt: s.now().UTC(),
		})
		if len(st.Pending) > maxPending {
			st.Pending = st.Pending[len(st.Pending)-maxPending:]
		}
	})
}

func (s *StateFile) update(fn func(*State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return err
	}
	fn(&st)
	st.UpdatedAt = s.now().UTC()
	return s.save(st)
}

func (s *StateFile) load() (State, error) {
	var st State
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("reading state: %w", err)
	}
	if err := yaml.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("parsing state %s: %w", s.path, err)
	}
	return st, nil
}

// save writes st through a temporary file so readers never see a partial file.
func (s *StateFile) save(st State) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("serializing state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing state: %w", err)
	}
	s.logger.Debug("Saved display state", "path", s.path)
	return nil
}
