// Package events records relay status transitions and log lines. Bus fans
// them out to live subscribers such as the dashboard; Store keeps status
// transitions in a JSONL journal for later inspection.
package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/treykane/approval-relay/internal/appconfig"
)

type Severity string

const (
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

const (
	KindStatus  = "status_changed"
	KindLog     = "log"
	KindSession = "session"
	KindRequest = "request"
)

// Event is one relay record. Source names the emitting component:
// "hub", "tunnel" or "target:<id>".
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Kind      string    `json:"kind"`
	Severity  Severity  `json:"severity"`
	State     string    `json:"state,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Query controls event filtering and bounded reads.
type Query struct {
	Source string
	Kind   string
	Since  time.Time
	Limit  int
}

// Store provides append/read access to the local event journal.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore returns a store writing events.jsonl in the config directory.
func NewStore() *Store {
	return &Store{}
}

// NewStoreAt returns a store writing to an explicit path.
func NewStoreAt(path string) *Store {
	return &Store{path: path}
}

func (s *Store) filePath() (string, error) {
	if s.path != "" {
		return s.path, nil
	}
	dir, err := appconfig.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "events.jsonl"), nil
}

// Append writes a single event as one JSON line.
func (s *Store) Append(evt Event) error {
	path, err := s.filePath()
	if err != nil {
		return err
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(b, '\n'))
	return err
}

// Read returns events in append order, filtered by query, with optional limit.
// Limit keeps the newest events.
func (s *Store) Read(q Query) ([]Event, error) {
	path, err := s.filePath()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			continue
		}
		if !q.matches(evt) {
			continue
		}
		out = append(out, evt)
		if q.Limit > 0 && len(out) > q.Limit {
			out = out[len(out)-q.Limit:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return out, nil
}

func (q Query) matches(evt Event) bool {
	if src := strings.TrimSpace(q.Source); src != "" {
		// "target" matches every "target:<id>" source.
		if evt.Source != src && !strings.HasPrefix(evt.Source, src+":") {
			return false
		}
	}
	if strings.TrimSpace(q.Kind) != "" && evt.Kind != q.Kind {
		return false
	}
	if !q.Since.IsZero() && evt.Timestamp.Before(q.Since) {
		return false
	}
	return true
}
