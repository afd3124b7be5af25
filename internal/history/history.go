// Package history records when each target last completed a handshake.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/treykane/approval-relay/internal/appconfig"
	"github.com/treykane/approval-relay/internal/model"
)

type store struct {
	LastConnected map[string]int64 `json:"last_connected"`
}

// Connections from several targets may land at once.
var mu sync.Mutex

func filePath() (string, error) {
	return appconfig.FilePath("history.json")
}

// Touch records a successful connection to the target.
func Touch(targetID string) error {
	mu.Lock()
	defer mu.Unlock()
	st, err := load()
	if err != nil {
		return err
	}
	st.LastConnected[targetID] = time.Now().Unix()
	return save(st)
}

// Forget drops the entry for a removed target.
func Forget(targetID string) error {
	mu.Lock()
	defer mu.Unlock()
	st, err := load()
	if err != nil {
		return err
	}
	if _, ok := st.LastConnected[targetID]; !ok {
		return nil
	}
	delete(st.LastConnected, targetID)
	return save(st)
}

// LastConnected returns unix timestamps by target id.
func LastConnected() (map[string]int64, error) {
	mu.Lock()
	defer mu.Unlock()
	st, err := load()
	if err != nil {
		return nil, err
	}
	return st.LastConnected, nil
}

// SortTargetsRecent returns a new slice sorted by recent connection (desc), then id.
func SortTargetsRecent(list []model.TargetConfig, last map[string]int64) []model.TargetConfig {
	out := append([]model.TargetConfig(nil), list...)
	sort.SliceStable(out, func(i, j int) bool {
		ti := last[out[i].ID]
		tj := last[out[j].ID]
		if ti != tj {
			return ti > tj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Ago renders a timestamp for listings.
func Ago(ts int64, now time.Time) string {
	if ts <= 0 {
		return "never"
	}
	d := now.Sub(time.Unix(ts, 0))
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return formatUnit(int(d/time.Minute), "m")
	case d < 48*time.Hour:
		return formatUnit(int(d/time.Hour), "h")
	default:
		return formatUnit(int(d/(24*time.Hour)), "d")
	}
}

func formatUnit(n int, unit string) string {
	return fmt.Sprintf("%d%s ago", n, unit)
}

func load() (store, error) {
	path, err := filePath()
	if err != nil {
		return store{}, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store{LastConnected: map[string]int64{}}, nil
		}
		return store{}, err
	}
	var st store
	// A corrupt file only loses ordering, so start over.
	if err := json.Unmarshal(b, &st); err != nil {
		return store{LastConnected: map[string]int64{}}, nil
	}
	if st.LastConnected == nil {
		st.LastConnected = map[string]int64{}
	}
	return st, nil
}

func save(st store) error {
	path, err := filePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
