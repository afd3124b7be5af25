// Package targets persists the relay endpoints the client role connects to.
package targets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/treykane/approval-relay/internal/appconfig"
	"github.com/treykane/approval-relay/internal/model"
	"github.com/treykane/approval-relay/internal/util"
	"gopkg.in/yaml.v3"
)

var (
	ErrNotFound          = errors.New("target not found")
	ErrDuplicateID       = errors.New("target id already exists")
	ErrDuplicateEndpoint = errors.New("another target already uses this endpoint")
)

type fileModel struct {
	Targets map[string]model.TargetConfig `yaml:"targets"`
}

// FilePath returns the location of targets.yaml.
func FilePath() (string, error) {
	return appconfig.FilePath("targets.yaml")
}

// LoadAll returns all targets sorted by id.
func LoadAll() ([]model.TargetConfig, error) {
	fm, err := loadFile()
	if err != nil {
		return nil, err
	}
	out := make([]model.TargetConfig, 0, len(fm.Targets))
	for _, t := range fm.Targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get fetches one target by id.
func Get(id string) (model.TargetConfig, error) {
	fm, err := loadFile()
	if err != nil {
		return model.TargetConfig{}, err
	}
	t, ok := fm.Targets[id]
	if !ok {
		return model.TargetConfig{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

// Add validates t and stores it. An empty id is generated. The stored
// target is returned.
func Add(t model.TargetConfig) (model.TargetConfig, error) {
	t, err := Normalize(t)
	if err != nil {
		return model.TargetConfig{}, err
	}
	fm, err := loadFile()
	if err != nil {
		return model.TargetConfig{}, err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()[:8]
	}
	if _, ok := fm.Targets[t.ID]; ok {
		return model.TargetConfig{}, fmt.Errorf("%w: %s", ErrDuplicateID, t.ID)
	}
	if other, ok := endpointOwner(fm, t); ok {
		return model.TargetConfig{}, fmt.Errorf("%w: %s is used by %s", ErrDuplicateEndpoint, t.Addr(), other)
	}
	fm.Targets[t.ID] = t
	return t, saveFile(fm)
}

// Update replaces an existing target.
func Update(t model.TargetConfig) error {
	t, err := Normalize(t)
	if err != nil {
		return err
	}
	fm, err := loadFile()
	if err != nil {
		return err
	}
	if _, ok := fm.Targets[t.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, t.ID)
	}
	if other, ok := endpointOwner(fm, t); ok {
		return fmt.Errorf("%w: %s is used by %s", ErrDuplicateEndpoint, t.Addr(), other)
	}
	fm.Targets[t.ID] = t
	return saveFile(fm)
}

// Remove deletes a target by id.
func Remove(id string) error {
	fm, err := loadFile()
	if err != nil {
		return err
	}
	if _, ok := fm.Targets[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(fm.Targets, id)
	return saveFile(fm)
}

// Normalize trims fields and checks host and port. The id may be empty.
func Normalize(t model.TargetConfig) (model.TargetConfig, error) {
	t.ID = strings.TrimSpace(t.ID)
	t.Name = strings.TrimSpace(t.Name)
	t.Host = strings.TrimSpace(t.Host)
	t.APIKey = strings.TrimSpace(t.APIKey)
	if strings.ContainsAny(t.ID, " \t/") {
		return t, fmt.Errorf("target id %q must not contain spaces or slashes", t.ID)
	}
	if t.Host == "" {
		return t, fmt.Errorf("target host cannot be empty")
	}
	if err := util.ValidatePort(t.Port); err != nil {
		return t, err
	}
	return t, nil
}

// ParseEndpoint parses "host", "host:port" or "[v6]:port". A missing port
// defaults to util.DefaultPort.
func ParseEndpoint(input string) (host string, port int, err error) {
	input = strings.TrimSpace(input)
	input = strings.TrimPrefix(input, "ws://")
	input = strings.TrimSuffix(input, "/ws")
	if input == "" {
		return "", 0, fmt.Errorf("endpoint cannot be empty")
	}
	port = util.DefaultPort
	if strings.HasPrefix(input, "[") {
		end := strings.Index(input, "]")
		if end < 0 {
			return "", 0, fmt.Errorf("invalid endpoint %q", input)
		}
		host = input[1:end]
		rest := input[end+1:]
		if rest != "" {
			p, perr := parsePort(strings.TrimPrefix(rest, ":"))
			if perr != nil || !strings.HasPrefix(rest, ":") {
				return "", 0, fmt.Errorf("invalid port in %q", input)
			}
			port = p
		}
		return host, port, nil
	}
	host = input
	if idx := strings.LastIndex(input, ":"); idx > 0 && strings.Count(input, ":") == 1 {
		p, perr := parsePort(input[idx+1:])
		if perr != nil {
			return "", 0, fmt.Errorf("invalid port in %q", input)
		}
		host, port = input[:idx], p
	}
	return host, port, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return p, util.ValidatePort(p)
}

// DuplicateEndpoints groups target ids by endpoint, keeping only endpoints
// shared by more than one target.
func DuplicateEndpoints(list []model.TargetConfig) map[string][]string {
	byAddr := map[string][]string{}
	for _, t := range list {
		key := endpointKey(t)
		byAddr[key] = append(byAddr[key], t.ID)
	}
	for k, ids := range byAddr {
		if len(ids) < 2 {
			delete(byAddr, k)
			continue
		}
		sort.Strings(ids)
	}
	return byAddr
}

func endpointOwner(fm fileModel, t model.TargetConfig) (string, bool) {
	key := endpointKey(t)
	for id, other := range fm.Targets {
		if id != t.ID && endpointKey(other) == key {
			return id, true
		}
	}
	return "", false
}

func endpointKey(t model.TargetConfig) string {
	t.Host = strings.ToLower(t.Host)
	return t.Addr()
}

func loadFile() (fileModel, error) {
	path, err := FilePath()
	if err != nil {
		return fileModel{}, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileModel{Targets: map[string]model.TargetConfig{}}, nil
		}
		return fileModel{}, err
	}
	var fm fileModel
	if err := yaml.Unmarshal(b, &fm); err != nil {
		return fileModel{}, fmt.Errorf("parse targets: %w", err)
	}
	if fm.Targets == nil {
		fm.Targets = map[string]model.TargetConfig{}
	}
	for id, t := range fm.Targets {
		t.ID = id
		fm.Targets[id] = t
	}
	return fm, nil
}

// saveFile writes owner-only since targets carry api keys.
func saveFile(fm fileModel) error {
	path, err := FilePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := yaml.Marshal(fm)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
