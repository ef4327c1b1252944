package registry

import (
	"arpguard/internal/engine/classifier"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	modelFile   = "model.json"
	summaryFile = "summary.json"
	activeFile  = "ACTIVE"
)

// FileBackups keeps one directory per version under a root directory, holding
// the model and a summary of its metadata.
type FileBackups struct {
	root string
	mu   sync.Mutex
}

// NewFileBackups creates root if needed.
func NewFileBackups(root string) (*FileBackups, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &FileBackups{root: root}, nil
}

// Save writes the model and summary for v, replacing an earlier backup of the same version.
func (b *FileBackups) Save(v Version, m *classifier.Model) error {
	if m == nil {
		return fmt.Errorf("version %s has no model to back up", v.ID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	dir := filepath.Join(b.root, v.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	if err := writeJSON(filepath.Join(dir, modelFile), m); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, summaryFile), v)
}

// Load reads a version back.
func (b *FileBackups) Load(id string) (Version, *classifier.Model, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return Version{}, nil, fmt.Errorf("%w: %q", ErrUnknownVersion, id)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	dir := filepath.Join(b.root, id)
	var v Version
	if err := readJSON(filepath.Join(dir, summaryFile), &v); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Version{}, nil, fmt.Errorf("%w: %s", ErrUnknownVersion, id)
		}
		return Version{}, nil, err
	}
	var m classifier.Model
	if err := readJSON(filepath.Join(dir, modelFile), &m); err != nil {
		return Version{}, nil, err
	}
	return v, &m, nil
}

// SetActive records id as the active version.
func (b *FileBackups) SetActive(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	tmp := filepath.Join(b.root, activeFile+".tmp")
	if err := os.WriteFile(tmp, []byte(id+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write active marker: %w", err)
	}
	return os.Rename(tmp, filepath.Join(b.root, activeFile))
}

// ActiveID returns the recorded active version, or "" if none was recorded.
func (b *FileBackups) ActiveID() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := os.ReadFile(filepath.Join(b.root, activeFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read active marker: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func writeJSON(path string, v interface{}) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file '%s': %w", path, err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode '%s': %w", path, err)
	}
	return nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode '%s': %w", path, err)
	}
	return nil
}

// MemoryBackups keeps backups in process memory.
type MemoryBackups struct {
	mu       sync.Mutex
	versions map[string]Version
	models   map[string]*classifier.Model
	active   string
}

func NewMemoryBackups() *MemoryBackups {
	return &MemoryBackups{
		versions: make(map[string]Version),
		models:   make(map[string]*classifier.Model),
	}
}

func (b *MemoryBackups) Save(v Version, m *classifier.Model) error {
	if m == nil {
		return fmt.Errorf("version %s has no model to back up", v.ID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.versions[v.ID] = v
	b.models[v.ID] = m.Clone()
	return nil
}

func (b *MemoryBackups) Load(id string) (Version, *classifier.Model, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.models[id]
	if !ok {
		return Version{}, nil, fmt.Errorf("%w: %s", ErrUnknownVersion, id)
	}
	return b.versions[id], m.Clone(), nil
}

func (b *MemoryBackups) SetActive(id string) error {
	b.mu.Lock()
	b.active = id
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackups) ActiveID() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active, nil
}
