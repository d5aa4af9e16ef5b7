package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Spec is a reusable plan definition loaded from a YAML file. HTTP callers
// reference specs by name instead of inlining task lists.
type Spec struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Tasks       []Task `yaml:"tasks"`
}

// Entry captures a loaded spec alongside bookkeeping data.
type Entry struct {
	Name        string
	Spec        *Spec
	SourcePath  string
	ContentHash string
	LoadedAt    time.Time
}

// Summary exposes lightweight information about a registered spec.
type Summary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	TaskCount   int    `json:"task_count"`
	SourcePath  string `json:"source_path"`
}

// Registry maintains an in-memory catalogue of plan specs loaded from disk.
// Reload replaces the whole catalogue, which keeps fsnotify-driven refreshes
// atomic from the reader's point of view.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	logger  *zap.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{entries: make(map[string]Entry), logger: logger}
}

// LoadDirectory loads every YAML plan spec under the provided directory.
func (r *Registry) LoadDirectory(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("stat plan directory %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("plan path %s is not a directory", root)
	}

	var failures []string
	walkFn := func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, walkErr))
			return nil
		}
		if d.IsDir() || !isYAML(path) {
			return nil
		}
		if err := r.loadFile(path); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, err))
		}
		return nil
	}

	if err := filepath.WalkDir(root, walkFn); err != nil {
		return fmt.Errorf("walk plan directory %s: %w", root, err)
	}
	if len(failures) > 0 {
		return &LoadError{Failures: failures}
	}
	return nil
}

// Reload clears the catalogue and loads the directory from scratch. On load
// failure the previous catalogue is restored.
func (r *Registry) Reload(root string) error {
	r.mu.Lock()
	previous := r.entries
	r.entries = make(map[string]Entry)
	r.mu.Unlock()

	if err := r.LoadDirectory(root); err != nil {
		r.mu.Lock()
		r.entries = previous
		r.mu.Unlock()
		return err
	}

	r.logger.Info("Plan registry reloaded", zap.String("dir", root), zap.Int("specs", r.Len()))
	return nil
}

// Get returns the spec entry registered under the given name.
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	return entry, ok
}

// Len returns the number of registered specs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// List returns summaries of all registered specs sorted by name.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summaries := make([]Summary, 0, len(r.entries))
	for _, entry := range r.entries {
		summaries = append(summaries, Summary{
			Name:        entry.Name,
			Description: entry.Spec.Description,
			TaskCount:   len(entry.Spec.Tasks),
			SourcePath:  entry.SourcePath,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })
	return summaries
}

func (r *Registry) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("plan spec is missing a name")
	}
	if len(spec.Tasks) == 0 {
		return fmt.Errorf("plan spec %q has no tasks", spec.Name)
	}
	if err := Validate(spec.Tasks); err != nil {
		return fmt.Errorf("plan spec %q: %w", spec.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[spec.Name]; exists {
		return fmt.Errorf("duplicate plan spec name %q", spec.Name)
	}

	hash := sha256.Sum256(data)
	r.entries[spec.Name] = Entry{
		Name:        spec.Name,
		Spec:        &spec,
		SourcePath:  path,
		ContentHash: hex.EncodeToString(hash[:]),
		LoadedAt:    time.Now().UTC(),
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadError aggregates plan spec loading failures.
type LoadError struct {
	Failures []string
}

func (e *LoadError) Error() string {
	if len(e.Failures) == 0 {
		return "plan spec load failed"
	}
	return fmt.Sprintf("%d plan spec(s) failed to load: %s", len(e.Failures), strings.Join(e.Failures, "; "))
}
