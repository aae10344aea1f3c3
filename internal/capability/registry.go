package capability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/moat/moat/internal/model"
)

// fixtureManifest mirrors model.CapabilityManifest with yaml tags, for the
// fixture-file registry used in tests and local development. Grounded on
// the teacher's internal/policy/loader.go YAML-config-to-compiled-type
// loading shape.
type fixtureManifest struct {
	ID              string   `yaml:"id"`
	Version         string   `yaml:"version"`
	Provider        string   `yaml:"provider"`
	Method          string   `yaml:"method"`
	Scopes          []string `yaml:"scopes"`
	RiskClass       string   `yaml:"risk_class"`
	DomainAllowlist []string `yaml:"domain_allowlist"`
	Status          string   `yaml:"status"`
	RoutingStatus   string   `yaml:"routing_status"`
	Verified        bool     `yaml:"verified"`
}

// FileRegistry is a Registry backed by a directory of YAML fixture files,
// hot-reloaded via fsnotify watching the directory (not individual files),
// matching the teacher's loader.go rationale: editors replace files via
// rename, which a direct file watch misses but a directory watch catches.
type FileRegistry struct {
	dir    string
	logger *slog.Logger

	mu        sync.RWMutex
	manifests map[string]model.CapabilityManifest // key: id+"@"+version
	latest    map[string]string                   // id -> latest published version
}

// NewFileRegistry loads dir once and starts watching it for changes.
func NewFileRegistry(dir string, logger *slog.Logger) (*FileRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &FileRegistry{
		dir:       dir,
		logger:    logger.With("component", "capability.FileRegistry"),
		manifests: make(map[string]model.CapabilityManifest),
		latest:    make(map[string]string),
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	if err := r.watch(); err != nil {
		r.logger.Warn("fixture hot-reload watcher failed to start", "error", err)
	}
	return r, nil
}

func (r *FileRegistry) watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					if err := r.reload(); err != nil {
						r.logger.Error("fixture reload failed", "error", err)
					} else {
						r.logger.Info("fixture registry hot-reloaded", "event", event.String())
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Error("fsnotify watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (r *FileRegistry) reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read dir %s: %w", r.dir, err)
	}

	manifests := make(map[string]model.CapabilityManifest)
	latest := make(map[string]string)

	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		ext := filepath.Ext(de.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(r.dir, de.Name()))
		if err != nil {
			return fmt.Errorf("read %s: %w", de.Name(), err)
		}
		var fm fixtureManifest
		if err := yaml.Unmarshal(raw, &fm); err != nil {
			return fmt.Errorf("parse %s: %w", de.Name(), err)
		}
		m := model.CapabilityManifest{
			ID:              fm.ID,
			Version:         fm.Version,
			Provider:        fm.Provider,
			Method:          fm.Method,
			Scopes:          fm.Scopes,
			RiskClass:       model.RiskClass(fm.RiskClass),
			DomainAllowlist: fm.DomainAllowlist,
			Status:          model.ManifestStatus(fm.Status),
			RoutingStatus:   model.RoutingStatus(fm.RoutingStatus),
			Verified:        fm.Verified,
		}
		manifests[m.ID+"@"+m.Version] = m
		if m.Status == model.ManifestPublished {
			latest[m.ID] = m.Version
		}
	}

	r.mu.Lock()
	r.manifests = manifests
	r.latest = latest
	r.mu.Unlock()
	return nil
}

// GetManifest implements Registry.
func (r *FileRegistry) GetManifest(_ context.Context, id, version string) (model.CapabilityManifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if version == "" {
		v, ok := r.latest[id]
		if !ok {
			return model.CapabilityManifest{}, ErrNotFound
		}
		version = v
	}
	m, ok := r.manifests[id+"@"+version]
	if !ok {
		return model.CapabilityManifest{}, ErrNotFound
	}
	return m, nil
}

// SetRoutingStatus applies a Routing Advisor decision (spec.md §4.7) or a
// manual operator override to an in-memory manifest copy. The external
// registry in a real deployment owns this write; FileRegistry exposes it
// for the in-process dev/test path.
func (r *FileRegistry) SetRoutingStatus(id, version string, status model.RoutingStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := id + "@" + version
	if m, ok := r.manifests[key]; ok {
		m.RoutingStatus = status
		r.manifests[key] = m
	}
}

// All returns every tracked manifest, for callers (e.g. the routing
// advisor's sweep) that need to enumerate capabilities rather than look
// one up by key.
func (r *FileRegistry) All() []model.CapabilityManifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.CapabilityManifest, 0, len(r.manifests))
	for _, m := range r.manifests {
		out = append(out, m)
	}
	return out
}

// InMemoryRegistry is a simple Registry used directly by tests that don't
// need file-backed fixtures or hot reload.
type InMemoryRegistry struct {
	mu        sync.RWMutex
	manifests map[string]model.CapabilityManifest
	latest    map[string]string
}

// NewInMemoryRegistry constructs an empty in-memory registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		manifests: make(map[string]model.CapabilityManifest),
		latest:    make(map[string]string),
	}
}

// Put registers or replaces a manifest.
func (r *InMemoryRegistry) Put(m model.CapabilityManifest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manifests[m.ID+"@"+m.Version] = m
	if m.Status == model.ManifestPublished {
		r.latest[m.ID] = m.Version
	}
}

// GetManifest implements Registry.
func (r *InMemoryRegistry) GetManifest(_ context.Context, id, version string) (model.CapabilityManifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if version == "" {
		v, ok := r.latest[id]
		if !ok {
			return model.CapabilityManifest{}, ErrNotFound
		}
		version = v
	}
	m, ok := r.manifests[id+"@"+version]
	if !ok {
		return model.CapabilityManifest{}, ErrNotFound
	}
	return m, nil
}

// SetRoutingStatus applies a Routing Advisor decision, mirroring
// FileRegistry's override hook.
func (r *InMemoryRegistry) SetRoutingStatus(id, version string, status model.RoutingStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := id + "@" + version
	if m, ok := r.manifests[key]; ok {
		m.RoutingStatus = status
		r.manifests[key] = m
	}
}

// All returns every tracked manifest, for callers (e.g. the routing
// advisor's sweep) that need to enumerate capabilities rather than look
// one up by key.
func (r *InMemoryRegistry) All() []model.CapabilityManifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.CapabilityManifest, 0, len(r.manifests))
	for _, m := range r.manifests {
		out = append(out, m)
	}
	return out
}
