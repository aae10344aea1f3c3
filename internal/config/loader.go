package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader owns the currently-active Config and keeps it current by
// hot-reloading from disk. Grounded on capability.FileRegistry's
// fsnotify-directory-watch idiom: the watch targets the config file's
// parent directory rather than the file itself, since editors commonly
// replace a file via rename-over rather than an in-place write, which a
// direct file watch can miss.
type Loader struct {
	mu       sync.RWMutex
	cfg      *Config
	path     string
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	stopOnce sync.Once
}

// NewLoader returns a Loader seeded with DefaultConfig. Callers that want
// a file's contents must call Load.
func NewLoader() *Loader {
	return &Loader{cfg: DefaultConfig(), logger: slog.Default().With("component", "config.Loader")}
}

// Load reads and parses the YAML file at path, replacing the current
// config, and starts a hot-reload watch on its parent directory.
func (l *Loader) Load(path string) error {
	cfg, err := load(path)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.cfg = cfg
	l.path = path
	l.mu.Unlock()

	l.startWatch(path)
	return nil
}

// Reload re-reads the file last passed to Load. It returns an error if
// Load has never been called.
func (l *Loader) Reload() error {
	l.mu.RLock()
	path := l.path
	l.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("config: Reload called before Load")
	}

	cfg, err := load(path)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	return nil
}

// Get returns the currently active config. Safe for concurrent use while
// a hot-reload watch is running.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// FilePath returns the path last passed to Load, or "" if Load has never
// been called.
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.path
}

// Close stops the hot-reload watch, if one is running.
func (l *Loader) Close() {
	l.stopOnce.Do(func() {
		l.mu.RLock()
		w := l.watcher
		l.mu.RUnlock()
		if w != nil {
			w.Close()
		}
	})
}

func (l *Loader) startWatch(path string) {
	l.mu.Lock()
	if l.watcher != nil {
		l.watcher.Close()
		l.watcher = nil
	}
	l.mu.Unlock()

	dir := filepath.Dir(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		l.logger.Warn("config hot-reload watcher unavailable", "error", err)
		return
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		l.logger.Warn("config hot-reload watch failed", "dir", dir, "error", err)
		return
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					if err := l.Reload(); err != nil {
						l.logger.Error("config hot-reload failed", "error", err)
					} else {
						l.logger.Info("config hot-reloaded", "event", event.String())
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Error("config watcher error", "error", err)
			}
		}
	}()
}

func load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(substituteEnvVars(string(raw))), cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// GenerateDefault writes DefaultConfig to path as YAML, for first-run
// bootstrap (`moat init`).
func GenerateDefault(path string) error {
	out, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("config: marshal default: %w", err)
	}
	return os.WriteFile(path, out, 0644)
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// substituteEnvVars expands ${VAR} and ${VAR:-default} references against
// the process environment before YAML parsing, so deployments can keep
// secrets (vault paths, connection strings) out of the config file itself.
func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, def := groups[1], groups[3]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return def
	})
}
