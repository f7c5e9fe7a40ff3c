package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/timzifer/beamio/config"
	"github.com/timzifer/beamio/connect"
	"github.com/timzifer/beamio/internal/reload"
	"github.com/timzifer/beamio/signal"
)

// MonitorFunc receives readings of monitored devices.
type MonitorFunc func(name string, r signal.Reading)

// Manager keeps one live session and rebuilds it when the configuration file
// changes. It serves the live view registry of whichever session is current.
type Manager struct {
	path string
	opts []Option

	mu       sync.Mutex
	current  *Session
	watchFn  MonitorFunc
	watching []string
	closed   bool
}

// NewManager opens the first session from the configuration at path.
func NewManager(ctx context.Context, path string, opts ...Option) (*Manager, error) {
	if path == "" {
		return nil, errors.New("configuration path required")
	}
	m := &Manager{path: path, opts: opts}
	s, err := m.open(ctx, nil)
	if err != nil {
		return nil, err
	}
	m.current = s
	return m, nil
}

func (m *Manager) open(ctx context.Context, cfg *config.Config) (*Session, error) {
	opts := append([]Option{}, m.opts...)
	if cfg != nil {
		opts = append(opts, WithConfig(cfg))
	} else {
		opts = append(opts, WithConfigPath(m.path))
	}
	return Open(ctx, opts...)
}

// Current returns the live session.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Names lists the device names of the current session.
func (m *Manager) Names() []string {
	if s := m.Current(); s != nil {
		return s.Names()
	}
	return nil
}

// Signal looks up a device signal in the current session.
func (m *Manager) Signal(name string) (*signal.Signal, bool) {
	if s := m.Current(); s != nil {
		return s.Signal(name)
	}
	return nil, false
}

// Report returns the connect report of the current session.
func (m *Manager) Report() *connect.Report {
	if s := m.Current(); s != nil {
		return s.Report()
	}
	return nil
}

// Watch monitors the named devices and keeps monitoring them across reloads.
func (m *Manager) Watch(names []string, fn MonitorFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, err := m.current.Monitor(names, fn); err != nil {
		return err
	}
	m.watching = append(m.watching, names...)
	m.watchFn = fn
	return nil
}

// Reload replaces the current session with one built from the configuration on
// disk. An invalid file leaves the current session running. When the new session
// cannot be built the previous configuration is restored.
func (m *Manager) Reload(ctx context.Context, files []string) error {
	cfg, err := config.Load(m.path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	old := m.current
	logger := old.Logger()
	// Sessions share transports with the outside world; the old one goes first.
	if err := old.Close(); err != nil {
		logger.Warn().Err(err).Msg("close previous session")
	}
	next, err := m.open(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("reloaded configuration failed, restoring previous")
		restored, restoreErr := m.open(ctx, old.Config())
		if restoreErr != nil {
			m.current = nil
			m.closed = true
			return errors.Join(err, fmt.Errorf("restore previous session: %w", restoreErr))
		}
		m.current = restored
		m.rewatchLocked()
		return err
	}
	m.current = next
	m.rewatchLocked()
	for _, file := range files {
		next.Telemetry().IncHotReload(file)
	}
	nextLogger := next.Logger()
	nextLogger.Info().Strs("files", files).Msg("configuration reloaded")
	return nil
}

func (m *Manager) rewatchLocked() {
	if m.watchFn == nil {
		return
	}
	var names []string
	for _, name := range m.watching {
		if _, ok := m.current.Signal(name); ok {
			names = append(names, name)
		}
	}
	if _, err := m.current.Monitor(names, m.watchFn); err != nil {
		logger := m.current.Logger()
		logger.Warn().Err(err).Msg("resume monitors")
	}
}

// Run watches the configuration file while hot reload is enabled and returns
// when ctx ends or a reload leaves no session running.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	s := m.Current()
	if s == nil {
		return ErrClosed
	}
	if !s.Config().HotReload {
		<-ctx.Done()
		return ctx.Err()
	}
	watcher, err := reload.NewWatcher(s.Config())
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var fatal error
	watcher.Run(runCtx, interval, func(files []string) {
		err := m.Reload(runCtx, files)
		current := m.Current()
		if current == nil {
			fatal = err
			cancel()
			return
		}
		logger := current.Logger()
		if err != nil {
			logger.Error().Err(err).Strs("files", files).Msg("hot reload failed")
		}
		if err := watcher.Update(current.Config()); err != nil {
			logger.Error().Err(err).Msg("update configuration watcher")
		}
	})
	if fatal != nil {
		return fatal
	}
	return ctx.Err()
}

// Close closes the current session.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.current == nil {
		return nil
	}
	return m.current.Close()
}
