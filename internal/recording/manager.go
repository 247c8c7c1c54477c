package recording

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mitchellrevill/sonic-brief-sub000/internal/capture"
)

// DeviceFactory returns the default capture device for a key. It may
// return nil for keys that are only ever fed through StartWith.
type DeviceFactory func(key Key) capture.Device

// ManagerConfig contains configuration for the recording manager
type ManagerConfig struct {
	Controller      Config
	IdleTimeout     time.Duration // evict idle controllers after this long
	DraftMaxAge     time.Duration // delete drafts older than this
	CleanupInterval time.Duration
}

// Manager keeps one controller per key
type Manager struct {
	controllers map[Key]*Controller
	mu          sync.RWMutex
	logger      *slog.Logger

	deps    Dependencies
	devices DeviceFactory
	config  ManagerConfig

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a manager and starts its cleanup routine
func NewManager(deps Dependencies, devices DeviceFactory, config ManagerConfig) (*Manager, error) {
	if deps.Drafts == nil || deps.Uploader == nil {
		return nil, fmt.Errorf("draft store and uploader are required")
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 30 * time.Second
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 30 * time.Minute
	}

	deps = deps.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		controllers: make(map[Key]*Controller),
		logger:      deps.Logger.With(slog.String("component", "recording_manager")),
		deps:        deps,
		devices:     devices,
		config:      config,
		ctx:         ctx,
		cancel:      cancel,
		cleanup:     make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr, nil
}

// GetOrCreate returns the controller for key, creating it on first use
func (m *Manager) GetOrCreate(key Key) (*Controller, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, exists := m.controllers[key]; exists {
		return existing, nil
	}

	var device capture.Device
	if m.devices != nil {
		device = m.devices(key)
	}

	ctrl, err := NewController(key, device, m.deps, m.config.Controller)
	if err != nil {
		return nil, err
	}

	m.controllers[key] = ctrl
	m.deps.Observer.SetActiveSessions(len(m.controllers))

	m.logger.Info("Created recording controller",
		slog.String("category_id", key.CategoryID),
		slog.String("subcategory_id", key.SubcategoryID),
	)

	return ctrl, nil
}

// Get returns an existing controller
func (m *Manager) Get(key Key) (*Controller, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctrl, exists := m.controllers[key]
	return ctrl, exists
}

// Count returns the number of controllers
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.controllers)
}

// List returns the info of every controller ordered by key
func (m *Manager) List() []Info {
	m.mu.RLock()
	controllers := make([]*Controller, 0, len(m.controllers))
	for _, ctrl := range m.controllers {
		controllers = append(controllers, ctrl)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(controllers))
	for _, ctrl := range controllers {
		infos = append(infos, ctrl.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Key.String() < infos[j].Key.String()
	})
	return infos
}

// Remove closes and forgets a controller without saving
func (m *Manager) Remove(key Key) bool {
	m.mu.Lock()
	ctrl, exists := m.controllers[key]
	if exists {
		delete(m.controllers, key)
	}
	count := len(m.controllers)
	m.mu.Unlock()

	if !exists {
		return false
	}

	if err := ctrl.Close(); err != nil {
		m.logger.Warn("Error closing recording controller",
			slog.String("key", key.String()),
			slog.String("error", err.Error()))
	}
	m.deps.Observer.SetActiveSessions(count)

	m.logger.Info("Recording controller removed", slog.String("key", key.String()))
	return true
}

// Shutdown saves what every controller holds, then closes them
func (m *Manager) Shutdown(ctx context.Context) {
	m.logger.Info("Stopping recording manager...")

	// Cancel context to stop cleanup routine
	m.cancel()
	<-m.cleanup

	m.mu.Lock()
	controllers := m.controllers
	m.controllers = make(map[Key]*Controller)
	m.mu.Unlock()

	saved := 0
	for key, ctrl := range controllers {
		if err := ctrl.Unload(ctx); err != nil {
			m.logger.Warn("Failed to save recording on shutdown",
				slog.String("key", key.String()),
				slog.String("error", err.Error()))
		} else {
			saved++
		}
		if err := ctrl.Close(); err != nil {
			m.logger.Warn("Error closing recording controller",
				slog.String("key", key.String()),
				slog.String("error", err.Error()))
		}
	}
	m.deps.Observer.SetActiveSessions(0)

	m.logger.Info("Recording manager stopped",
		slog.Int("controllers", len(controllers)),
		slog.Int("unloaded", saved),
	)
}

// startCleanupRoutine runs in a separate goroutine to evict idle controllers
// and collect old drafts
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Recording cleanup routine started",
		slog.Duration("idle_timeout", m.config.IdleTimeout),
		slog.Duration("draft_max_age", m.config.DraftMaxAge),
		slog.Duration("check_interval", m.config.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Recording cleanup routine stopping")
			return

		case <-ticker.C:
			m.evictIdle(m.deps.Clock.Now())
			m.collectDrafts(m.ctx)
		}
	}
}

// evictIdle removes controllers idle or finished for longer than the timeout
func (m *Manager) evictIdle(now time.Time) int {
	m.mu.Lock()
	expired := make([]Key, 0)
	for key, ctrl := range m.controllers {
		if ctrl.closeIfIdle(now, m.config.IdleTimeout) {
			delete(m.controllers, key)
			expired = append(expired, key)
		}
	}
	count := len(m.controllers)
	m.mu.Unlock()

	if len(expired) > 0 {
		m.deps.Observer.SetActiveSessions(count)
		m.logger.Info("Evicted idle recording controllers",
			slog.Int("expired_count", len(expired)),
		)
	}
	return len(expired)
}

// collectDrafts deletes drafts past the maximum age and refreshes usage
func (m *Manager) collectDrafts(ctx context.Context) {
	if m.config.DraftMaxAge > 0 {
		removed, err := m.deps.Drafts.CleanupOlderThan(ctx, m.config.DraftMaxAge)
		if err != nil {
			m.logger.Warn("Draft cleanup failed", slog.String("error", err.Error()))
		} else if removed > 0 {
			m.deps.Observer.RecordDraftsCollected(removed)
			m.logger.Info("Old drafts removed", slog.Int("removed", removed))
		}
	}

	if status, err := m.deps.Drafts.CheckQuota(ctx); err == nil {
		m.deps.Observer.SetDraftBytes(status.UsedBytes)
	}
}
