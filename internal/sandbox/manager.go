package sandbox

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/mylxsw/asteria/log"

	"github.com/mylxsw/sql-sandbox/internal/metrics"
	"github.com/mylxsw/sql-sandbox/internal/storage"
)

// ManagerConfig wires the lifecycle manager to its storage collaborators.
type ManagerConfig struct {
	Resolver *storage.Resolver
	Tracker  *storage.Tracker
	Script   string
	SQLite   storage.Options
	Metrics  *metrics.Metrics
}

// Manager creates, resets and destroys tenant databases. Operations on the
// same tenant are serialized; different tenants proceed independently.
type Manager struct {
	resolver *storage.Resolver
	tracker  *storage.Tracker
	script   string
	sqlite   storage.Options
	metrics  *metrics.Metrics
	locks    tenantLocks
}

func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		resolver: cfg.Resolver,
		tracker:  cfg.Tracker,
		script:   cfg.Script,
		sqlite:   cfg.SQLite,
		metrics:  cfg.Metrics,
	}
}

// EnsureExists bootstraps the tenant's database unless the tenant is already known.
func (m *Manager) EnsureExists(ctx context.Context, tenantID string) error {
	unlock := m.locks.lock(tenantID)
	defer unlock()

	_, err := m.ensureLocked(ctx, tenantID)
	return err
}

// Visit ensures the database exists and records the access, both under the tenant lock.
func (m *Manager) Visit(ctx context.Context, tenantID string) error {
	unlock := m.locks.lock(tenantID)
	defer unlock()

	created, err := m.ensureLocked(ctx, tenantID)
	if err != nil {
		return err
	}
	if created {
		// bootstrap already wrote a fresh marker
		return nil
	}
	if err := m.tracker.Touch(tenantID); err != nil {
		return &StorageFault{TenantID: tenantID, Op: "touch", Err: err}
	}
	return nil
}

// Reset replaces the tenant's database with a freshly bootstrapped one,
// whatever state the tenant was in before.
func (m *Manager) Reset(ctx context.Context, tenantID string) error {
	unlock := m.locks.lock(tenantID)
	defer unlock()

	if err := m.bootstrap(ctx, tenantID); err != nil {
		return err
	}
	m.metrics.IncReset()
	log.Infof("database reset for tenant %s", tenantID)
	return nil
}

// Destroy removes the tenant's database and liveness marker. Missing files are ignored.
func (m *Manager) Destroy(ctx context.Context, tenantID string) error {
	unlock := m.locks.lock(tenantID)
	defer unlock()

	return m.destroyLocked(tenantID)
}

// DestroyIf re-reads the tenant's liveness under the tenant lock and destroys the
// tenant only when cond agrees. It reports whether the tenant was destroyed.
func (m *Manager) DestroyIf(ctx context.Context, tenantID string, cond func(lastAccess time.Time, known bool) bool) (bool, error) {
	unlock := m.locks.lock(tenantID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return false, err
	}

	last, known, err := m.tracker.LastAccess(tenantID)
	if err != nil {
		return false, &StorageFault{TenantID: tenantID, Op: "read liveness", Err: err}
	}
	if !cond(last, known) {
		return false, nil
	}
	if err := m.destroyLocked(tenantID); err != nil {
		return false, err
	}
	return true, nil
}

// ensureLocked reports whether it had to bootstrap the database.
func (m *Manager) ensureLocked(ctx context.Context, tenantID string) (bool, error) {
	known, err := m.tracker.Known(tenantID)
	if err != nil {
		return false, &StorageFault{TenantID: tenantID, Op: "check liveness", Err: err}
	}
	if known {
		dbPath, err := m.resolver.PathFor(tenantID, storage.KindDatabase)
		if err != nil {
			return false, &StorageFault{TenantID: tenantID, Op: "resolve database path", Err: err}
		}
		exists, err := storage.Exists(dbPath)
		if err != nil {
			return false, &StorageFault{TenantID: tenantID, Op: "stat database", Err: err}
		}
		if exists {
			return false, nil
		}
		log.Warningf("tenant %s is known but has no database file, bootstrapping again", tenantID)
	}

	if err := m.bootstrap(ctx, tenantID); err != nil {
		m.metrics.IncProvision(false)
		return false, err
	}
	m.metrics.IncProvision(true)
	log.Debugf("database created for tenant %s", tenantID)
	return true, nil
}

// bootstrap builds the database in a temporary sibling, renames it into place
// and only then writes the liveness marker. A failed attempt leaves neither a
// database nor a marker behind.
func (m *Manager) bootstrap(ctx context.Context, tenantID string) error {
	dbPath, err := m.resolver.PathFor(tenantID, storage.KindDatabase)
	if err != nil {
		return &StorageFault{TenantID: tenantID, Op: "resolve database path", Err: err}
	}
	pattern, err := m.resolver.TempPattern(tenantID, storage.KindDatabase)
	if err != nil {
		return &StorageFault{TenantID: tenantID, Op: "resolve database path", Err: err}
	}

	tmp, err := os.CreateTemp(m.resolver.Root(), pattern)
	if err != nil {
		return &ProvisioningError{TenantID: tenantID, Op: "create database file", Err: err}
	}
	tmpPath := tmp.Name()
	if err := tmp.Close(); err != nil {
		_ = storage.RemoveDatabase(tmpPath)
		return &ProvisioningError{TenantID: tenantID, Op: "create database file", Err: err}
	}

	if err := m.applyScript(ctx, tmpPath); err != nil {
		_ = storage.RemoveDatabase(tmpPath)
		return &ProvisioningError{TenantID: tenantID, Op: "apply bootstrap script", Err: err}
	}

	if err := storage.RemoveSidecars(dbPath); err != nil {
		_ = storage.RemoveDatabase(tmpPath)
		return &ProvisioningError{TenantID: tenantID, Op: "clear stale journal", Err: err}
	}
	if err := os.Rename(tmpPath, dbPath); err != nil {
		_ = storage.RemoveDatabase(tmpPath)
		return &ProvisioningError{TenantID: tenantID, Op: "install database file", Err: err}
	}

	if err := m.tracker.Touch(tenantID); err != nil {
		return &ProvisioningError{TenantID: tenantID, Op: "write liveness marker", Err: err}
	}
	return nil
}

func (m *Manager) applyScript(ctx context.Context, path string) error {
	db, err := storage.Open(ctx, path, storage.ModeCreate, m.sqlite)
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, m.script)
	return err
}

func (m *Manager) destroyLocked(tenantID string) error {
	dbPath, err := m.resolver.PathFor(tenantID, storage.KindDatabase)
	if err != nil {
		return &StorageFault{TenantID: tenantID, Op: "resolve database path", Err: err}
	}
	if err := storage.RemoveDatabase(dbPath); err != nil {
		return &StorageFault{TenantID: tenantID, Op: "remove database", Err: err}
	}
	if err := m.tracker.Forget(tenantID); err != nil {
		return &StorageFault{TenantID: tenantID, Op: "remove liveness marker", Err: err}
	}
	return nil
}

type tenantLocks struct {
	mu    sync.Mutex
	locks map[string]*tenantLock
}

type tenantLock struct {
	mu   sync.Mutex
	refs int
}

// lock blocks until the tenant's lock is held and returns its release func.
// Entries are dropped once no caller holds or waits for them.
func (l *tenantLocks) lock(tenantID string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*tenantLock)
	}
	tl, ok := l.locks[tenantID]
	if !ok {
		tl = &tenantLock{}
		l.locks[tenantID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.mu.Lock()
	return func() {
		tl.mu.Unlock()
		l.mu.Lock()
		tl.refs--
		if tl.refs == 0 {
			delete(l.locks, tenantID)
		}
		l.mu.Unlock()
	}
}

func (l *tenantLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
