package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/mylxsw/asteria/log"
)

// Tracker keeps one last-access marker file per tenant, separate from the database file.
type Tracker struct {
	resolver *Resolver
	now      func() time.Time
}

func NewTracker(resolver *Resolver) *Tracker {
	return &Tracker{resolver: resolver, now: time.Now}
}

// Touch records the current time as the tenant's last access.
func (t *Tracker) Touch(tenantID string) error {
	return t.Record(tenantID, t.now())
}

// Record overwrites the tenant's marker with the given time. The marker is
// replaced by rename, so readers never observe a half-written timestamp.
func (t *Tracker) Record(tenantID string, at time.Time) error {
	path, err := t.resolver.PathFor(tenantID, KindMarker)
	if err != nil {
		return err
	}
	pattern, err := t.resolver.TempPattern(tenantID, KindMarker)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(t.resolver.Root(), pattern)
	if err != nil {
		return fmt.Errorf("create liveness marker: %w", err)
	}
	tmpPath := tmp.Name()

	_, werr := tmp.WriteString(at.UTC().Format(time.RFC3339Nano))
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write liveness marker: %w", errors.Join(werr, cerr))
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace liveness marker: %w", err)
	}
	return nil
}

// Known reports whether a marker exists for the tenant.
func (t *Tracker) Known(tenantID string) (bool, error) {
	path, err := t.resolver.PathFor(tenantID, KindMarker)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat liveness marker: %w", err)
	}
	return true, nil
}

// LastAccess returns the stored timestamp. The boolean is false when the tenant has no marker.
// A marker whose content cannot be parsed falls back to the file's modification time.
func (t *Tracker) LastAccess(tenantID string) (time.Time, bool, error) {
	path, err := t.resolver.PathFor(tenantID, KindMarker)
	if err != nil {
		return time.Time{}, false, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("read liveness marker: %w", err)
	}

	at, perr := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data)))
	if perr == nil {
		return at, true, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("stat liveness marker: %w", err)
	}
	log.Warningf("liveness marker for tenant %s is unreadable (%v), using mtime %s", tenantID, perr, info.ModTime().UTC().Format(time.RFC3339))
	return info.ModTime(), true, nil
}

// Forget removes the tenant's marker. A missing marker is not an error.
func (t *Tracker) Forget(tenantID string) error {
	path, err := t.resolver.PathFor(tenantID, KindMarker)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove liveness marker: %w", err)
	}
	return nil
}
