package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// OpenMode controls whether Open may create a missing database file.
type OpenMode int

const (
	// ModeReadWrite fails when the file does not exist.
	ModeReadWrite OpenMode = iota
	ModeCreate
)

// Options are applied to every connection through the DSN.
type Options struct {
	BusyTimeout time.Duration
	ForeignKeys bool
	JournalMode string
}

// sidecar files SQLite may leave next to a database
var sidecarSuffixes = []string{"-journal", "-wal", "-shm"}

// DSN builds a go-sqlite3 connection string for the given file.
func DSN(path string, mode OpenMode, opts Options) string {
	params := url.Values{}
	switch mode {
	case ModeCreate:
		params.Set("mode", "rwc")
	default:
		params.Set("mode", "rw")
	}
	if opts.BusyTimeout > 0 {
		params.Set("_busy_timeout", strconv.FormatInt(opts.BusyTimeout.Milliseconds(), 10))
	}
	if opts.ForeignKeys {
		params.Set("_foreign_keys", "1")
	}
	if jm := strings.TrimSpace(opts.JournalMode); jm != "" {
		params.Set("_journal_mode", strings.ToUpper(jm))
	}
	return "file:" + filepath.ToSlash(path) + "?" + params.Encode()
}

// Open returns a handle limited to a single connection. The connection is
// established eagerly so a missing or unreadable file is reported here
// rather than on the first statement. Callers own the handle and must Close it.
func Open(ctx context.Context, path string, mode OpenMode, opts Options) (*sql.DB, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := sql.Open("sqlite3", DSN(path, mode, opts))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect sqlite database %s: %w", filepath.Base(path), err)
	}
	return db, nil
}

// RemoveDatabase deletes a database file together with its journal sidecars.
// Files that are already gone are ignored.
func RemoveDatabase(path string) error {
	var errs []error
	for _, p := range append([]string{path}, sidecars(path)...) {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("remove database %s: %w", filepath.Base(path), errors.Join(errs...))
	}
	return nil
}

// RemoveSidecars deletes journal sidecars only. A leftover hot journal would
// otherwise be replayed into a freshly renamed database.
func RemoveSidecars(path string) error {
	var errs []error
	for _, p := range sidecars(path) {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Exists reports whether a regular file is present at path.
func Exists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func sidecars(path string) []string {
	out := make([]string, 0, len(sidecarSuffixes))
	for _, suffix := range sidecarSuffixes {
		out = append(out, path+suffix)
	}
	return out
}
