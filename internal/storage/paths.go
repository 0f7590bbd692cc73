package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// Kind selects one of the per-tenant namespaces under the storage root.
type Kind int

const (
	KindDatabase Kind = iota
	KindMarker
	// KindTemp covers in-flight bootstrap and marker files that have not been renamed into place yet.
	KindTemp
)

const (
	DatabaseSuffix = ".db"
	MarkerSuffix   = ".last_accessed"

	bootstrapTempInfix = ".db.bootstrap-"
	markerTempInfix    = ".last_accessed.tmp-"

	maxTenantIDLength = 128
)

var ErrInvalidTenantID = errors.New("invalid tenant id")

// Entry is one recognised file in the storage root.
type Entry struct {
	TenantID string
	Kind     Kind
	Path     string
	Size     int64
	ModTime  time.Time
}

// Resolver maps tenant ids to files under a single root directory.
type Resolver struct {
	root string
}

// NewResolver creates the root directory if it does not exist yet.
func NewResolver(root string) (*Resolver, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Resolver{root: abs}, nil
}

func (r *Resolver) Root() string {
	return r.root
}

// ValidateTenantID accepts ids made of ASCII letters, digits, '-' and '_'.
// Anything else could name a file outside of the tenant's own namespace.
func ValidateTenantID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTenantID)
	}
	if len(id) > maxTenantIDLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidTenantID, maxTenantIDLength)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("%w: unexpected character %q", ErrInvalidTenantID, r)
		}
	}
	return nil
}

// PathFor returns the file of the given kind for a tenant.
func (r *Resolver) PathFor(tenantID string, kind Kind) (string, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return "", err
	}

	var name string
	switch kind {
	case KindDatabase:
		name = tenantID + DatabaseSuffix
	case KindMarker:
		name = tenantID + MarkerSuffix
	default:
		return "", fmt.Errorf("unsupported path kind %d", kind)
	}

	path, err := securejoin.SecureJoin(r.root, name)
	if err != nil {
		return "", fmt.Errorf("join storage path: %w", err)
	}
	if filepath.Dir(path) != r.root {
		return "", fmt.Errorf("%w: resolves outside of storage root", ErrInvalidTenantID)
	}
	return path, nil
}

// TempPattern is an os.CreateTemp pattern for a file that will later be renamed to PathFor(tenantID, kind).
func (r *Resolver) TempPattern(tenantID string, kind Kind) (string, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return "", err
	}
	switch kind {
	case KindDatabase:
		return tenantID + bootstrapTempInfix + "*", nil
	case KindMarker:
		return tenantID + markerTempInfix + "*", nil
	default:
		return "", fmt.Errorf("unsupported temp kind %d", kind)
	}
}

// Entries lists the tenant files in the root, sorted by tenant id then kind.
// Files that do not belong to any namespace are skipped.
func (r *Resolver) Entries() ([]Entry, error) {
	dirEntries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, fmt.Errorf("read storage root: %w", err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		tenantID, kind, ok := classify(de.Name())
		if !ok {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		entries = append(entries, Entry{
			TenantID: tenantID,
			Kind:     kind,
			Path:     filepath.Join(r.root, de.Name()),
			Size:     info.Size(),
			ModTime:  info.ModTime(),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].TenantID != entries[j].TenantID {
			return entries[i].TenantID < entries[j].TenantID
		}
		return entries[i].Kind < entries[j].Kind
	})
	return entries, nil
}

func classify(name string) (string, Kind, bool) {
	dot := strings.IndexByte(name, '.')
	if dot <= 0 {
		return "", 0, false
	}
	tenantID, rest := name[:dot], name[dot:]
	if ValidateTenantID(tenantID) != nil {
		return "", 0, false
	}

	switch {
	case rest == DatabaseSuffix:
		return tenantID, KindDatabase, true
	case rest == MarkerSuffix:
		return tenantID, KindMarker, true
	case strings.HasPrefix(rest, bootstrapTempInfix), strings.HasPrefix(rest, markerTempInfix):
		return tenantID, KindTemp, true
	default:
		return "", 0, false
	}
}
