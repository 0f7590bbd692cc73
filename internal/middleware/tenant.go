package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/mylxsw/asteria/log"

	"github.com/mylxsw/sql-sandbox/internal/storage"
)

// Provisioner prepares a tenant before its request is served.
type Provisioner interface {
	Visit(ctx context.Context, tenantID string) error
}

// ErrorWriter renders a failure that stops the request.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

type tenantKey struct{}

// TenantIdentifier resolves the tenant of each request from a header,
// issuing a new id when the header is absent.
type TenantIdentifier struct {
	header      string
	provisioner Provisioner
	writeError  ErrorWriter
	newID       func() string
}

func NewTenantIdentifier(header string, provisioner Provisioner, writeError ErrorWriter) *TenantIdentifier {
	return &TenantIdentifier{
		header:      header,
		provisioner: provisioner,
		writeError:  writeError,
		newID:       uuid.NewString,
	}
}

func (t *TenantIdentifier) Middleware(next http.Handler) http.Handler {
	return t.MiddlewareWithSkipper(nil)(next)
}

func (t *TenantIdentifier) MiddlewareWithSkipper(skipper func(*http.Request) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipper != nil && skipper(r) {
				next.ServeHTTP(w, r)
				return
			}

			tenantID := strings.TrimSpace(r.Header.Get(t.header))
			if tenantID == "" {
				tenantID = t.newID()
				log.Debugf("issued tenant %s to %s", MaskToken(tenantID), r.RemoteAddr)
			}
			if err := storage.ValidateTenantID(tenantID); err != nil {
				log.Warningf("rejected tenant id from %s: %v", r.RemoteAddr, err)
				t.writeError(w, r, err)
				return
			}

			w.Header().Set(t.header, tenantID)

			if err := t.provisioner.Visit(r.Context(), tenantID); err != nil {
				log.Errorf("prepare tenant %s: %v", MaskToken(tenantID), err)
				t.writeError(w, r, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithTenantID(r.Context(), tenantID)))
		})
	}
}

func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

func TenantID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(tenantKey{}).(string)
	return id, ok && id != ""
}

// MaskToken keeps the first and last four characters of a token for logs.
func MaskToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	const prefix = 4
	const suffix = 4
	if len(token) <= prefix+suffix {
		return strings.Repeat("*", len(token))
	}
	return token[:prefix] + strings.Repeat("*", len(token)-prefix-suffix) + token[len(token)-suffix:]
}
