package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/mylxsw/asteria/log"

	"github.com/mylxsw/sql-sandbox/internal/metrics"
	"github.com/mylxsw/sql-sandbox/internal/storage"
)

// Executor runs one statement per call on a connection that lives only for that call.
type Executor struct {
	resolver *storage.Resolver
	sqlite   storage.Options
	metrics  *metrics.Metrics
}

func NewExecutor(resolver *storage.Resolver, opts storage.Options, m *metrics.Metrics) *Executor {
	return &Executor{resolver: resolver, sqlite: opts, metrics: m}
}

// Execute runs exactly one statement against the tenant's database. Text
// holding more than one statement is rejected before anything runs.
// Statement failures come back as *QueryError carrying the engine's message.
func (e *Executor) Execute(ctx context.Context, tenantID, statement string) (result *Result, err error) {
	if ctx == nil {
		ctx = context.Background()
	}

	body, rest := splitStatement(statement)
	kind := Classify(body)
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		e.metrics.ObserveQuery(string(kind), outcome, time.Since(start))
	}()

	if body == "" {
		return nil, &QueryError{TenantID: tenantID, Err: ErrEmptyStatement}
	}
	if skipLeadingTrivia(rest) != "" {
		return nil, &QueryError{TenantID: tenantID, Err: ErrMultipleStatements}
	}

	path, err := e.resolver.PathFor(tenantID, storage.KindDatabase)
	if err != nil {
		return nil, &StorageFault{TenantID: tenantID, Op: "resolve database path", Err: err}
	}

	db, err := storage.Open(ctx, path, storage.ModeReadWrite, e.sqlite)
	if err != nil {
		return nil, &StorageFault{TenantID: tenantID, Op: "open database", Err: err}
	}
	defer db.Close()

	stmt, err := db.PrepareContext(ctx, body)
	if err != nil {
		return nil, &QueryError{TenantID: tenantID, Err: err}
	}
	defer stmt.Close()

	if kind == KindRead {
		rows, err := stmt.QueryContext(ctx)
		if err != nil {
			return nil, &QueryError{TenantID: tenantID, Err: err}
		}
		defer rows.Close()

		columns, err := rows.Columns()
		if err != nil {
			return nil, &QueryError{TenantID: tenantID, Err: err}
		}
		columnTypes, err := rows.ColumnTypes()
		if err != nil {
			return nil, &QueryError{TenantID: tenantID, Err: err}
		}
		declTypes := make([]string, len(columnTypes))
		for i, ct := range columnTypes {
			declTypes[i] = ct.DatabaseTypeName()
		}

		out := make([]Row, 0)
		for rows.Next() {
			values := make([]any, len(columns))
			ptrs := make([]any, len(columns))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return nil, &QueryError{TenantID: tenantID, Err: err}
			}
			for i := range values {
				values[i] = normalizeValue(values[i], declTypes[i])
			}
			out = append(out, NewRow(columns, values))
		}
		if err := rows.Err(); err != nil {
			return nil, &QueryError{TenantID: tenantID, Err: err}
		}

		log.Debugf("tenant %s read %d rows", tenantID, len(out))
		return &Result{Kind: KindRead, Rows: out}, nil
	}

	res, err := stmt.ExecContext(ctx)
	if err != nil {
		return nil, &QueryError{TenantID: tenantID, Err: err}
	}
	changes, err := res.RowsAffected()
	if err != nil {
		return nil, &QueryError{TenantID: tenantID, Err: fmt.Errorf("rows affected: %w", err)}
	}
	lastID, err := res.LastInsertId()
	if err != nil {
		return nil, &QueryError{TenantID: tenantID, Err: fmt.Errorf("last insert id: %w", err)}
	}

	log.Debugf("tenant %s write changed %d rows", tenantID, changes)
	return &Result{Kind: KindWrite, Summary: ChangeSummary{Changes: changes, LastInsertRowID: lastID}}, nil
}
