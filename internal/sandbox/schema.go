package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const DefaultSampleRows = 1000

const catalogQuery = `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`

type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type TableSnapshot struct {
	Name      string   `json:"-"`
	Columns   []Column `json:"columns"`
	Data      []Row    `json:"data"`
	TotalRows int64    `json:"totalRows"`
}

// Snapshot lists tables in catalog order.
type Snapshot struct {
	Tables []TableSnapshot
}

func (s *Snapshot) Table(name string) (TableSnapshot, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableSnapshot{}, false
}

// MarshalJSON renders the snapshot as an object keyed by table name, in catalog order.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, t := range s.Tables {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(t.Name)
		if err != nil {
			return nil, err
		}
		if t.Data == nil {
			t.Data = []Row{}
		}
		if t.Columns == nil {
			t.Columns = []Column{}
		}
		val, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Introspector builds schema snapshots out of ordinary executor calls.
type Introspector struct {
	executor   *Executor
	sampleRows int
}

func NewIntrospector(executor *Executor, sampleRows int) *Introspector {
	if sampleRows <= 0 {
		sampleRows = DefaultSampleRows
	}
	return &Introspector{executor: executor, sampleRows: sampleRows}
}

// Snapshot returns every user table with its columns, up to sampleRows rows
// and the real row count. Any failing table query fails the whole snapshot.
func (i *Introspector) Snapshot(ctx context.Context, tenantID string) (*Snapshot, error) {
	catalog, err := i.executor.Execute(ctx, tenantID, catalogQuery)
	if err != nil {
		return nil, err
	}

	snapshot := &Snapshot{Tables: make([]TableSnapshot, 0, len(catalog.Rows))}
	for _, row := range catalog.Rows {
		name := stringValue(row, "name")
		if name == "" {
			continue
		}
		table, err := i.table(ctx, tenantID, name)
		if err != nil {
			return nil, err
		}
		snapshot.Tables = append(snapshot.Tables, table)
	}
	return snapshot, nil
}

func (i *Introspector) table(ctx context.Context, tenantID, name string) (TableSnapshot, error) {
	quoted := quoteIdentifier(name)

	info, err := i.executor.Execute(ctx, tenantID, fmt.Sprintf("PRAGMA table_info(%s)", quoted))
	if err != nil {
		return TableSnapshot{}, err
	}
	columns := make([]Column, 0, len(info.Rows))
	for _, row := range info.Rows {
		columns = append(columns, Column{Name: stringValue(row, "name"), Type: stringValue(row, "type")})
	}

	data, err := i.executor.Execute(ctx, tenantID, fmt.Sprintf("SELECT * FROM %s LIMIT %d", quoted, i.sampleRows))
	if err != nil {
		return TableSnapshot{}, err
	}

	count, err := i.executor.Execute(ctx, tenantID, fmt.Sprintf("SELECT COUNT(*) AS count FROM %s", quoted))
	if err != nil {
		return TableSnapshot{}, err
	}
	var total int64
	if len(count.Rows) > 0 {
		if v, ok := count.Rows[0].Get("count"); ok {
			total, _ = v.(int64)
		}
	}

	return TableSnapshot{
		Name:      name,
		Columns:   columns,
		Data:      data.Rows,
		TotalRows: total,
	}, nil
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func stringValue(row Row, column string) string {
	v, ok := row.Get(column)
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}
