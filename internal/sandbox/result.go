package sandbox

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Kind is the executor's read/write classification of a statement.
type Kind string

const (
	KindRead  Kind = "read"
	KindWrite Kind = "write"
)

// Row is one result row. Columns keep the statement's projection order.
type Row struct {
	columns []string
	values  []any
}

// NewRow builds a row from parallel column and value slices. A repeated
// column name keeps its first position and takes the later value.
func NewRow(columns []string, values []any) Row {
	row := Row{
		columns: make([]string, 0, len(columns)),
		values:  make([]any, 0, len(columns)),
	}
	index := make(map[string]int, len(columns))
	for i, name := range columns {
		var v any
		if i < len(values) {
			v = values[i]
		}
		if pos, ok := index[name]; ok {
			row.values[pos] = v
			continue
		}
		index[name] = len(row.columns)
		row.columns = append(row.columns, name)
		row.values = append(row.values, v)
	}
	return row
}

func (r Row) Columns() []string {
	return r.columns
}

func (r Row) Get(column string) (any, bool) {
	for i, name := range r.columns {
		if name == column {
			return r.values[i], true
		}
	}
	return nil, false
}

func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range r.columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(r.values[i])
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

// ChangeSummary is what a write statement reports.
type ChangeSummary struct {
	Changes         int64 `json:"changes"`
	LastInsertRowID int64 `json:"lastInsertRowid"`
}

// Result holds either rows (read) or a change summary (write).
type Result struct {
	Kind    Kind
	Rows    []Row
	Summary ChangeSummary
}

// MarshalJSON renders a read result as an array of row objects and a write
// result as the change summary object.
func (r *Result) MarshalJSON() ([]byte, error) {
	if r.Kind == KindRead {
		rows := r.Rows
		if rows == nil {
			rows = []Row{}
		}
		return json.Marshal(rows)
	}
	return json.Marshal(r.Summary)
}

const (
	dateLayout     = "2006-01-02"
	datetimeLayout = "2006-01-02 15:04:05.999999999"
	offsetLayout   = "2006-01-02 15:04:05.999999999-07:00"
)

// normalizeValue maps driver values back onto what the column stores. The
// driver turns DATE, DATETIME and TIMESTAMP columns into times and BOOLEAN
// columns into bools; those go back to SQLite's text form and to 0/1.
// declType is the column's declared type, empty for expressions.
func normalizeValue(v any, declType string) any {
	switch val := v.(type) {
	case []byte:
		out := make([]byte, len(val))
		copy(out, val)
		return out
	case bool:
		if val {
			return int64(1)
		}
		return int64(0)
	case time.Time:
		return formatTime(val, declType)
	default:
		return val
	}
}

func formatTime(t time.Time, declType string) string {
	_, offset := t.Zone()
	midnight := t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0
	switch {
	case strings.EqualFold(declType, "date") && midnight && offset == 0:
		return t.Format(dateLayout)
	case offset != 0:
		return t.Format(offsetLayout)
	default:
		return t.Format(datetimeLayout)
	}
}
