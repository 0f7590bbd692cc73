package sandbox

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRowMarshalKeepsOrder(t *testing.T) {
	row := NewRow([]string{"z", "a", "m"}, []any{int64(1), "two", nil})
	data, err := json.Marshal(row)
	if err != nil {
		t.Fatalf("marshal row: %v", err)
	}
	if got, want := string(data), `{"z":1,"a":"two","m":null}`; got != want {
		t.Fatalf("unexpected row json %s, want %s", got, want)
	}
}

func TestRowDuplicateColumns(t *testing.T) {
	row := NewRow([]string{"id", "name", "id"}, []any{int64(1), "x", int64(2)})
	if cols := row.Columns(); len(cols) != 2 || cols[0] != "id" || cols[1] != "name" {
		t.Fatalf("unexpected columns %v", cols)
	}
	if v, _ := row.Get("id"); v != int64(2) {
		t.Fatalf("expected last value to win, got %v", v)
	}
}

func TestNormalizeValue(t *testing.T) {
	day := time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)
	at := time.Date(2024, 2, 29, 13, 4, 5, 0, time.UTC)
	frac := time.Date(2024, 1, 15, 10, 11, 12, 500000000, time.UTC)
	zoned := time.Date(2024, 1, 15, 10, 11, 12, 0, time.FixedZone("", 2*3600))

	cases := []struct {
		in       any
		declType string
		want     any
	}{
		{day, "DATE", "2024-02-29"},
		{day, "DATETIME", "2024-02-29 00:00:00"},
		{day, "TIMESTAMP", "2024-02-29 00:00:00"},
		{at, "DATETIME", "2024-02-29 13:04:05"},
		{at, "DATE", "2024-02-29 13:04:05"},
		{frac, "DATE", "2024-01-15 10:11:12.5"},
		{zoned, "DATETIME", "2024-01-15 10:11:12+02:00"},
		{true, "BOOLEAN", int64(1)},
		{false, "BOOLEAN", int64(0)},
		{3.5, "REAL", 3.5},
		{"text", "", "text"},
	}
	for _, c := range cases {
		if got := normalizeValue(c.in, c.declType); got != c.want {
			t.Fatalf("normalizeValue(%v, %s) = %v, want %v", c.in, c.declType, got, c.want)
		}
	}

	src := []byte("abc")
	out := normalizeValue(src, "BLOB").([]byte)
	src[0] = 'x'
	if string(out) != "abc" {
		t.Fatalf("expected blob to be copied, got %s", out)
	}
}
