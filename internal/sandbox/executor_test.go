package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mylxsw/sql-sandbox/internal/storage"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		statement string
		want      Kind
	}{
		{"SELECT * FROM Students", KindRead},
		{"  select 1", KindRead},
		{"\n\tSeLeCt name FROM Courses", KindRead},
		{"PRAGMA table_info(Students)", KindRead},
		{"-- list students\nSELECT * FROM Students", KindRead},
		{"/* block */ SELECT 1", KindRead},
		{"/* a */ -- b\n /* c */ pragma user_version", KindRead},
		{"INSERT INTO Courses (code) VALUES ('X')", KindWrite},
		{"UPDATE Students SET last_name = 'x'", KindWrite},
		{"DELETE FROM Students", KindWrite},
		{"CREATE TABLE t (id INTEGER)", KindWrite},
		{"WITH x AS (SELECT 1) SELECT * FROM x", KindWrite},
		{"EXPLAIN SELECT 1", KindWrite},
		{"SELECTED", KindWrite},
		{"", KindWrite},
		{"-- only a comment", KindWrite},
		{"; SELECT 1", KindRead},
		{";;\n pragma foreign_keys", KindRead},
		{";", KindWrite},
	}

	for _, c := range cases {
		if got := Classify(c.statement); got != c.want {
			t.Fatalf("Classify(%q) = %s, want %s", c.statement, got, c.want)
		}
	}
}

func TestExecuteSelectLiteral(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.manager.EnsureExists(ctx, "t1"))

	res, err := env.executor.Execute(ctx, "t1", "SELECT 1")
	require.NoError(t, err)
	require.Equal(t, KindRead, res.Kind)
	require.Len(t, res.Rows, 1)

	v, ok := res.Rows[0].Get("1")
	require.True(t, ok)
	assert.Equal(t, int64(1), v)

	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"1":1}]`, string(data))
}

func TestExecuteReadKeepsColumnOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.manager.EnsureExists(ctx, "t1"))

	res, err := env.executor.Execute(ctx, "t1", "SELECT last_name, id, first_name FROM Students WHERE id = 1")
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, []string{"last_name", "id", "first_name"}, res.Rows[0].Columns())

	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Equal(t, `[{"last_name":"Johnson","id":1,"first_name":"Alice"}]`, string(data))
}

func TestExecuteReadWithoutRows(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.manager.EnsureExists(ctx, "t1"))

	res, err := env.executor.Execute(ctx, "t1", "SELECT * FROM Students WHERE id < 0")
	require.NoError(t, err)
	assert.Empty(t, res.Rows)

	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(data))
}

func TestExecuteDuplicateColumnNames(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.manager.EnsureExists(ctx, "t1"))

	res, err := env.executor.Execute(ctx, "t1", "SELECT 1 AS a, 2 AS b, 3 AS a")
	require.NoError(t, err)

	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Equal(t, `[{"a":3,"b":2}]`, string(data))
}

func TestExecuteWrite(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.manager.EnsureExists(ctx, "t1"))

	res, err := env.executor.Execute(ctx, "t1",
		"INSERT INTO Students (first_name, last_name, email, enrollment_year) VALUES ('Ivy', 'Nguyen', 'ivy@example.edu', 2024)")
	require.NoError(t, err)
	require.Equal(t, KindWrite, res.Kind)
	assert.Equal(t, int64(1), res.Summary.Changes)
	assert.Equal(t, int64(9), res.Summary.LastInsertRowID)
	assert.Equal(t, int64(9), env.count(t, "t1", "Students"))

	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"changes":1,"lastInsertRowid":9}`, string(data))

	res, err = env.executor.Execute(ctx, "t1", "UPDATE Enrollments SET grade = 'P' WHERE grade IS NULL")
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Summary.Changes)

	res, err = env.executor.Execute(ctx, "t1", "DELETE FROM Students WHERE id = 999")
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Summary.Changes)
}

func TestExecuteEnforcesForeignKeys(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.manager.EnsureExists(ctx, "t1"))

	_, err := env.executor.Execute(ctx, "t1", "DELETE FROM Students WHERE id = 1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), env.count(t, "t1", "Enrollments"))

	_, err = env.executor.Execute(ctx, "t1",
		"INSERT INTO Enrollments (student_id, course_id, semester) VALUES (404, 1, '2025-FALL')")
	var qerr *QueryError
	require.ErrorAs(t, err, &qerr)
	assert.Contains(t, qerr.Error(), "FOREIGN KEY")
}

func TestExecuteMalformedStatement(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.manager.EnsureExists(ctx, "t1"))

	before, err := env.introspector.Snapshot(ctx, "t1")
	require.NoError(t, err)

	_, err = env.executor.Execute(ctx, "t1", "SELEC * FROM Students")
	var qerr *QueryError
	require.ErrorAs(t, err, &qerr)
	assert.Contains(t, qerr.Error(), "syntax error")

	_, err = env.executor.Execute(ctx, "t1", "SELECT * FROM NoSuchTable")
	require.ErrorAs(t, err, &qerr)
	assert.Contains(t, qerr.Error(), "no such table")

	after, err := env.introspector.Snapshot(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestExecuteEmptyStatement(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.manager.EnsureExists(ctx, "t1"))

	for _, statement := range []string{
		"",
		"   ",
		"-- nothing here",
		"/* nor here */",
		";",
		" ; ",
		";;\n;",
		"/* x */ ;",
		"-- c\n;",
	} {
		_, err := env.executor.Execute(ctx, "t1", statement)
		var qerr *QueryError
		require.ErrorAs(t, err, &qerr, "statement %q", statement)
		assert.True(t, errors.Is(err, ErrEmptyStatement))
	}
}

func TestExecuteRejectsMultipleStatements(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.manager.EnsureExists(ctx, "t1"))

	for _, statement := range []string{
		"DELETE FROM Courses WHERE id = 5; DROP TABLE Students",
		"SELECT 1; garbage garbage",
		"SELECT 1;;SELECT 2",
		"/* lead */ DELETE FROM Courses; -- tail\nDELETE FROM Students",
	} {
		_, err := env.executor.Execute(ctx, "t1", statement)
		var qerr *QueryError
		require.ErrorAs(t, err, &qerr, "statement %q", statement)
		assert.True(t, errors.Is(err, ErrMultipleStatements))
	}

	// nothing of the rejected text ran
	assert.Equal(t, int64(5), env.count(t, "t1", "Courses"))
	assert.Equal(t, int64(8), env.count(t, "t1", "Students"))
}

func TestExecuteAllowsTrailingTrivia(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.manager.EnsureExists(ctx, "t1"))

	for _, statement := range []string{
		"SELECT 1;",
		"SELECT 1 ;  ",
		"SELECT 1; -- done",
		"SELECT 1; /* done */ ;",
		" ; SELECT 1",
		"-- lead\n; SELECT 1;",
	} {
		res, err := env.executor.Execute(ctx, "t1", statement)
		require.NoError(t, err, "statement %q", statement)
		require.Len(t, res.Rows, 1)
	}
}

func TestExecuteSemicolonsInsideStatement(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.manager.EnsureExists(ctx, "t1"))

	res, err := env.executor.Execute(ctx, "t1", `SELECT 'a;b' AS s, "first_name" AS [x;y] FROM Students WHERE id = 1 -- ; not here`)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	v, _ := res.Rows[0].Get("s")
	assert.Equal(t, "a;b", v)

	_, err = env.executor.Execute(ctx, "t1", `CREATE TRIGGER audit_course AFTER DELETE ON Courses
BEGIN
    DELETE FROM Enrollments WHERE course_id = old.id;
    UPDATE Students SET enrollment_year = CASE WHEN enrollment_year > 0 THEN enrollment_year ELSE 0 END;
END;`)
	require.NoError(t, err)

	res, err = env.executor.Execute(ctx, "t1", "SELECT name FROM sqlite_master WHERE type = 'trigger'")
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	name, _ := res.Rows[0].Get("name")
	assert.Equal(t, "audit_course", name)
}

func TestSplitStatement(t *testing.T) {
	cases := []struct {
		in, body, rest string
	}{
		{"SELECT 1", "SELECT 1", ""},
		{"  SELECT 1 ;  ", "SELECT 1", "  "},
		{";;SELECT 1; SELECT 2", "SELECT 1", " SELECT 2"},
		{"SELECT ';' ; x", "SELECT ';'", " x"},
		{"SELECT 'it''s;' ;", "SELECT 'it''s;'", ""},
		{"SELECT 1 /* ; */ ; y", "SELECT 1 /* ; */", " y"},
		{";", "", ""},
		{"-- only\n;", "", ""},
		{"CREATE TEMP TRIGGER t AFTER INSERT ON a BEGIN SELECT 1; END; z", "CREATE TEMP TRIGGER t AFTER INSERT ON a BEGIN SELECT 1; END", " z"},
	}
	for _, c := range cases {
		body, rest := splitStatement(c.in)
		if body != c.body || rest != c.rest {
			t.Fatalf("splitStatement(%q) = (%q, %q), want (%q, %q)", c.in, body, rest, c.body, c.rest)
		}
	}
}

func TestExecuteUnprovisionedTenant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.executor.Execute(ctx, "nobody", "SELECT 1")
	var fault *StorageFault
	require.ErrorAs(t, err, &fault)

	_, err = env.executor.Execute(ctx, "bad/id", "SELECT 1")
	require.ErrorAs(t, err, &fault)
	assert.True(t, errors.Is(err, storage.ErrInvalidTenantID))
}

func TestExecuteNormalizesDates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.manager.EnsureExists(ctx, "t1"))

	_, err := env.executor.Execute(ctx, "t1",
		"CREATE TABLE events (id INTEGER PRIMARY KEY, day DATE, at DATETIME, flag BOOLEAN, payload BLOB)")
	require.NoError(t, err)

	cases := []struct {
		day, at string
		flag    int
		wantDay string
		wantAt  string
	}{
		{"2024-01-05", "2024-01-05 10:11:12", 1, "2024-01-05", "2024-01-05 10:11:12"},
		{"2024-01-15T10:11:12.5Z", "2024-01-15 00:00:00", 0, "2024-01-15 10:11:12.5", "2024-01-15 00:00:00"},
		{"2024-01-15", "2024-01-15 10:11:12+02:00", 1, "2024-01-15", "2024-01-15 10:11:12+02:00"},
	}
	for i, c := range cases {
		_, err := env.executor.Execute(ctx, "t1", fmt.Sprintf(
			"INSERT INTO events (id, day, at, flag, payload) VALUES (%d, '%s', '%s', %d, x'0102')", i+1, c.day, c.at, c.flag))
		require.NoError(t, err)
	}

	res, err := env.executor.Execute(ctx, "t1", "SELECT day, at, flag, payload FROM events ORDER BY id")
	require.NoError(t, err)
	require.Len(t, res.Rows, len(cases))

	for i, c := range cases {
		row := res.Rows[i]
		day, _ := row.Get("day")
		at, _ := row.Get("at")
		flag, _ := row.Get("flag")
		payload, _ := row.Get("payload")
		assert.Equal(t, c.wantDay, day, "row %d", i)
		assert.Equal(t, c.wantAt, at, "row %d", i)
		assert.Equal(t, int64(c.flag), flag, "row %d", i)
		assert.Equal(t, []byte{1, 2}, payload, "row %d", i)
	}

	// expressions carry no declared type and are returned as stored
	res, err = env.executor.Execute(ctx, "t1", "SELECT '2024-01-15 00:00:00' AS raw")
	require.NoError(t, err)
	raw, _ := res.Rows[0].Get("raw")
	assert.Equal(t, "2024-01-15 00:00:00", raw)
}

func TestSequentialWriteThenRead(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.manager.EnsureExists(ctx, "t1"))

	_, err := env.executor.Execute(ctx, "t1", "UPDATE Students SET last_name = 'Renamed' WHERE id = 2")
	require.NoError(t, err)

	res, err := env.executor.Execute(ctx, "t1", "SELECT last_name FROM Students WHERE id = 2")
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	v, _ := res.Rows[0].Get("last_name")
	assert.Equal(t, "Renamed", v)
}
