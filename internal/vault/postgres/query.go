package postgres

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/celerix-dev/archivist/pkg/engine"
	"github.com/celerix-dev/archivist/pkg/schema"
)

const live = `(expires IS NULL OR expires > now())`

func qualified(schemaName, table string) string {
	return pq.QuoteIdentifier(schemaName) + "." + pq.QuoteIdentifier(table)
}

// where renders "a = $n AND b = $n+1" starting at placeholder start.
func where(columns []Column, start int) (string, []any) {
	clauses := make([]string, len(columns))
	args := make([]any, len(columns))
	for i, c := range columns {
		clauses[i] = fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(c.Name), start+i)
		args[i] = c.Value
	}
	return strings.Join(clauses, " AND "), args
}

func columnList(columns []Column) string {
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = pq.QuoteIdentifier(c.Name)
	}
	return strings.Join(names, ", ")
}

func createTableQuery(schemaName string, key Key) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", qualified(schemaName, key.Table))
	for _, c := range key.Columns {
		fmt.Fprintf(&b, "\t%s text NOT NULL,\n", pq.QuoteIdentifier(c.Name))
	}
	b.WriteString("\tmedia_type text NOT NULL,\n\tdata bytea NOT NULL,\n\texpires timestamptz,\n")
	fmt.Fprintf(&b, "\tPRIMARY KEY (%s)\n)", columnList(key.Columns))
	return b.String()
}

func selectQuery(schemaName string, key Key, forUpdate bool) (string, []any) {
	cond, args := where(key.Columns, 1)
	query := fmt.Sprintf(`SELECT media_type, data, expires FROM %s WHERE %s AND %s`,
		qualified(schemaName, key.Table), cond, live)
	if forUpdate {
		query += " FOR UPDATE"
	}
	return query, args
}

func insertQuery(schemaName string, key Key, rec engine.Record, expires sql.NullTime) (string, []any) {
	n := len(key.Columns)
	placeholders := make([]string, n+3)
	args := make([]any, 0, n+3)
	for i, c := range key.Columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args = append(args, c.Value)
	}
	for i := 0; i < 3; i++ {
		placeholders[n+i] = fmt.Sprintf("$%d", n+i+1)
	}
	args = append(args, string(rec.MediaType), rec.Data, expires)

	query := fmt.Sprintf(`INSERT INTO %s (%s, media_type, data, expires) VALUES (%s)`,
		qualified(schemaName, key.Table), columnList(key.Columns), strings.Join(placeholders, ", "))
	return query, args
}

func upsertQuery(schemaName string, key Key, rec engine.Record, expires sql.NullTime) (string, []any) {
	query, args := insertQuery(schemaName, key, rec, expires)
	query += fmt.Sprintf(` ON CONFLICT (%s) DO UPDATE SET media_type = EXCLUDED.media_type, data = EXCLUDED.data, expires = EXCLUDED.expires`,
		columnList(key.Columns))
	return query, args
}

func touchQuery(schemaName string, key Key, expires sql.NullTime) (string, []any) {
	cond, args := where(key.Columns, 2)
	query := fmt.Sprintf(`UPDATE %s SET expires = $1 WHERE %s AND %s`,
		qualified(schemaName, key.Table), cond, live)
	return query, append([]any{expires}, args...)
}

// deleteQuery removes the row; with expiredOnly it only removes it once expired.
func deleteQuery(schemaName string, key Key, expiredOnly bool) (string, []any) {
	cond, args := where(key.Columns, 1)
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s`, qualified(schemaName, key.Table), cond)
	if expiredOnly {
		query += ` AND expires IS NOT NULL AND expires <= now()`
	}
	return query, args
}

func listQuery(schemaName, table string, columns []string, partial schema.Index) (string, []any) {
	selected := make([]string, len(columns))
	for i, name := range columns {
		selected[i] = pq.QuoteIdentifier(name)
	}

	var filter []Column
	for _, f := range partial.Canonical() {
		filter = append(filter, Column{Name: f.Name, Value: f.Value})
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s`, strings.Join(selected, ", "), qualified(schemaName, table), live)
	if len(filter) == 0 {
		return query, nil
	}
	cond, args := where(filter, 1)
	return query + " AND " + cond, args
}
