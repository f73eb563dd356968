package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"catalogetl/internal/storage"
)

// maxParams stays under SQLITE_MAX_VARIABLE_NUMBER (32766 since 3.32).
const maxParams = 32000

// defaultBatchRows bounds the size of a single INSERT statement.
const defaultBatchRows = 500

func init() {
	storage.Register("sqlite", New)
}

// Loader implements storage.Loader for SQLite.
//
// SQLite has no array type, so sequence columns are stored as JSON text
// (e.g. ["rock","pop"]) and can be queried with the json1 functions.
type Loader struct {
	db        *sql.DB
	batchRows int
}

// New opens cfg.DSN with the modernc.org/sqlite driver.
func New(ctx context.Context, cfg storage.Config) (storage.Loader, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	batch := cfg.BatchRows
	if batch <= 0 {
		batch = defaultBatchRows
	}
	return &Loader{db: db, batchRows: batch}, nil
}

func (l *Loader) Close() { _ = l.db.Close() }

// LoadTable implements storage.Loader.
func (l *Loader) LoadTable(ctx context.Context, spec storage.TableSpec, rows [][]any, mode storage.Mode) (n int64, err error) {
	if err := spec.Validate(); err != nil {
		return 0, fmt.Errorf("sqlite: %w", err)
	}
	stmts, err := buildDDL(spec, mode)
	if err != nil {
		return 0, err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return 0, fmt.Errorf("sqlite: ddl %s: %w", spec.Name, err)
		}
	}

	cols := spec.ColumnNames()
	for _, chunk := range storage.Chunk(rows, len(cols), l.batchRows, maxParams) {
		q, args, err := buildInsertSQL(spec.Name, cols, chunk)
		if err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, fmt.Errorf("sqlite: insert into %s: %w", spec.Name, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("sqlite: rows affected: %w", err)
		}
		n += affected
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit: %w", err)
	}
	return n, nil
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// buildDDL returns DROP/CREATE statements for mode. Every column is TEXT.
func buildDDL(spec storage.TableSpec, mode storage.Mode) ([]string, error) {
	defs := make([]string, len(spec.Columns))
	for i, c := range spec.Columns {
		defs[i] = sqlIdent(c.Name) + " TEXT"
	}
	body := " (" + strings.Join(defs, ", ") + ")"
	table := sqlIdent(spec.Name)

	switch mode {
	case storage.Overwrite, "":
		return []string{
			"DROP TABLE IF EXISTS " + table,
			"CREATE TABLE " + table + body,
		}, nil
	case storage.Append:
		return []string{"CREATE TABLE IF NOT EXISTS " + table + body}, nil
	default:
		return nil, fmt.Errorf("sqlite: unsupported mode %q", mode)
	}
}

// buildInsertSQL builds one multi-row INSERT with ? placeholders. Sequence
// values are encoded as JSON text.
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any, error) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
	}
	b.WriteString(") VALUES ")

	tuple := "(" + strings.TrimRight(strings.Repeat("?, ", len(columns)), ", ") + ")"
	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("sqlite: row %d has %d values, want %d", i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(tuple)
		for _, v := range row {
			tv, err := storage.JSONText(v)
			if err != nil {
				return "", nil, fmt.Errorf("sqlite: row %d: %w", i, err)
			}
			args = append(args, tv)
		}
	}
	return b.String(), args, nil
}
