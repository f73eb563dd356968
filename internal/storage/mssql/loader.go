package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"catalogetl/internal/storage"
)

// SQL Server accepts at most 2100 parameters per request and 1000 row
// constructors per VALUES clause.
const (
	maxParams = 2000
	maxRows   = 1000
)

func init() {
	storage.Register("mssql", New)
}

// Loader implements storage.Loader for Microsoft SQL Server.
//
// Every column is NVARCHAR(MAX) NULL; sequence columns hold JSON text, which
// SQL Server can read back with OPENJSON.
type Loader struct {
	db        dbConn
	batchRows int // 0 means maxRows
}

// New opens cfg.DSN with the "sqlserver" driver and pings it.
func New(ctx context.Context, cfg storage.Config) (storage.Loader, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mssql: %w", err)
	}
	raw.SetMaxOpenConns(8)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("mssql: ping: %w", err)
	}
	return &Loader{db: &sqlDB{db: raw}, batchRows: cfg.BatchRows}, nil
}

func (l *Loader) rowsPerInsert() int {
	if l.batchRows <= 0 || l.batchRows > maxRows {
		return maxRows
	}
	return l.batchRows
}

// Close releases database resources held by this loader.
func (l *Loader) Close() {
	if l == nil || l.db == nil {
		return
	}
	_ = l.db.Close()
}

// LoadTable implements storage.Loader.
func (l *Loader) LoadTable(ctx context.Context, spec storage.TableSpec, rows [][]any, mode storage.Mode) (n int64, err error) {
	if err := spec.Validate(); err != nil {
		return 0, fmt.Errorf("mssql: %w", err)
	}
	stmts, err := buildDDL(spec, mode)
	if err != nil {
		return 0, err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mssql: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return 0, fmt.Errorf("mssql: ddl %s: %w", spec.Name, err)
		}
	}

	cols := spec.ColumnNames()
	for _, chunk := range storage.Chunk(rows, len(cols), l.rowsPerInsert(), maxParams) {
		q, args, err := buildBulkInsertSQL(spec.Name, cols, chunk)
		if err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, fmt.Errorf("mssql: insert into %s: %w", spec.Name, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("mssql: rows affected: %w", err)
		}
		n += affected
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("mssql: commit: %w", err)
	}
	return n, nil
}

// buildDDL returns the statements that prepare spec.Name for mode.
func buildDDL(spec storage.TableSpec, mode storage.Mode) ([]string, error) {
	defs := make([]string, len(spec.Columns))
	for i, c := range spec.Columns {
		defs[i] = mssqlIdent(c.Name) + " NVARCHAR(MAX) NULL"
	}
	inner := strings.Join(defs, ", ")

	switch mode {
	case storage.Overwrite, "":
		return []string{
			fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NOT NULL DROP TABLE %s;", escapeLiteral(spec.Name), mssqlTableIdent(spec.Name)),
			fmt.Sprintf("CREATE TABLE %s (%s);", mssqlTableIdent(spec.Name), inner),
		}, nil
	case storage.Append:
		return []string{wrapCreateIfMissing(spec.Name, inner)}, nil
	default:
		return nil, fmt.Errorf("mssql: unsupported mode %q", mode)
	}
}

// wrapCreateIfMissing wraps a CREATE TABLE statement in an OBJECT_ID guard.
func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		escapeLiteral(tableName),
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

// buildBulkInsertSQL builds a single INSERT ... VALUES statement for all rows.
func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any, error) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("mssql: row %d has %d values, want %d", i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			v, err := storage.JSONText(row[j])
			if err != nil {
				return "", nil, fmt.Errorf("mssql: row %d: %w", i, err)
			}
			args = append(args, v)
			p++
		}
		b.WriteString(")")
	}

	return b.String(), args, nil
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.imports" -> [dbo].[imports]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

func escapeLiteral(s string) string { return strings.ReplaceAll(s, "'", "''") }

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
type dbConn interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

var _ dbConn = (*sqlDB)(nil)
