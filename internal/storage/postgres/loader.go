package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"catalogetl/internal/storage"
)

func init() {
	storage.Register("postgres", New)
}

// txBeginner is the slice of *pgxpool.Pool the loader uses.
type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Loader implements storage.Loader for Postgres.
//
// Every LoadTable runs in one transaction: optional CREATE SCHEMA, DROP (on
// overwrite), CREATE TABLE, then COPY. Sequence columns are native text[].
type Loader struct {
	pool txBeginner
}

// New opens a pgx pool for cfg.DSN and pings it.
func New(ctx context.Context, cfg storage.Config) (storage.Loader, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Loader{pool: pool}, nil
}

// Close closes the pool.
func (l *Loader) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

// LoadTable implements storage.Loader.
func (l *Loader) LoadTable(ctx context.Context, spec storage.TableSpec, rows [][]any, mode storage.Mode) (n int64, err error) {
	if err := spec.Validate(); err != nil {
		return 0, fmt.Errorf("postgres: %w", err)
	}
	stmts, err := buildDDL(spec, mode)
	if err != nil {
		return 0, err
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, s := range stmts {
		if _, err := tx.Exec(ctx, s); err != nil {
			return 0, fmt.Errorf("postgres: %s: %w", firstWords(s), err)
		}
	}

	if len(rows) > 0 {
		schema, table := splitQualifiedName(spec.Name)
		ident := pgx.Identifier{table}
		if schema != "" {
			ident = pgx.Identifier{schema, table}
		}
		n, err = tx.CopyFrom(ctx, ident, spec.ColumnNames(), pgx.CopyFromRows(rows))
		if err != nil {
			return 0, fmt.Errorf("postgres: copy into %s: %w", spec.Name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: commit: %w", err)
	}
	return n, nil
}

// buildDDL returns the statements that prepare spec.Name for a load.
//
// It is pure so the exact SQL can be tested without a database.
func buildDDL(spec storage.TableSpec, mode storage.Mode) ([]string, error) {
	schema, table := splitQualifiedName(spec.Name)
	if table == "" {
		return nil, fmt.Errorf("postgres: table name is empty")
	}
	qualified := pgIdent(table)
	if schema != "" {
		qualified = pgIdent(schema) + "." + qualified
	}

	cols := make([]string, len(spec.Columns))
	for i, c := range spec.Columns {
		typ, err := pgType(c.Type)
		if err != nil {
			return nil, err
		}
		cols[i] = pgIdent(c.Name) + " " + typ
	}

	var out []string
	if schema != "" {
		out = append(out, "CREATE SCHEMA IF NOT EXISTS "+pgIdent(schema))
	}
	switch mode {
	case storage.Overwrite, "":
		out = append(out,
			"DROP TABLE IF EXISTS "+qualified,
			"CREATE TABLE "+qualified+" ("+strings.Join(cols, ", ")+")",
		)
	case storage.Append:
		out = append(out, "CREATE TABLE IF NOT EXISTS "+qualified+" ("+strings.Join(cols, ", ")+")")
	default:
		return nil, fmt.Errorf("postgres: unsupported mode %q", mode)
	}
	return out, nil
}

func pgType(t storage.ColumnType) (string, error) {
	switch t {
	case storage.Text:
		return "text", nil
	case storage.TextArray:
		return "text[]", nil
	default:
		return "", fmt.Errorf("postgres: unsupported column type %q", t)
	}
}

// pgIdent double-quotes an identifier, escaping embedded quotes.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// splitQualifiedName splits "schema.table". Anything other than exactly one
// dot is treated as an unqualified name.
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

func firstWords(stmt string) string {
	f := strings.Fields(stmt)
	if len(f) > 2 {
		f = f[:2]
	}
	return strings.ToLower(strings.Join(f, " "))
}
