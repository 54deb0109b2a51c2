// Package sqlbackend implements the backend contract over database/sql.
// Each Handle wraps a *sql.DB limited to one physical connection so that a
// pooled handle maps 1:1 to a backend session.
package sqlbackend

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"

	"github.com/joao-brasil/registry-resilience/internal/backend"
	"github.com/joao-brasil/registry-resilience/internal/dberr"
	"github.com/joao-brasil/registry-resilience/pkg/credential"
)

// Factory opens database/sql backed handles from per-class profiles.
type Factory struct {
	profiles map[credential.Class]credential.Profile
}

// NewFactory creates a factory. Classes without a profile fail to open with a
// configuration error.
func NewFactory(profiles map[credential.Class]credential.Profile) *Factory {
	cp := make(map[credential.Class]credential.Profile, len(profiles))
	for k, v := range profiles {
		cp[k] = v
	}
	return &Factory{profiles: cp}
}

// Open opens and verifies a new connection for class.
func (f *Factory) Open(ctx context.Context, class credential.Class) (backend.Handle, error) {
	p, ok := f.profiles[class]
	if !ok || !p.Configured() {
		return nil, dberr.New(dberr.KindConfiguration, "backend.open", class.String(),
			errors.New("no backend profile configured"))
	}
	if class.RequiresSecret() && p.Password == "" {
		return nil, dberr.New(dberr.KindConfiguration, "backend.open", class.String(),
			errors.New("elevated secret not configured"))
	}

	dsn, err := p.DSN()
	if err != nil {
		return nil, dberr.New(dberr.KindConfiguration, "backend.open", class.String(), err)
	}

	db, err := sql.Open(p.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	// The pool manages lifetime and concurrency; database/sql must not.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, dberr.New(dberr.KindConnectionTimeout, "backend.open", class.String(), err)
		}
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &Handle{db: db, dialect: p.Driver}, nil
}

// Handle is a single-connection database/sql handle.
type Handle struct {
	db      *sql.DB
	dialect string
}

// Query renders sel against resource and returns all rows.
func (h *Handle) Query(ctx context.Context, resource string, sel backend.Selector) (backend.Rows, error) {
	query, args, err := BuildSelect(h.dialect, resource, sel)
	if err != nil {
		return nil, err
	}

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// Probe pings the backend.
func (h *Handle) Probe(ctx context.Context) error {
	if err := h.db.PingContext(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// Close closes the underlying *sql.DB.
func (h *Handle) Close() error {
	return h.db.Close()
}

// classify marks connection-level failures so the pool discards the handle.
func classify(err error) error {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %w", backend.ErrHandleBroken, err)
	}
	return err
}

func scanRows(rows *sql.Rows) (backend.Rows, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	out := make(backend.Rows, 0)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		row := make(backend.Row, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
