//go:build integration

package records

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/registry-resilience/internal/backend/sqlbackend"
	"github.com/joao-brasil/registry-resilience/internal/cache"
	"github.com/joao-brasil/registry-resilience/internal/executor"
	"github.com/joao-brasil/registry-resilience/internal/pool"
	"github.com/joao-brasil/registry-resilience/internal/testutil/containers"
	"github.com/joao-brasil/registry-resilience/pkg/credential"
)

const registrySchema = `
CREATE TABLE households (
	id               BIGINT PRIMARY KEY,
	household_number TEXT NOT NULL,
	address          TEXT NOT NULL,
	zone             TEXT NOT NULL,
	head_name        TEXT NOT NULL
);
CREATE TABLE residents (
	id           BIGINT PRIMARY KEY,
	household_id BIGINT REFERENCES households(id),
	first_name   TEXT NOT NULL,
	last_name    TEXT NOT NULL,
	birth_date   DATE,
	sex          TEXT NOT NULL,
	civil_status TEXT NOT NULL,
	status       TEXT NOT NULL
);
INSERT INTO households VALUES
	(1, 'HH-001', '12 Rizal St', 'Purok 1', 'Ana Cruz'),
	(2, 'HH-002', '4 Mabini St', 'Purok 2', 'Ben Reyes');
INSERT INTO residents VALUES
	(10, 1, 'Ana', 'Cruz', '1980-05-01', 'F', 'married', 'active'),
	(11, 1, 'Luis', 'Cruz', '2010-09-14', 'M', 'single', 'active'),
	(12, 2, 'Ben', 'Reyes', '1955-01-30', 'M', 'widowed', 'deceased');
`

func TestStore_Postgres(t *testing.T) {
	ctx := context.Background()
	pg := containers.NewPostgresContainer(t)

	db, err := sql.Open("pgx", pg.DSN)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, registrySchema)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	factory := sqlbackend.NewFactory(map[credential.Class]credential.Profile{
		credential.Restricted: {
			Driver:   "pgx",
			Host:     pg.Host,
			Port:     pg.Port,
			Database: "registry",
			Username: "registry",
			Password: "registry",
			Params:   map[string]string{"sslmode": "disable"},
		},
	})
	p, err := pool.New(pool.Config{MaxConnections: 2, ConnectionTimeout: 10 * time.Second}, factory)
	require.NoError(t, err)
	defer p.Close()

	exec, err := executor.New(executor.Config{BaseDelay: 10 * time.Millisecond},
		executor.Deps{Pool: p, Cache: cache.New(cache.Config{})})
	require.NoError(t, err)
	s := NewStore(exec)

	members, err := s.HouseholdMembers(ctx, 1)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "Ana", members[0].FirstName, "ordered by birth date")
	assert.Equal(t, time.Date(1980, 5, 1, 0, 0, 0, 0, time.UTC), members[0].BirthDate.UTC())

	r, err := s.GetResident(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, StatusDeceased, r.Status)

	households, err := s.ListHouseholds(ctx, Page{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, households, 1)
	assert.Equal(t, "HH-002", households[0].Number)

	d, err := s.Dashboard(ctx, executor.BatchOptions{Concurrency: 2})
	require.NoError(t, err)
	assert.Empty(t, d.Failed)
	assert.Equal(t, int64(2), d.Households)
	assert.Equal(t, int64(3), d.Residents)
	assert.Equal(t, int64(2), d.Active)
	assert.Equal(t, int64(1), d.Deceased)

	assert.LessOrEqual(t, p.Stats().Total, 2)
}
