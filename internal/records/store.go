package records

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/joao-brasil/registry-resilience/internal/backend"
	"github.com/joao-brasil/registry-resilience/internal/executor"
)

// ErrNotFound is returned by lookups of a single record that does not exist.
var ErrNotFound = errors.New("record not found")

// DefaultPageSize bounds list queries that set no limit.
const DefaultPageSize = 50

// Query names. They prefix the cache keys, so Invalidate works per name.
const (
	QueryListResidents    = "residents.list"
	QueryGetResident      = "residents.get"
	QueryHouseholdMembers = "residents.by_household"
	QueryListHouseholds   = "households.list"
	QueryCount            = "count"
)

// ResidentFilter narrows ListResidents. Zero fields are ignored.
type ResidentFilter struct {
	Status      string `json:"status,omitempty"`
	Sex         string `json:"sex,omitempty"`
	HouseholdID int64  `json:"household_id,omitempty"`
	Limit       uint64 `json:"limit,omitempty"`
	Offset      uint64 `json:"offset,omitempty"`
}

func (f ResidentFilter) selector() backend.Selector {
	where := map[string]any{}
	if f.Status != "" {
		where["status"] = f.Status
	}
	if f.Sex != "" {
		where["sex"] = f.Sex
	}
	if f.HouseholdID != 0 {
		where["household_id"] = f.HouseholdID
	}
	limit := f.Limit
	if limit == 0 {
		limit = DefaultPageSize
	}
	return backend.Selector{
		Columns: residentColumns,
		Where:   where,
		OrderBy: []string{"last_name", "first_name", "id"},
		Limit:   limit,
		Offset:  f.Offset,
	}
}

// Page is a limit/offset window.
type Page struct {
	Limit  uint64 `json:"limit,omitempty"`
	Offset uint64 `json:"offset,omitempty"`
}

// Store reads registry records. It is safe for concurrent use.
type Store struct {
	exec *executor.Executor
}

// NewStore creates a store on top of exec.
func NewStore(exec *executor.Executor) *Store {
	return &Store{exec: exec}
}

// ListResidents returns residents matching f ordered by name.
func (s *Store) ListResidents(ctx context.Context, f ResidentFilter, opts ...executor.Option) ([]Resident, error) {
	res, err := executor.Execute(ctx, s.exec, executor.Query[[]Resident]{
		Name:   QueryListResidents,
		Params: f,
		Run: func(ctx context.Context, h backend.Handle) ([]Resident, error) {
			rows, err := h.Query(ctx, ResidentsTable, f.selector())
			if err != nil {
				return nil, err
			}
			return decodeAll(rows, decodeResident)
		},
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("listing residents: %w", err)
	}
	return res.Data, nil
}

// GetResident returns the resident with id or ErrNotFound.
func (s *Store) GetResident(ctx context.Context, id int64, opts ...executor.Option) (Resident, error) {
	res, err := executor.Execute(ctx, s.exec, executor.Query[[]Resident]{
		Name:   QueryGetResident,
		Params: id,
		Run: func(ctx context.Context, h backend.Handle) ([]Resident, error) {
			rows, err := h.Query(ctx, ResidentsTable, backend.Selector{
				Columns: residentColumns,
				Where:   map[string]any{"id": id},
				Limit:   1,
			})
			if err != nil {
				return nil, err
			}
			return decodeAll(rows, decodeResident)
		},
	}, opts...)
	if err != nil {
		return Resident{}, fmt.Errorf("getting resident %d: %w", id, err)
	}
	if len(res.Data) == 0 {
		return Resident{}, fmt.Errorf("resident %d: %w", id, ErrNotFound)
	}
	return res.Data[0], nil
}

// HouseholdMembers returns the residents of one household.
func (s *Store) HouseholdMembers(ctx context.Context, householdID int64, opts ...executor.Option) ([]Resident, error) {
	res, err := executor.Execute(ctx, s.exec, executor.Query[[]Resident]{
		Name:   QueryHouseholdMembers,
		Params: householdID,
		Run: func(ctx context.Context, h backend.Handle) ([]Resident, error) {
			rows, err := h.Query(ctx, ResidentsTable, backend.Selector{
				Columns: residentColumns,
				Where:   map[string]any{"household_id": householdID},
				OrderBy: []string{"birth_date", "id"},
			})
			if err != nil {
				return nil, err
			}
			return decodeAll(rows, decodeResident)
		},
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("listing members of household %d: %w", householdID, err)
	}
	return res.Data, nil
}

// ListHouseholds returns one page of households ordered by number.
func (s *Store) ListHouseholds(ctx context.Context, p Page, opts ...executor.Option) ([]Household, error) {
	if p.Limit == 0 {
		p.Limit = DefaultPageSize
	}
	res, err := executor.Execute(ctx, s.exec, executor.Query[[]Household]{
		Name:   QueryListHouseholds,
		Params: p,
		Run: func(ctx context.Context, h backend.Handle) ([]Household, error) {
			rows, err := h.Query(ctx, HouseholdsTable, backend.Selector{
				Columns: householdColumns,
				OrderBy: []string{"household_number", "id"},
				Limit:   p.Limit,
				Offset:  p.Offset,
			})
			if err != nil {
				return nil, err
			}
			return decodeAll(rows, decodeHousehold)
		},
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("listing households: %w", err)
	}
	return res.Data, nil
}

// InvalidateResidents drops every cached resident read, e.g. after an import.
func (s *Store) InvalidateResidents(ctx context.Context) error {
	for _, name := range []string{QueryListResidents, QueryGetResident, QueryHouseholdMembers, QueryCount} {
		if err := s.exec.Invalidate(ctx, name); err != nil {
			return err
		}
	}
	log.Printf("[records] Resident caches invalidated")
	return nil
}

// countQuery counts rows of resource matching where.
func countQuery(resource string, where map[string]any) executor.Query[int64] {
	return executor.Query[int64]{
		Name: QueryCount,
		Params: struct {
			Resource string         `json:"resource"`
			Where    map[string]any `json:"where,omitempty"`
		}{resource, where},
		Run: func(ctx context.Context, h backend.Handle) (int64, error) {
			rows, err := h.Query(ctx, resource, backend.Selector{Where: where, Count: true})
			if err != nil {
				return 0, err
			}
			if len(rows) == 0 {
				return 0, nil
			}
			return int64Col(rows[0], "count")
		},
	}
}
