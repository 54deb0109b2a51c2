// Package records reads residents and households through the query executor.
package records

import (
	"fmt"
	"strconv"
	"time"

	"github.com/joao-brasil/registry-resilience/internal/backend"
)

// Resource names in the backend.
const (
	ResidentsTable  = "residents"
	HouseholdsTable = "households"
)

// Resident status values.
const (
	StatusActive   = "active"
	StatusMovedOut = "moved_out"
	StatusDeceased = "deceased"
)

// Resident is one person registered in the locality.
type Resident struct {
	ID          int64     `json:"id"`
	HouseholdID int64     `json:"household_id"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	BirthDate   time.Time `json:"birth_date"`
	Sex         string    `json:"sex"`
	CivilStatus string    `json:"civil_status"`
	Status      string    `json:"status"`
}

// FullName returns "First Last".
func (r Resident) FullName() string {
	return r.FirstName + " " + r.LastName
}

// Household groups residents sharing an address.
type Household struct {
	ID       int64  `json:"id"`
	Number   string `json:"household_number"`
	Address  string `json:"address"`
	Zone     string `json:"zone"`
	HeadName string `json:"head_name"`
}

var residentColumns = []string{
	"id", "household_id", "first_name", "last_name", "birth_date", "sex", "civil_status", "status",
}

var householdColumns = []string{
	"id", "household_number", "address", "zone", "head_name",
}

func decodeResident(row backend.Row) (Resident, error) {
	var (
		r   Resident
		err error
	)
	if r.ID, err = int64Col(row, "id"); err != nil {
		return r, err
	}
	if r.HouseholdID, err = int64Col(row, "household_id"); err != nil {
		return r, err
	}
	if r.BirthDate, err = timeCol(row, "birth_date"); err != nil {
		return r, err
	}
	r.FirstName = stringCol(row, "first_name")
	r.LastName = stringCol(row, "last_name")
	r.Sex = stringCol(row, "sex")
	r.CivilStatus = stringCol(row, "civil_status")
	r.Status = stringCol(row, "status")
	return r, nil
}

func decodeHousehold(row backend.Row) (Household, error) {
	id, err := int64Col(row, "id")
	if err != nil {
		return Household{}, err
	}
	return Household{
		ID:       id,
		Number:   stringCol(row, "household_number"),
		Address:  stringCol(row, "address"),
		Zone:     stringCol(row, "zone"),
		HeadName: stringCol(row, "head_name"),
	}, nil
}

func decodeAll[T any](rows backend.Rows, decode func(backend.Row) (T, error)) ([]T, error) {
	out := make([]T, 0, len(rows))
	for i, row := range rows {
		v, err := decode(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// ── Column conversion ───────────────────────────────────────────────────
// Drivers disagree on the Go types they scan into; these accept the common ones.

func stringCol(row backend.Row, col string) string {
	switch v := row[col].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

// int64Col returns 0 for NULL.
func int64Col(row backend.Row, col string) (int64, error) {
	switch v := row[col].(type) {
	case nil:
		return 0, nil
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("column %s: %w", col, err)
		}
		return n, nil
	case []byte:
		n, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("column %s: %w", col, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("column %s: unexpected type %T", col, v)
	}
}

var dateLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", time.DateOnly}

// timeCol returns the zero time for NULL.
func timeCol(row backend.Row, col string) (time.Time, error) {
	switch v := row[col].(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return v, nil
	case string:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("column %s: unrecognized date %q", col, v)
	default:
		return time.Time{}, fmt.Errorf("column %s: unexpected type %T", col, v)
	}
}
