package records

import (
	"context"
	"fmt"
	"log"

	"github.com/joao-brasil/registry-resilience/internal/executor"
)

// Dashboard holds the headline counts of the registry.
type Dashboard struct {
	Households int64 `json:"households"`
	Residents  int64 `json:"residents"`
	Active     int64 `json:"active"`
	MovedOut   int64 `json:"moved_out"`
	Deceased   int64 `json:"deceased"`
	Male       int64 `json:"male"`
	Female     int64 `json:"female"`

	// Failed names the counts that could not be read. They are left at 0.
	Failed []string `json:"failed,omitempty"`
}

type dashboardCount struct {
	label string
	dst   func(*Dashboard) *int64
	query executor.Query[int64]
}

func dashboardCounts() []dashboardCount {
	return []dashboardCount{
		{"households", func(d *Dashboard) *int64 { return &d.Households }, countQuery(HouseholdsTable, nil)},
		{"residents", func(d *Dashboard) *int64 { return &d.Residents }, countQuery(ResidentsTable, nil)},
		{"active", func(d *Dashboard) *int64 { return &d.Active },
			countQuery(ResidentsTable, map[string]any{"status": StatusActive})},
		{"moved_out", func(d *Dashboard) *int64 { return &d.MovedOut },
			countQuery(ResidentsTable, map[string]any{"status": StatusMovedOut})},
		{"deceased", func(d *Dashboard) *int64 { return &d.Deceased },
			countQuery(ResidentsTable, map[string]any{"status": StatusDeceased})},
		{"male", func(d *Dashboard) *int64 { return &d.Male },
			countQuery(ResidentsTable, map[string]any{"sex": "M"})},
		{"female", func(d *Dashboard) *int64 { return &d.Female },
			countQuery(ResidentsTable, map[string]any{"sex": "F"})},
	}
}

// Dashboard reads every count as one batch. A failing count is reported in
// Dashboard.Failed unless bo.FailFast is set, in which case the first error
// is returned.
func (s *Store) Dashboard(ctx context.Context, bo executor.BatchOptions, opts ...executor.Option) (Dashboard, error) {
	counts := dashboardCounts()
	queries := make([]executor.Query[int64], len(counts))
	for i, c := range counts {
		queries[i] = c.query
	}

	results, err := executor.ExecuteBatch(ctx, s.exec, queries, bo, opts...)
	if err != nil {
		return Dashboard{}, fmt.Errorf("dashboard: %w", err)
	}

	var d Dashboard
	for i, r := range results {
		if r.Err != nil {
			log.Printf("[records] Dashboard count %s failed: %v", counts[i].label, r.Err)
			d.Failed = append(d.Failed, counts[i].label)
			continue
		}
		*counts[i].dst(&d) = r.Data
	}
	return d, nil
}
