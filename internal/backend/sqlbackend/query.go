package sqlbackend

import (
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/joao-brasil/registry-resilience/internal/backend"
)

// BuildSelect renders a Selector into SQL for the given driver dialect.
// Every identifier is validated; values are always bound as placeholders.
func BuildSelect(dialect, resource string, sel backend.Selector) (string, []any, error) {
	if !backend.ValidIdentifier(resource) {
		return "", nil, fmt.Errorf("invalid resource name %q", resource)
	}

	b := sq.StatementBuilder.PlaceholderFormat(placeholderFormat(dialect))

	var q sq.SelectBuilder
	switch {
	case sel.Count:
		q = b.Select("COUNT(*) AS count")
	case len(sel.Columns) == 0:
		q = b.Select("*")
	default:
		for _, c := range sel.Columns {
			if !backend.ValidIdentifier(c) {
				return "", nil, fmt.Errorf("invalid column name %q", c)
			}
		}
		q = b.Select(sel.Columns...)
	}
	q = q.From(resource)

	if len(sel.Where) > 0 {
		keys := make([]string, 0, len(sel.Where))
		for k := range sel.Where {
			if !backend.ValidIdentifier(k) {
				return "", nil, fmt.Errorf("invalid filter column %q", k)
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			q = q.Where(sq.Eq{k: sel.Where[k]})
		}
	}

	if !sel.Count {
		for _, o := range sel.OrderBy {
			clause, err := orderClause(o)
			if err != nil {
				return "", nil, err
			}
			q = q.OrderBy(clause)
		}
		q = paginate(q, dialect, sel)
	}

	return q.ToSql()
}

func orderClause(o string) (string, error) {
	fields := strings.Fields(o)
	if len(fields) == 0 || len(fields) > 2 || !backend.ValidIdentifier(fields[0]) {
		return "", fmt.Errorf("invalid order clause %q", o)
	}
	if len(fields) == 1 {
		return fields[0], nil
	}
	dir := strings.ToUpper(fields[1])
	if dir != "ASC" && dir != "DESC" {
		return "", fmt.Errorf("invalid order direction %q", fields[1])
	}
	return fields[0] + " " + dir, nil
}

// paginate applies limit/offset. SQL Server has no LIMIT and needs
// OFFSET/FETCH, which in turn requires an ORDER BY.
func paginate(q sq.SelectBuilder, dialect string, sel backend.Selector) sq.SelectBuilder {
	if sel.Limit == 0 && sel.Offset == 0 {
		return q
	}
	if dialect == "sqlserver" {
		if len(sel.OrderBy) == 0 {
			q = q.OrderBy("(SELECT NULL)")
		}
		suffix := fmt.Sprintf("OFFSET %d ROWS", sel.Offset)
		if sel.Limit > 0 {
			suffix += fmt.Sprintf(" FETCH NEXT %d ROWS ONLY", sel.Limit)
		}
		return q.Suffix(suffix)
	}
	if sel.Limit > 0 {
		q = q.Limit(sel.Limit)
	}
	if sel.Offset > 0 {
		q = q.Offset(sel.Offset)
	}
	return q
}

func placeholderFormat(dialect string) sq.PlaceholderFormat {
	switch dialect {
	case "pgx", "postgres":
		return sq.Dollar
	case "sqlserver":
		return sq.AtP
	default:
		return sq.Question
	}
}
