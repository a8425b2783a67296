package core

import "strings"

type DBOrdering struct {
	Field     string
	Ascending bool
}

func (ord DBOrdering) String() string {
	direction := "DESC"
	if ord.Ascending {
		direction = "ASC"
	}
	return ord.Field + " " + direction
}

// OrderBy builds an ORDER BY clause (without the keywords) from `orderings`.
// Only fields present in `columns` ({field: column}) are kept; `fallback` is used when none is.
func OrderBy(orderings []DBOrdering, columns map[string]string, fallback ...DBOrdering) string {
	clauses := make([]string, 0, len(orderings))
	for _, ord := range orderings {
		col, ok := columns[ord.Field]
		if !ok {
			continue
		}
		clauses = append(clauses, DBOrdering{Field: col, Ascending: ord.Ascending}.String())
	}
	if len(clauses) == 0 {
		for _, ord := range fallback {
			clauses = append(clauses, ord.String())
		}
	}
	return strings.Join(clauses, ", ")
}
