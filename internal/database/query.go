package database

import (
	"fmt"
	"strings"
)

// queryBuilder builds parameterized WHERE clauses for dynamic queries.
type queryBuilder struct {
	where  []string
	args   []any
	argIdx int
}

func newQueryBuilder() *queryBuilder {
	return &queryBuilder{argIdx: 1}
}

// Add appends a WHERE condition. The clause should contain %s which will be replaced with $N.
func (qb *queryBuilder) Add(clause string, val any) {
	qb.where = append(qb.where, strings.Replace(clause, "%s", qb.Arg(val), 1))
}

// AddRaw appends a WHERE condition with no parameters.
func (qb *queryBuilder) AddRaw(clause string) {
	qb.where = append(qb.where, clause)
}

// Arg registers a parameter without a condition and returns its placeholder.
func (qb *queryBuilder) Arg(val any) string {
	p := fmt.Sprintf("$%d", qb.argIdx)
	qb.args = append(qb.args, val)
	qb.argIdx++
	return p
}

// WhereClause returns the full WHERE clause (including "WHERE") or empty string if no conditions.
func (qb *queryBuilder) WhereClause() string {
	if len(qb.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(qb.where, " AND ")
}

// Conditions returns the conditions joined with AND, without the keyword.
func (qb *queryBuilder) Conditions() string {
	return strings.Join(qb.where, " AND ")
}

// Args returns all accumulated arguments.
func (qb *queryBuilder) Args() []any {
	return qb.args
}
