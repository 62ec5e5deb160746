package storage

import "strings"

// listQuery builds the newest-first paged SELECTs shared by the history tables.
type listQuery struct {
	columns string
	table   string
	where   []string
	args    []any
}

func newListQuery(table string, columns ...string) *listQuery {
	return &listQuery{columns: strings.Join(columns, ", "), table: table}
}

func (q *listQuery) filter(cond string, arg any) *listQuery {
	q.where = append(q.where, cond)
	q.args = append(q.args, arg)
	return q
}

func (q *listQuery) page(limit, offset int) (string, []any) {
	limit, offset = clampLimit(limit, offset)

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(q.columns)
	b.WriteString(" FROM ")
	b.WriteString(q.table)
	if len(q.where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(q.where, " AND "))
	}
	b.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	return b.String(), append(q.args, limit, offset)
}
