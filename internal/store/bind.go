package store

import (
	"strconv"
	"strings"
)

// binder rewrites the ? placeholders of a query for the target driver, so the
// inbound log and outbox share one set of SQL statements.
type binder func(query string) string

func bindQuestion(query string) string { return query }

// bindDollar numbers placeholders the way lib/pq expects ($1, $2, ...).
func bindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r != '?' {
			b.WriteRune(r)
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}
