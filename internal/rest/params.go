package rest

import (
	"net/url"
	"strings"
)

// queryParams builds a query string preserving insertion order, which the
// exchange signature scheme depends on. Keys with empty values are omitted.
type queryParams struct {
	pairs []kv
}

type kv struct {
	key   string
	value string
}

func newParams() *queryParams {
	return &queryParams{}
}

// Add appends key=value unless value is empty.
func (q *queryParams) Add(key, value string) *queryParams {
	if value != "" {
		q.pairs = append(q.pairs, kv{key, value})
	}
	return q
}

// Encode renders the pairs in insertion order with URL-escaped values.
func (q *queryParams) Encode() string {
	var b strings.Builder
	for i, p := range q.pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.key)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.value))
	}
	return b.String()
}

func (q *queryParams) clone() *queryParams {
	out := &queryParams{pairs: make([]kv, len(q.pairs))}
	copy(out.pairs, q.pairs)
	return out
}
