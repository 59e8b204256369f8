// Package query builds SOQL text for a mapping.
package query

import (
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/crmsync/pkg/mapping"
)

const (
	// IDField is projected first in every query
	IDField = "Id"
	// ModifiedField is compared against the watermark on incremental runs
	ModifiedField = "LastModifiedDate"
	// DefaultMaxResults caps a query when no positive limit is given
	DefaultMaxResults = 1000
	// SubqueryAlias names the related entity inside a has-many subquery
	SubqueryAlias = "Entity"
)

// Build returns the query for m. A nil since selects every record; a
// non-positive max falls back to DefaultMaxResults.
func Build(m *mapping.Mapping, since *time.Time, max int) string {
	if max <= 0 {
		max = DefaultMaxResults
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(Projection(m), ", "))
	b.WriteString(" FROM ")
	b.WriteString(m.RemoteType)

	if clauses := Clauses(m, since); len(clauses) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(clauses, " AND "))
	}

	b.WriteString(" LIMIT ")
	b.WriteString(strconv.Itoa(max))
	return b.String()
}

// Projection lists the selected fields: Id, every field and array source
// in declared order, then one projection per join. Repeated names keep
// their first position.
func Projection(m *mapping.Mapping) []string {
	seen := map[string]bool{IDField: true}
	out := []string{IDField}
	add := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}

	for _, set := range []mapping.FieldSet{m.Fields, m.Arrays} {
		for _, fm := range set {
			for _, remote := range fm.Remote {
				add(remote)
			}
		}
	}

	for _, jm := range m.Joins {
		j := jm.Join
		if j.HasMany {
			add("(SELECT " + SubqueryAlias + "." + j.IDField + " FROM " + j.Remote + " AS " + SubqueryAlias + ")")
		} else {
			add(j.Remote + "." + j.IDField)
		}
	}
	return out
}

// Clauses returns the WHERE clauses in order: required-field filters, the
// watermark filter, then raw where clauses.
func Clauses(m *mapping.Mapping, since *time.Time) []string {
	var out []string
	for _, local := range m.Required {
		remote, ok := m.Sources(local)
		if !ok {
			continue
		}
		for _, field := range remote {
			out = append(out, field+" != null")
		}
	}

	if since != nil {
		out = append(out, ModifiedField+" > "+FormatTime(*since))
	}

	for _, clause := range m.Where {
		if clause = strings.TrimSpace(clause); clause != "" {
			out = append(out, clause)
		}
	}
	return out
}

// FormatTime renders a datetime literal the remote query language accepts
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
