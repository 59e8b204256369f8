package pipeline

import (
	"strings"

	"github.com/ajitpratap0/crmsync/pkg/mapping"
	"github.com/ajitpratap0/crmsync/pkg/record"
)

// Transform maps flattened remote records to candidate local objects.
// It performs no I/O. A field whose remote values are all null or absent is
// left out of the candidate so an upsert keeps the stored value.
func Transform(m *mapping.Mapping, raws []*record.Record) []*record.Record {
	out := make([]*record.Record, 0, len(raws))
	for _, raw := range raws {
		out = append(out, transformOne(m, raw))
	}
	return out
}

func transformOne(m *mapping.Mapping, raw *record.Record) *record.Record {
	candidate := record.New()
	candidate.Set(record.ExternalIDKey, record.String(raw.GetString(record.RemoteIDKey)))

	for _, f := range m.Fields {
		values := gather(raw, f.Remote)
		if len(values) == 0 {
			continue
		}
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = v.Str()
		}
		candidate.Set(f.Local, record.String(strings.Join(parts, " ")))
	}

	for _, a := range m.Arrays {
		values := gather(raw, a.Remote)
		if len(values) == 0 {
			continue
		}
		var items []record.Value
		for _, v := range values {
			if v.Kind() == record.KindList {
				items = append(items, v.Items()...)
				continue
			}
			items = append(items, v)
		}
		if len(items) == 0 {
			continue
		}
		candidate.Set(a.Local, record.List(items...))
	}
	return candidate
}

// gather returns the present, non-null values of the given remote fields
// in declared order
func gather(raw *record.Record, remote mapping.OneOrMany) []record.Value {
	var values []record.Value
	for _, field := range remote {
		v, ok := raw.Get(field)
		if !ok || v.IsNull() {
			continue
		}
		values = append(values, v)
	}
	return values
}
