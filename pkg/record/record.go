// Package record defines the ordered key/value documents that flow through
// the sync pipeline: flattened remote records, candidate local objects and
// stored local objects.
package record

import (
	"bytes"
	"sort"

	"github.com/goccy/go-json"
)

// Well-known keys on local objects.
const (
	// ExternalIDKey holds the remote identifier of a local object
	ExternalIDKey = "externalId"
	// LocalIDKey holds the store-assigned identifier of a local object
	LocalIDKey = "_id"
	// VersionKey is maintained by stores on versioned writes
	VersionKey = "_version"
	// UpdatedAtKey is maintained by stores on versioned writes
	UpdatedAtKey = "_updatedAt"
	// TypeKey holds the local type of an object created by a store
	TypeKey = "type"
)

// Record is an insertion-ordered map of field names to values.
// A Record is not safe for concurrent mutation.
type Record struct {
	keys   []string
	values map[string]Value
}

// New returns an empty record
func New() *Record {
	return &Record{values: make(map[string]Value)}
}

// FromMap builds a record from a plain map. Keys are sorted so the result
// is deterministic.
func FromMap(m map[string]any) *Record {
	r := New()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		r.Set(k, FromAny(m[k]))
	}
	return r
}

// Set stores v under key. Existing keys keep their position.
func (r *Record) Set(key string, v Value) {
	if r.values == nil {
		r.values = make(map[string]Value)
	}
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = v
}

// Get returns the value stored under key
func (r *Record) Get(key string) (Value, bool) {
	if r == nil {
		return Value{}, false
	}
	v, ok := r.values[key]
	return v, ok
}

// Has reports whether key is present
func (r *Record) Has(key string) bool {
	_, ok := r.Get(key)
	return ok
}

// GetString returns the rendered value under key, or "" when absent or null
func (r *Record) GetString(key string) string {
	v, ok := r.Get(key)
	if !ok {
		return ""
	}
	return v.Str()
}

// Delete removes key
func (r *Record) Delete(key string) {
	if _, ok := r.values[key]; !ok {
		return
	}
	delete(r.values, key)
	for i, k := range r.keys {
		if k == key {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order
func (r *Record) Keys() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Len returns the number of keys
func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}

// Range calls fn for each entry in order until fn returns false
func (r *Record) Range(fn func(key string, v Value) bool) {
	if r == nil {
		return
	}
	for _, k := range r.keys {
		if !fn(k, r.values[k]) {
			return
		}
	}
}

// Merge copies every entry of src over r. Keys only present in r are kept.
func (r *Record) Merge(src *Record) {
	src.Range(func(k string, v Value) bool {
		r.Set(k, v)
		return true
	})
}

// Clone returns a deep copy of r
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{
		keys:   make([]string, len(r.keys)),
		values: make(map[string]Value, len(r.values)),
	}
	copy(out.keys, r.keys)
	for k, v := range r.values {
		out.values[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v Value) Value {
	switch v.kind {
	case KindList:
		items := make([]Value, len(v.items))
		for i, item := range v.items {
			items[i] = cloneValue(item)
		}
		return List(items...)
	case KindObject:
		return Object(v.obj.Clone())
	default:
		return v
	}
}

// Equal reports whether both records hold the same keys in the same order
// with equal values.
func (r *Record) Equal(o *Record) bool {
	if r.Len() != o.Len() {
		return false
	}
	for i, k := range r.keys {
		if o.keys[i] != k || !r.values[k].Equal(o.values[k]) {
			return false
		}
	}
	return true
}

// Map converts r into a plain map
func (r *Record) Map() map[string]any {
	out := make(map[string]any, r.Len())
	r.Range(func(k string, v Value) bool {
		out[k] = v.Interface()
		return true
	})
	return out
}

// MarshalJSON writes the record as a JSON object in key order
func (r *Record) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := r.values[k].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object. Key order of the input is not kept.
func (r *Record) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*r = *FromMap(m)
	return nil
}
