package record

import (
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/ajitpratap0/crmsync/pkg/errors"
)

const (
	// Delimiter joins nested keys during flattening
	Delimiter = "."
	// MaxDepth is the deepest nesting flattened; anything deeper is
	// stored as its JSON text.
	MaxDepth = 32
	// RemoteIDKey is the identifier every remote record must carry
	RemoteIDKey = "Id"
)

// Flatten turns a decoded remote record into a single-level record whose
// keys are dot-joined paths. Arrays are kept as lists rather than being
// expanded into indexed keys; objects inside arrays are flattened into
// nested object values. Keys at each level are visited in sorted order.
//
// Flatten fails only when raw is not an object or has no non-null Id.
func Flatten(raw any) (*Record, error) {
	root, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeTransform, "remote record is %T, not an object", raw)
	}
	if id, ok := root[RemoteIDKey]; !ok || id == nil {
		return nil, errors.New(errors.ErrorTypeTransform, "remote record has no Id")
	}

	out := New()
	flattenInto(out, "", root, 1)
	return out, nil
}

func flattenInto(out *Record, prefix string, m map[string]any, depth int) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		key := k
		if prefix != "" {
			key = prefix + Delimiter + k
		}

		nested, isMap := m[k].(map[string]any)
		switch {
		case isMap && len(nested) == 0:
			out.Set(key, Null())
		case isMap && depth < MaxDepth:
			flattenInto(out, key, nested, depth+1)
		case isMap:
			out.Set(key, String(textOf(nested)))
		default:
			out.Set(key, scalarOrList(m[k], depth))
		}
	}
}

func scalarOrList(raw any, depth int) Value {
	switch t := raw.(type) {
	case nil:
		return Null()
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case time.Time:
		return String(t.UTC().Format(time.RFC3339Nano))
	case []any:
		if depth >= MaxDepth {
			return String(textOf(t))
		}
		items := make([]Value, 0, len(t))
		for _, item := range t {
			if obj, ok := item.(map[string]any); ok {
				nested := New()
				flattenInto(nested, "", obj, depth+1)
				items = append(items, Object(nested))
				continue
			}
			items = append(items, scalarOrList(item, depth+1))
		}
		return List(items...)
	case map[string]any:
		nested := New()
		flattenInto(nested, "", t, depth+1)
		return Object(nested)
	}
	if f, ok := toFloat(raw); ok {
		return Number(f)
	}
	return String(fmt.Sprint(raw))
}

func textOf(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
