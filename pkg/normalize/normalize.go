// Package normalize flattens nested API payloads into records suitable for
// tabular storage. Every function is pure and deterministic.
package normalize

import (
	"strings"
	"unicode"

	"github.com/ajitpratap0/nebula-connectors/pkg/connector/core"
)

// FlattenEnvelope hoists the fields of a JSON:API "attributes" object next to
// "type" and "id". Existing top-level keys win over attributes with the same
// name. Applying it to an already flattened record changes nothing.
func FlattenEnvelope(rec core.Record) core.Record {
	attrs, ok := rec["attributes"].(map[string]any)
	if !ok {
		return rec
	}
	out := make(core.Record, len(rec)+len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	for k, v := range rec {
		if k == "attributes" {
			continue
		}
		out[k] = v
	}
	return out
}

// FlattenConnections replaces GraphQL/REST connection objects with their
// bare item list, recursively. Supported shapes:
//
//	{"nodes": [...], "totalCount": N}
//	{"edges": [{"node": {...}}, ...], "totalCount": N}
//	{"data": [...]}
//
// The count, when present, is hoisted to "<field>_totalCount".
func FlattenConnections(rec core.Record) core.Record {
	out := make(core.Record, len(rec))
	for k, v := range rec {
		m, ok := v.(map[string]any)
		if !ok {
			out[k] = flattenValue(v)
			continue
		}
		if list, count, ok := connection(m); ok {
			out[k] = list
			if count != nil {
				out[k+"_totalCount"] = count
			}
			continue
		}
		out[k] = FlattenConnections(m)
	}
	return out
}

func flattenValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return FlattenConnections(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = flattenValue(item)
		}
		return out
	default:
		return v
	}
}

// connection recognises a connection object and returns its items.
func connection(m map[string]any) ([]any, any, bool) {
	count := m["totalCount"]

	if nodes, ok := m["nodes"].([]any); ok && onlyKeys(m, "nodes", "totalCount", "pageInfo") {
		return flattenList(nodes), count, true
	}
	if edges, ok := m["edges"].([]any); ok && onlyKeys(m, "edges", "totalCount", "pageInfo") {
		items := make([]any, 0, len(edges))
		for _, e := range edges {
			if em, ok := e.(map[string]any); ok {
				if node, ok := em["node"]; ok {
					items = append(items, flattenValue(node))
					continue
				}
			}
			items = append(items, flattenValue(e))
		}
		return items, count, true
	}
	if data, ok := m["data"].([]any); ok && onlyKeys(m, "data", "totalCount", "links", "meta") {
		return flattenList(data), count, true
	}
	return nil, nil, false
}

func flattenList(list []any) []any {
	out := make([]any, len(list))
	for i, item := range list {
		out[i] = flattenValue(item)
	}
	return out
}

func onlyKeys(m map[string]any, allowed ...string) bool {
	for k := range m {
		ok := false
		for _, a := range allowed {
			if k == a {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// FlattenProperties hoists the fields of rec[key] to the top level,
// prefixing names that would collide with "<key>_". Mixpanel events nest
// everything under "properties".
func FlattenProperties(rec core.Record, key string) core.Record {
	props, ok := rec[key].(map[string]any)
	if !ok {
		return rec
	}
	out := make(core.Record, len(rec)+len(props))
	for k, v := range rec {
		if k != key {
			out[k] = v
		}
	}
	for k, v := range props {
		name := strings.TrimPrefix(k, "$")
		if _, exists := out[name]; exists {
			name = key + "_" + name
		}
		out[name] = v
	}
	return out
}

// SnakeCase converts an API field name into a column name:
// "totalCount" -> "total_count", "Deal Value ($)" -> "deal_value".
func SnakeCase(name string) string {
	var b strings.Builder
	b.Grow(len(name) + 4)
	runes := []rune(name)
	lastUnderscore := true
	for i, r := range runes {
		switch {
		case unicode.IsUpper(r):
			prevLower := i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]))
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			prevUpper := i > 0 && unicode.IsUpper(runes[i-1])
			if !lastUnderscore && (prevLower || (prevUpper && nextLower)) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			lastUnderscore = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimRight(b.String(), "_")
}
