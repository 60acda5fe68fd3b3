package normalize

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ajitpratap0/nebula-connectors/pkg/connector/core"
)

// FieldInfo describes one custom field learned from a fields endpoint.
type FieldInfo struct {
	Name           string            `json:"name"`
	NormalizedName string            `json:"normalized_name"`
	FieldType      string            `json:"field_type"`
	Options        map[string]string `json:"options,omitempty"`
}

// FieldMapping maps hash-named custom fields to human-readable names.
//
// Mappings only grow: Merge adds unseen hashes and unseen options but never
// renames a known field or relabels a known option, so column names stay
// stable across runs even when the remote renames a field.
type FieldMapping struct {
	mu     sync.RWMutex
	fields map[string]*FieldInfo
}

// NewFieldMapping creates an empty mapping.
func NewFieldMapping() *FieldMapping {
	return &FieldMapping{fields: make(map[string]*FieldInfo)}
}

// Len returns the number of known fields.
func (m *FieldMapping) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.fields)
}

// Get returns the info of hash.
func (m *FieldMapping) Get(hash string) (FieldInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fi, ok := m.fields[hash]
	if !ok {
		return FieldInfo{}, false
	}
	return *fi, true
}

// Merge folds newly read field metadata into the mapping and reports how
// many hashes were added.
func (m *FieldMapping) Merge(fields map[string]FieldInfo) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	added := 0
	for hash, in := range fields {
		existing, ok := m.fields[hash]
		if !ok {
			fi := in
			if fi.NormalizedName == "" {
				fi.NormalizedName = SnakeCase(fi.Name)
			}
			fi.Options = copyOptions(in.Options)
			m.fields[hash] = &fi
			added++
			continue
		}
		for id, label := range in.Options {
			if existing.Options == nil {
				existing.Options = make(map[string]string)
			}
			if _, known := existing.Options[id]; !known {
				existing.Options[id] = label
			}
		}
	}
	return added
}

// Apply renames known hash keys and maps enum/set option ids to labels.
// Unknown keys are left untouched.
func (m *FieldMapping) Apply(rec core.Record) core.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(core.Record, len(rec))
	for k, v := range rec {
		fi, ok := m.fields[k]
		if !ok {
			if _, taken := out[k]; !taken {
				out[k] = v
			}
			continue
		}
		out[fi.NormalizedName] = fi.mapValue(v)
	}
	return out
}

func (fi *FieldInfo) mapValue(v any) any {
	if v == nil || len(fi.Options) == 0 {
		return v
	}
	switch fi.FieldType {
	case "enum":
		id := optionID(v)
		if label, ok := fi.Options[id]; ok {
			return label
		}
	case "set":
		s, ok := v.(string)
		if !ok {
			s = optionID(v)
		}
		parts := strings.Split(s, ",")
		labels := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if label, ok := fi.Options[p]; ok {
				labels = append(labels, label)
			} else {
				labels = append(labels, p)
			}
		}
		return strings.Join(labels, ",")
	}
	return v
}

func optionID(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Export returns the mapping in its persisted form.
func (m *FieldMapping) Export() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hashes := make([]string, 0, len(m.fields))
	for h := range m.fields {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	out := make(map[string]any, len(m.fields))
	for _, h := range hashes {
		fi := m.fields[h]
		entry := map[string]any{
			"name":            fi.Name,
			"normalized_name": fi.NormalizedName,
			"field_type":      fi.FieldType,
		}
		if len(fi.Options) > 0 {
			opts := make(map[string]any, len(fi.Options))
			for id, label := range fi.Options {
				opts[id] = label
			}
			entry["options"] = opts
		}
		out[h] = entry
	}
	return out
}

// ImportFieldMapping rebuilds a mapping from Export output (as read back
// from a state store).
func ImportFieldMapping(data map[string]any) *FieldMapping {
	m := NewFieldMapping()
	for hash, raw := range data {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		fi := &FieldInfo{
			Name:           str(entry["name"]),
			NormalizedName: str(entry["normalized_name"]),
			FieldType:      str(entry["field_type"]),
		}
		if opts, ok := entry["options"].(map[string]any); ok {
			fi.Options = make(map[string]string, len(opts))
			for id, label := range opts {
				fi.Options[id] = str(label)
			}
		}
		if fi.NormalizedName == "" {
			fi.NormalizedName = SnakeCase(fi.Name)
		}
		m.fields[hash] = fi
	}
	return m
}

func copyOptions(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
