package h1

import "strings"

// Field is one header line as it appeared (or will appear) on the wire.
// Name keeps its original case; lookups are case-insensitive.
type Field struct {
	Name  string
	Value string
}

// Headers is an ordered, case-insensitive, multi-valued header collection.
// Iteration preserves insertion order. The zero value is empty and usable.
type Headers struct {
	fields []Field
}

func NewHeaders(fields ...Field) Headers {
	return Headers{fields: fields}
}

func (h *Headers) Len() int {
	return len(h.fields)
}

// Fields returns the underlying field list. Callers must not mutate it.
func (h *Headers) Fields() []Field {
	return h.fields
}

// Get returns the first value for name, or "".
func (h *Headers) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

func (h *Headers) Has(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Values returns all values for name, in insertion order.
func (h *Headers) Values(name string) []string {
	var values []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			values = append(values, f.Value)
		}
	}
	return values
}

// Set removes all existing fields named name, then appends one.
func (h *Headers) Set(name, value string) {
	h.Del(name)
	h.Add(name, value)
}

// Add appends a field, keeping any existing ones with the same name.
func (h *Headers) Add(name, value string) {
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

func (h *Headers) Del(name string) {
	kept := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	h.fields = kept
}

func (h *Headers) Clone() Headers {
	return Headers{fields: append([]Field(nil), h.fields...)}
}

// TokenListContains reports whether the comma-separated list in the values
// of name contains token (case-insensitive). Used for Connection and
// Transfer-Encoding checks.
func (h *Headers) TokenListContains(name, token string) bool {
	for _, value := range h.Values(name) {
		for _, item := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(item), token) {
				return true
			}
		}
	}
	return false
}
