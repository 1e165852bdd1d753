// Package htsmsg implements the HTSMSG binary message format used by the
// HTSP protocol: an ordered set of named, typed fields inside a
// length-prefixed frame.
package htsmsg

import (
	"fmt"
	"strings"
)

// List is an ordered list of field values. Elements have the same types
// a Message field may hold.
type List []any

// Field is a single named value. Value is one of int64, string, []byte,
// *Message or List.
type Field struct {
	Name  string
	Value any
}

// Message is an ordered collection of fields. The zero value is an empty
// message ready to use.
type Message struct {
	fields []Field
}

// New returns a request message for the given method.
func New(method string) *Message {
	m := &Message{}
	m.Set("method", method)

	return m
}

// Set stores value under name, replacing an existing field of the same
// name in place. Integer kinds are widened to int64 and bools become 0/1
// so callers can pass native Go values.
func (m *Message) Set(name string, value any) *Message {
	value = normalize(value)
	for i := range m.fields {
		if m.fields[i].Name == name {
			m.fields[i].Value = value
			return m
		}
	}

	m.fields = append(m.fields, Field{Name: name, Value: value})

	return m
}

// Delete removes the named field if present.
func (m *Message) Delete(name string) {
	for i := range m.fields {
		if m.fields[i].Name == name {
			m.fields = append(m.fields[:i], m.fields[i+1:]...)
			return
		}
	}
}

// Len returns the number of fields.
func (m *Message) Len() int {
	return len(m.fields)
}

// Get returns the raw value stored under name.
func (m *Message) Get(name string) (any, bool) {
	for _, f := range m.fields {
		if f.Name == name {
			return f.Value, true
		}
	}

	return nil, false
}

// Has reports whether the message carries the named field.
func (m *Message) Has(name string) bool {
	_, ok := m.Get(name)
	return ok
}

// Int returns an integer field.
func (m *Message) Int(name string) (int64, bool) {
	v, ok := m.Get(name)
	if !ok {
		return 0, false
	}

	n, ok := v.(int64)

	return n, ok
}

// IntOr returns an integer field or def when it is missing.
func (m *Message) IntOr(name string, def int64) int64 {
	if n, ok := m.Int(name); ok {
		return n
	}

	return def
}

// Str returns a string field.
func (m *Message) Str(name string) (string, bool) {
	v, ok := m.Get(name)
	if !ok {
		return "", false
	}

	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}

	return "", false
}

// Bin returns a binary field.
func (m *Message) Bin(name string) ([]byte, bool) {
	v, ok := m.Get(name)
	if !ok {
		return nil, false
	}

	switch b := v.(type) {
	case []byte:
		return b, true
	case string:
		return []byte(b), true
	}

	return nil, false
}

// Map returns a nested message field.
func (m *Message) Map(name string) (*Message, bool) {
	v, ok := m.Get(name)
	if !ok {
		return nil, false
	}

	sub, ok := v.(*Message)

	return sub, ok
}

// List returns a list field.
func (m *Message) List(name string) (List, bool) {
	v, ok := m.Get(name)
	if !ok {
		return nil, false
	}

	l, ok := v.(List)

	return l, ok
}

// Method returns the method name, or "" for responses.
func (m *Message) Method() string {
	s, _ := m.Str("method")
	return s
}

// Seq returns the sequence number carried by the message.
func (m *Message) Seq() (uint32, bool) {
	n, ok := m.Int("seq")
	if !ok || n < 0 || n > int64(^uint32(0)) {
		return 0, false
	}

	return uint32(n), true
}

// String renders the message for debug logs. Binary payloads are shown
// by length only.
func (m *Message) String() string {
	var sb strings.Builder
	writeFields(&sb, m.fields)

	return sb.String()
}

func writeFields(sb *strings.Builder, fields []Field) {
	sb.WriteByte('{')

	for i, f := range fields {
		if i > 0 {
			sb.WriteString(", ")
		}

		if f.Name != "" {
			sb.WriteString(f.Name)
			sb.WriteByte('=')
		}

		writeValue(sb, f.Value)
	}

	sb.WriteByte('}')
}

func writeValue(sb *strings.Builder, v any) {
	switch val := v.(type) {
	case *Message:
		writeFields(sb, val.fields)
	case List:
		sb.WriteByte('[')

		for i, e := range val {
			if i > 0 {
				sb.WriteString(", ")
			}

			writeValue(sb, e)
		}

		sb.WriteByte(']')
	case []byte:
		fmt.Fprintf(sb, "<%d bytes>", len(val))
	case string:
		fmt.Fprintf(sb, "%q", val)
	default:
		fmt.Fprintf(sb, "%v", val)
	}
}

func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint:
		return int64(n)
	case uint64:
		return int64(n)
	case bool:
		if n {
			return int64(1)
		}

		return int64(0)
	case []any:
		return List(n)
	case Message:
		return &n
	}

	return v
}
