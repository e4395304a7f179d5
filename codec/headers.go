package codec

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	StatusHeader        = ":status"
	ContentLengthHeader = "content-length"
)

type Field struct {
	Name  string
	Value string
}

// Headers is an ordered header collection. Names may repeat.
type Headers []Field

func (h Headers) Add(name, value string) Headers {
	return append(h, Field{Name: name, Value: value})
}

// Get returns the first value stored under name.
func (h Headers) Get(name string) (string, bool) {
	for _, f := range h {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

func (h Headers) Values(name string) []string {
	var vals []string
	for _, f := range h {
		if f.Name == name {
			vals = append(vals, f.Value)
		}
	}
	return vals
}

// Status parses the :status pseudo header.
func (h Headers) Status() (int, bool) {
	v, ok := h.Get(StatusHeader)
	if !ok {
		return 0, false
	}
	status, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return status, true
}

// ContentLength returns the declared content-length. ok is false when none was declared.
func (h Headers) ContentLength() (n int64, ok bool, err error) {
	vals := h.Values(ContentLengthHeader)
	if len(vals) == 0 {
		return 0, false, nil
	}
	for i, v := range vals {
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || parsed < 0 {
			return 0, true, fmt.Errorf("invalid content-length %q", v)
		}
		if i > 0 && parsed != n {
			return 0, true, fmt.Errorf("conflicting content-length values %q", vals)
		}
		n = parsed
	}
	return n, true, nil
}

func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	return append(Headers(nil), h...)
}

func (h Headers) String() string {
	var b strings.Builder
	for _, f := range h {
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Value)
		b.WriteByte('\n')
	}
	return b.String()
}
