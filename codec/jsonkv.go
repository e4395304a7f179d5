package codec

import (
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

// UnmarshalJSONAppend appends the headers of a multi-value JSON map
// ({"name":["v1","v2"]}) to buf.
func UnmarshalJSONAppend(buf Headers, b []byte) (Headers, error) {
	in := jlexer.Lexer{Data: b}

	in.Delim('{')
	for !in.IsDelim('}') {
		name := in.String()
		in.WantColon()

		in.Delim('[')
		for !in.IsDelim(']') {
			buf = append(buf, Field{Name: name, Value: in.String()})
			in.WantComma()
		}
		in.Delim(']')

		in.WantComma()
	}
	in.Delim('}')
	in.Consumed()

	return buf, in.Error()
}

// MarshalJSON writes h as a multi-value JSON map. Names keep the order of
// their first appearance.
func MarshalJSON(w *jwriter.Writer, h Headers) {
	if len(h) == 0 {
		w.RawString("{}")
		return
	}

	var (
		order  []string
		values = make(map[string][]string, len(h))
	)
	for _, f := range h {
		if _, ok := values[f.Name]; !ok {
			order = append(order, f.Name)
		}
		values[f.Name] = append(values[f.Name], f.Value)
	}

	w.RawByte('{')
	for i, name := range order {
		if i > 0 {
			w.RawByte(',')
		}
		w.String(name)
		w.RawString(":[")
		for j, v := range values[name] {
			if j > 0 {
				w.RawByte(',')
			}
			w.String(v)
		}
		w.RawByte(']')
	}
	w.RawByte('}')
}

func MarshalJSONAppend(b []byte, h Headers) []byte {
	w := jwriter.Writer{}
	MarshalJSON(&w, h)
	out, _ := w.BuildBytes()
	return append(b, out...)
}
