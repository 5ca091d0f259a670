// Package record holds the units that travel through a pipeline: records and
// the clusters that group them.
package record

import "strconv"

// Field is one named, positioned value of a record.
type Field struct {
	Name  string
	Value string
}

// Record is an elemental input item. SeqNo is assigned at ingestion, starting
// at 1; synthesized records keep SeqNo 0.
type Record struct {
	SeqNo  int64
	Fields []Field
}

// New builds a record whose fields are named name0, name1... by the given
// namer. A nil namer names fields by their index.
func New(values []string, namer func(i int) string) *Record {
	r := &Record{Fields: make([]Field, len(values))}
	for i, v := range values {
		name := strconv.Itoa(i)
		if namer != nil {
			name = namer(i)
		}
		r.Fields[i] = Field{Name: name, Value: v}
	}
	return r
}

// Value returns the value of the first field called name.
func (r *Record) Value(name string) (string, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// At returns the value at position i, or "" when the record is shorter.
func (r *Record) At(i int) string {
	if i < 0 || i >= len(r.Fields) {
		return ""
	}
	return r.Fields[i].Value
}

// SetAt rewrites the value at position i. It reports false when i is out of
// range.
func (r *Record) SetAt(i int, v string) bool {
	if i < 0 || i >= len(r.Fields) {
		return false
	}
	r.Fields[i].Value = v
	return true
}

func (r *Record) Len() int { return len(r.Fields) }

func (r *Record) Values() []string {
	out := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		out[i] = f.Value
	}
	return out
}

func (r *Record) Clone() *Record {
	c := &Record{SeqNo: r.SeqNo, Fields: make([]Field, len(r.Fields))}
	copy(c.Fields, r.Fields)
	return c
}
