package message

import (
	"bytes"
	"iter"
)

// Files is an ordered mapping of file name to content. Iteration follows
// first-insertion order. The zero value is an empty set ready to use.
type Files struct {
	names []string
	data  map[string][]byte
}

// NewFiles builds a Files holding entries in the given order.
func NewFiles(entries ...File) *Files {
	f := &Files{}
	for _, e := range entries {
		f.Put(e.Name, e.Data)
	}
	return f
}

// File is one named attachment.
type File struct {
	Name string
	Data []byte
}

// Put sets the content of name. An existing name keeps its position.
func (f *Files) Put(name string, data []byte) {
	if f.data == nil {
		f.data = make(map[string][]byte)
	}
	if _, ok := f.data[name]; !ok {
		f.names = append(f.names, name)
	}
	f.data[name] = data
}

// Append concatenates data onto the content of name, creating it if needed.
// Chunked file parts are reassembled this way.
func (f *Files) Append(name string, data []byte) {
	if f.data == nil {
		f.data = make(map[string][]byte)
	}
	cur, ok := f.data[name]
	if !ok {
		f.names = append(f.names, name)
		f.data[name] = append([]byte(nil), data...)
		return
	}
	f.data[name] = append(cur, data...)
}

// Get returns the content of name.
func (f *Files) Get(name string) ([]byte, bool) {
	if f == nil || f.data == nil {
		return nil, false
	}
	b, ok := f.data[name]
	return b, ok
}

// Len returns the number of files.
func (f *Files) Len() int {
	if f == nil {
		return 0
	}
	return len(f.names)
}

// Names returns file names in insertion order.
func (f *Files) Names() []string {
	if f == nil {
		return nil
	}
	out := make([]string, len(f.names))
	copy(out, f.names)
	return out
}

// All iterates over files in insertion order.
func (f *Files) All() iter.Seq2[string, []byte] {
	return func(yield func(string, []byte) bool) {
		if f == nil {
			return
		}
		for _, name := range f.names {
			if !yield(name, f.data[name]) {
				return
			}
		}
	}
}

// Map returns a plain map copy, convenient for comparisons.
func (f *Files) Map() map[string][]byte {
	out := make(map[string][]byte, f.Len())
	for name, data := range f.All() {
		out[name] = data
	}
	return out
}

// Equal reports whether f and other hold the same names, in the same order,
// with byte-identical content. A nil Files equals an empty one.
func (f *Files) Equal(other *Files) bool {
	if f.Len() != other.Len() {
		return false
	}
	a, b := f.Names(), other.Names()
	for i := range a {
		if a[i] != b[i] {
			return false
		}
		da, _ := f.Get(a[i])
		db, _ := other.Get(b[i])
		if !bytes.Equal(da, db) {
			return false
		}
	}
	return true
}
