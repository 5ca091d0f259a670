package record

// Key is a typed property-bin key. Keys are compared by name, so two keys with
// the same name and different types must not be used on the same bin.
type Key[T any] struct {
	name string
}

func NewKey[T any](name string) Key[T] { return Key[T]{name: name} }

func (k Key[T]) Name() string { return k.name }

// LaneKey carries an output lane chosen during transformation.
var LaneKey = NewKey[int]("lane")

// PropertyBin is per-cluster metadata handed from one stage to the next. It
// is owned by whoever currently owns the cluster and is not synchronized.
type PropertyBin struct {
	values map[string]any
}

// Set stores v under k.
func Set[T any](b *PropertyBin, k Key[T], v T) {
	if b.values == nil {
		b.values = make(map[string]any)
	}
	b.values[k.name] = v
}

// Get returns the value stored under k. A value stored with a different type
// under the same name is reported as missing.
func Get[T any](b *PropertyBin, k Key[T]) (T, bool) {
	v, ok := b.values[k.name]
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

func (b *PropertyBin) Has(name string) bool {
	_, ok := b.values[name]
	return ok
}

func (b *PropertyBin) Delete(name string) { delete(b.values, name) }

func (b *PropertyBin) Len() int { return len(b.values) }
