package tlssock

// material tracks one piece of security configuration together with its
// ownership. A borrowed value belongs to the caller and is only ever
// dereferenced; an allocated value was produced by the wrapper, which must
// release it exactly once at teardown.
type material[T any] struct {
	value   T
	valid   bool
	release func() // non-nil iff allocated by the wrapper
}

// borrow wraps a caller-owned value. drop never releases it.
func borrow[T any](v T) material[T] {
	return material[T]{value: v, valid: true}
}

// alloc wraps a wrapper-allocated value with its release hook.
func alloc[T any](v T, release func()) material[T] {
	return material[T]{value: v, valid: true, release: release}
}

func (m *material[T]) get() (T, bool) {
	return m.value, m.valid
}

func (m *material[T]) allocated() bool {
	return m.release != nil
}

// drop clears the slot. The release hook of an allocated value runs exactly
// once, no matter how many times drop is called.
func (m *material[T]) drop() {
	if m.release != nil {
		m.release()
		m.release = nil
	}
	var zero T
	m.value = zero
	m.valid = false
}
