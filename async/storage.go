package async

// ContextKey identifies a coroutine-local value. Keys compare by identity.
type ContextKey struct {
	name string
}

// NewContextKey returns a new, distinct key. name is used for diagnostics only.
func NewContextKey(name string) *ContextKey {
	return &ContextKey{name: name}
}

func (k *ContextKey) String() string { return "async.ContextKey(" + k.name + ")" }

// Value returns the value stored under key, and whether it exists.
func (co *Coroutine) Value(key *ContextKey) (any, bool) {
	v, ok := co.values[key]
	return v, ok
}

// SetValue stores value under key, replacing any previous value. Values are
// dropped when the coroutine finishes, after its termination callbacks run.
func (co *Coroutine) SetValue(key *ContextKey, value any) {
	if co.state == stateFinished {
		return
	}
	if co.values == nil {
		co.values = make(map[*ContextKey]any)
	}
	co.values[key] = value
}

// UnsetValue removes the value stored under key, if any.
func (co *Coroutine) UnsetValue(key *ContextKey) {
	delete(co.values, key)
}
