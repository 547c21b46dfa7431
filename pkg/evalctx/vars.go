package evalctx

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Vars is the ordered set of named variables handed to an expression.
// A name that was never set is Undefined: Get reports false.
type Vars struct {
	m *orderedmap.OrderedMap[string, any]
}

// NewVars returns an empty variable set.
func NewVars() *Vars {
	return &Vars{m: orderedmap.New[string, any]()}
}

// Set binds name to value, keeping the original position on rebinding.
func (v *Vars) Set(name string, value any) {
	v.m.Set(name, value)
}

// Get returns the value bound to name.
func (v *Vars) Get(name string) (any, bool) {
	if v == nil {
		return nil, false
	}
	return v.m.Get(name)
}

// Len returns the number of bound names.
func (v *Vars) Len() int {
	if v == nil {
		return 0
	}
	return v.m.Len()
}

// Names returns the bound names in binding order.
func (v *Vars) Names() []string {
	if v == nil {
		return nil
	}
	names := make([]string, 0, v.m.Len())
	for pair := v.m.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// Map flattens the variables for evaluators that take a plain map.
func (v *Vars) Map() map[string]any {
	if v == nil {
		return map[string]any{}
	}
	out := make(map[string]any, v.m.Len())
	for pair := v.m.Oldest(); pair != nil; pair = pair.Next() {
		out[pair.Key] = pair.Value
	}
	return out
}
