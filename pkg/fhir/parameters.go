package fhir

// Parameters is the launch context and operation payload container.
type Parameters struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id,omitempty"`
	Parameter    []Parameter `json:"parameter,omitempty"`
}

// Parameter is one named entry; either Resource or Value is set.
type Parameter struct {
	Name     string   `json:"name"`
	Resource Resource `json:"resource,omitempty"`
	Value    any      `json:"value,omitempty"`
}

// NewParameters builds a Parameters resource from entries.
func NewParameters(params ...Parameter) Parameters {
	return Parameters{ResourceType: TypeParameters, Parameter: params}
}

// Content returns the attached resource, or the value when there is none.
// A parameter with neither yields nil.
func (p Parameter) Content() any {
	if p.Resource != nil {
		return p.Resource
	}
	return p.Value
}

// Lookup finds the first parameter named name.
func (p Parameters) Lookup(name string) (Parameter, int, bool) {
	for i, param := range p.Parameter {
		if param.Name == name {
			return param, i, true
		}
	}
	return Parameter{}, -1, false
}

// Names returns parameter names in order.
func (p Parameters) Names() []string {
	names := make([]string, 0, len(p.Parameter))
	for _, param := range p.Parameter {
		names = append(names, param.Name)
	}
	return names
}
