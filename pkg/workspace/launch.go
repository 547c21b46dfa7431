package workspace

import (
	"github.com/ormasoftchile/mapdebug/pkg/fhir"
)

// questionnaireParam is the launch parameter that always carries the
// Questionnaire itself.
const questionnaireParam = "Questionnaire"

// LaunchEvent changes the launch context.
type LaunchEvent interface {
	applyLaunch(fhir.Parameters) fhir.Parameters
}

// InitLaunch rebuilds the launch context for q: the Questionnaire plus one
// parameter per declared launchContext entry. Resources already supplied
// for a name that is still declared are kept.
type InitLaunch struct {
	Questionnaire *fhir.Questionnaire
}

// SetLaunchResource attaches r to the named parameter, adding it when absent.
type SetLaunchResource struct {
	Name     string
	Resource fhir.Resource
}

// RemoveLaunchResource detaches whatever the named parameter carries.
type RemoveLaunchResource struct {
	Name string
}

// Init returns the event that initialises the launch context for q.
func Init(q *fhir.Questionnaire) LaunchEvent {
	return InitLaunch{Questionnaire: q}
}

func (e InitLaunch) applyLaunch(prev fhir.Parameters) fhir.Parameters {
	out := fhir.NewParameters(fhir.Parameter{Name: questionnaireParam, Resource: e.Questionnaire.AsResource()})
	for _, lc := range e.Questionnaire.LaunchContext {
		name := lc.Name.Code
		if name == "" || name == questionnaireParam {
			continue
		}
		p := fhir.Parameter{Name: name}
		if old, _, ok := prev.Lookup(name); ok {
			p.Resource, p.Value = old.Resource, old.Value
		}
		out.Parameter = append(out.Parameter, p)
	}
	return out
}

func (e SetLaunchResource) applyLaunch(prev fhir.Parameters) fhir.Parameters {
	out := copyParams(prev)
	if _, i, ok := out.Lookup(e.Name); ok {
		out.Parameter[i] = fhir.Parameter{Name: e.Name, Resource: e.Resource}
		return out
	}
	out.Parameter = append(out.Parameter, fhir.Parameter{Name: e.Name, Resource: e.Resource})
	return out
}

func (e RemoveLaunchResource) applyLaunch(prev fhir.Parameters) fhir.Parameters {
	out := copyParams(prev)
	if _, i, ok := out.Lookup(e.Name); ok {
		out.Parameter[i] = fhir.Parameter{Name: e.Name}
	}
	return out
}

// ReduceLaunch folds events over p without modifying it.
func ReduceLaunch(p fhir.Parameters, events ...LaunchEvent) fhir.Parameters {
	for _, e := range events {
		p = e.applyLaunch(p)
	}
	return p
}

func copyParams(p fhir.Parameters) fhir.Parameters {
	out := p
	if out.ResourceType == "" {
		out.ResourceType = fhir.TypeParameters
	}
	out.Parameter = append([]fhir.Parameter(nil), p.Parameter...)
	return out
}
