package workspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ormasoftchile/mapdebug/pkg/fhir"
)

func declaring(names ...string) *fhir.Questionnaire {
	q := &fhir.Questionnaire{ResourceType: fhir.TypeQuestionnaire, ID: "q1"}
	for _, n := range names {
		q.LaunchContext = append(q.LaunchContext, fhir.LaunchContext{Name: fhir.LaunchContextName{Code: n}})
	}
	return q
}

func TestInitLaunch(t *testing.T) {
	p := ReduceLaunch(fhir.Parameters{}, Init(declaring("Patient", "Encounter")))
	assert.Equal(t, fhir.TypeParameters, p.ResourceType)
	assert.Equal(t, []string{"Questionnaire", "Patient", "Encounter"}, p.Names())

	q, _, ok := p.Lookup("Questionnaire")
	require.True(t, ok)
	assert.Equal(t, "q1", q.Resource.ID())
	pt, _, _ := p.Lookup("Patient")
	assert.Nil(t, pt.Content())
}

func TestSetAndRemoveLaunchResource(t *testing.T) {
	base := ReduceLaunch(fhir.Parameters{}, Init(declaring("Patient")))
	patient := fhir.NewResource("Patient", "pt-1")

	withPatient := ReduceLaunch(base, SetLaunchResource{Name: "Patient", Resource: patient})
	got, _, _ := withPatient.Lookup("Patient")
	assert.Equal(t, "pt-1", got.Resource.ID())

	before, _, _ := base.Lookup("Patient")
	assert.Nil(t, before.Content(), "reducer does not modify its input")

	extra := ReduceLaunch(withPatient, SetLaunchResource{Name: "Practitioner", Resource: fhir.NewResource("Practitioner", "pr-1")})
	assert.Equal(t, []string{"Questionnaire", "Patient", "Practitioner"}, extra.Names())

	removed := ReduceLaunch(extra, RemoveLaunchResource{Name: "Patient"})
	got, _, _ = removed.Lookup("Patient")
	assert.Nil(t, got.Content())
	assert.Len(t, removed.Parameter, 3)
}

func TestInitLaunchKeepsSuppliedResources(t *testing.T) {
	p := ReduceLaunch(fhir.Parameters{},
		Init(declaring("Patient", "Encounter")),
		SetLaunchResource{Name: "Patient", Resource: fhir.NewResource("Patient", "pt-1")},
		SetLaunchResource{Name: "Encounter", Resource: fhir.NewResource("Encounter", "enc-1")},
		Init(declaring("Patient")),
	)
	assert.Equal(t, []string{"Questionnaire", "Patient"}, p.Names())
	got, _, _ := p.Lookup("Patient")
	assert.Equal(t, "pt-1", got.Resource.ID())
}
