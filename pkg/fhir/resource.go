// Package fhir models the resources exchanged with the resource store: the
// Questionnaire with its embedded mapping slots, standalone Mapping records,
// QuestionnaireResponses, launch-context Parameters and OperationOutcomes.
//
// Documents whose shape mapdebug does not interpret are kept as Resource
// (a generic JSON object) so they survive round-trips untouched.
package fhir

import (
	"encoding/json"
	"fmt"
)

// Resource type names used on the wire.
const (
	TypeQuestionnaire         = "Questionnaire"
	TypeQuestionnaireResponse = "QuestionnaireResponse"
	TypeMapping               = "Mapping"
	TypeOperationOutcome      = "OperationOutcome"
	TypeParameters            = "Parameters"
	TypeBundle                = "Bundle"
)

// Resource is a resource document decoded as a plain JSON object.
type Resource map[string]any

// NewResource returns a resource with resourceType and id set.
func NewResource(resourceType, id string) Resource {
	r := Resource{"resourceType": resourceType}
	if id != "" {
		r["id"] = id
	}
	return r
}

// Type returns the resourceType, or "" when absent.
func (r Resource) Type() string {
	s, _ := r["resourceType"].(string)
	return s
}

// ID returns the id, or "" when absent.
func (r Resource) ID() string {
	s, _ := r["id"].(string)
	return s
}

// VersionID returns meta.versionId, or "" when absent.
func (r Resource) VersionID() string {
	meta, _ := r["meta"].(map[string]any)
	s, _ := meta["versionId"].(string)
	return s
}

// Clone returns a deep copy. Values that do not survive a JSON round-trip are
// dropped, which never happens for documents read from the store.
func (r Resource) Clone() Resource {
	if r == nil {
		return nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	var out Resource
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// Plain reduces v to the data model of encoding/json (maps, slices, strings,
// float64, bool, nil), stripping any wrapper types on the way.
func Plain(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal %T: %w", v, err)
	}
	return out, nil
}

// Meta is the subset of resource metadata mapdebug reads.
type Meta struct {
	VersionID   string `json:"versionId,omitempty"`
	LastUpdated string `json:"lastUpdated,omitempty"`
}
