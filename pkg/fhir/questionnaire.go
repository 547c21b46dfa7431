package fhir

import (
	"encoding/json"
	"fmt"
)

// MappingSlot is an embedded reference from a Questionnaire to a Mapping record.
// An empty ID means the slot has not been assigned an identity yet. Fields
// other than the typed ones are kept in Extra and written back verbatim.
type MappingSlot struct {
	ResourceType string
	ID           string
	Display      string

	Extra map[string]json.RawMessage
}

func (s *MappingSlot) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("mapping slot: %w", err)
	}
	*s = MappingSlot{}
	for key, dst := range map[string]*string{"resourceType": &s.ResourceType, "id": &s.ID, "display": &s.Display} {
		v, ok := raw[key]
		if !ok {
			continue
		}
		delete(raw, key)
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("mapping slot.%s: %w", key, err)
		}
	}
	if len(raw) > 0 {
		s.Extra = raw
	}
	return nil
}

func (s MappingSlot) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Extra)+3)
	for k, v := range s.Extra {
		out[k] = v
	}
	if s.ResourceType != "" {
		out["resourceType"] = s.ResourceType
	}
	if s.ID != "" {
		out["id"] = s.ID
	}
	if s.Display != "" {
		out["display"] = s.Display
	}
	return json.Marshal(out)
}

// IsMapping reports whether the slot refers to a Mapping record.
func (s MappingSlot) IsMapping() bool {
	return s.ResourceType == TypeMapping
}

// LaunchContext declares one named input the Questionnaire expects at launch.
type LaunchContext struct {
	Name        LaunchContextName `json:"name"`
	Type        []string          `json:"type,omitempty"`
	Description string            `json:"description,omitempty"`
}

// LaunchContextName accepts both the plain string form and the Coding form
// ({"code": "Patient", "system": "..."}) of a launch context name.
type LaunchContextName struct {
	Code   string `json:"code"`
	System string `json:"system,omitempty"`
}

func (n *LaunchContextName) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		n.Code = s
		return nil
	}
	type coding LaunchContextName
	var c coding
	if err := json.Unmarshal(data, &c); err != nil {
		return fmt.Errorf("launchContext.name: %w", err)
	}
	*n = LaunchContextName(c)
	return nil
}

// Questionnaire is a survey definition. Only the fields mapdebug rewrites are
// typed; everything else is carried in Extra and written back verbatim.
type Questionnaire struct {
	ResourceType  string
	ID            string
	Meta          *Meta
	LaunchContext []LaunchContext
	Mapping       []MappingSlot

	Extra map[string]json.RawMessage
}

var questionnaireFields = []string{"resourceType", "id", "meta", "launchContext", "mapping"}

func (q *Questionnaire) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	take := func(key string, dst any) error {
		v, ok := raw[key]
		if !ok {
			return nil
		}
		delete(raw, key)
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("questionnaire.%s: %w", key, err)
		}
		return nil
	}

	*q = Questionnaire{}
	if err := take("resourceType", &q.ResourceType); err != nil {
		return err
	}
	if err := take("id", &q.ID); err != nil {
		return err
	}
	if err := take("meta", &q.Meta); err != nil {
		return err
	}
	if err := take("launchContext", &q.LaunchContext); err != nil {
		return err
	}
	if err := take("mapping", &q.Mapping); err != nil {
		return err
	}
	if len(raw) > 0 {
		q.Extra = raw
	}
	return nil
}

func (q Questionnaire) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(q.Extra)+len(questionnaireFields))
	for k, v := range q.Extra {
		out[k] = v
	}
	rt := q.ResourceType
	if rt == "" {
		rt = TypeQuestionnaire
	}
	out["resourceType"] = rt
	if q.ID != "" {
		out["id"] = q.ID
	}
	if q.Meta != nil {
		out["meta"] = q.Meta
	}
	if len(q.LaunchContext) > 0 {
		out["launchContext"] = q.LaunchContext
	}
	if q.Mapping != nil {
		out["mapping"] = q.Mapping
	}
	return json.Marshal(out)
}

// Slot returns the mapping slot at index, or false when out of range.
func (q *Questionnaire) Slot(index int) (MappingSlot, bool) {
	if q == nil || index < 0 || index >= len(q.Mapping) {
		return MappingSlot{}, false
	}
	return q.Mapping[index], true
}

// SetSlotID rewrites the identity of the slot at index.
func (q *Questionnaire) SetSlotID(index int, id string) error {
	if _, ok := q.Slot(index); !ok {
		return fmt.Errorf("mapping slot %d out of range (have %d)", index, len(q.Mapping))
	}
	q.Mapping[index].ID = id
	return nil
}

// Clone returns a deep copy of the questionnaire.
func (q *Questionnaire) Clone() *Questionnaire {
	if q == nil {
		return nil
	}
	out := *q
	if q.Meta != nil {
		meta := *q.Meta
		out.Meta = &meta
	}
	if q.LaunchContext != nil {
		out.LaunchContext = make([]LaunchContext, len(q.LaunchContext))
		for i, lc := range q.LaunchContext {
			lc.Type = append([]string(nil), lc.Type...)
			out.LaunchContext[i] = lc
		}
	}
	if q.Mapping != nil {
		out.Mapping = make([]MappingSlot, len(q.Mapping))
		for i, slot := range q.Mapping {
			slot.Extra = cloneRaw(slot.Extra)
			out.Mapping[i] = slot
		}
	}
	out.Extra = cloneRaw(q.Extra)
	return &out
}

func cloneRaw(m map[string]json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// AsResource converts the questionnaire to a generic resource, e.g. to place
// it into a Parameters payload.
func (q *Questionnaire) AsResource() Resource {
	data, err := json.Marshal(q)
	if err != nil {
		return nil
	}
	var r Resource
	if err := json.Unmarshal(data, &r); err != nil {
		return nil
	}
	return r
}
