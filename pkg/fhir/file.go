package fhir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Decode reads a JSON or YAML document into v. YAML is converted through the
// JSON data model so numbers compare equal to what the store returns.
func Decode(data []byte, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return json.Unmarshal(trimmed, v)
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("convert yaml: %w", err)
	}
	return json.Unmarshal(asJSON, v)
}

// LoadFile decodes a JSON or YAML file into v.
func LoadFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := Decode(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// LoadResource reads a generic resource file.
func LoadResource(path string) (Resource, error) {
	var r Resource
	if err := LoadFile(path, &r); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadQuestionnaire reads a Questionnaire file.
func LoadQuestionnaire(path string) (*Questionnaire, error) {
	var q Questionnaire
	if err := LoadFile(path, &q); err != nil {
		return nil, err
	}
	if q.ResourceType != "" && q.ResourceType != TypeQuestionnaire {
		return nil, fmt.Errorf("%s: resourceType is %q, want %q", path, q.ResourceType, TypeQuestionnaire)
	}
	return &q, nil
}

// LoadParameters reads a launch-context Parameters file.
func LoadParameters(path string) (Parameters, error) {
	var p Parameters
	if err := LoadFile(path, &p); err != nil {
		return Parameters{}, err
	}
	if p.ResourceType == "" {
		p.ResourceType = TypeParameters
	}
	return p, nil
}
