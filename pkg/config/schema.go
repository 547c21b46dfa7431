package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// ValidationError is one problem found in a configuration.
type ValidationError struct {
	Phase   string `json:"phase"` // structural, semantic, domain
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("[%s] %s", e.Phase, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message)
}

// GenerateJSONSchema produces the JSON Schema of mapdebug.yaml.
func GenerateJSONSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	r.RequiredFromJSONSchemaTags = true

	s := r.Reflect(&Config{})
	s.ID = "https://github.com/ormasoftchile/mapdebug/schemas/config-v0.json"
	s.Title = "mapdebug configuration"
	s.Description = "Schema for mapdebug.yaml"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return data, nil
}

// ValidateFile checks a YAML config file structurally and against the schema.
func ValidateFile(path string) []*ValidationError {
	data, err := os.ReadFile(path)
	if err != nil {
		return []*ValidationError{{Phase: "structural", Message: err.Error()}}
	}
	return ValidateYAML(data)
}

// ValidateYAML checks YAML config content against the schema.
func ValidateYAML(data []byte) []*ValidationError {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return []*ValidationError{{Phase: "structural", Message: err.Error()}}
	}
	if raw == nil {
		return nil
	}
	// Round-trip through JSON so the validator sees JSON types.
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return []*ValidationError{{Phase: "structural", Message: fmt.Sprintf("convert to JSON: %v", err)}}
	}
	var doc any
	if err := json.Unmarshal(asJSON, &doc); err != nil {
		return []*ValidationError{{Phase: "structural", Message: err.Error()}}
	}
	return validateSemantic(doc)
}

func validateSemantic(doc any) []*ValidationError {
	semantic := func(msg string, args ...any) []*ValidationError {
		return []*ValidationError{{Phase: "semantic", Message: fmt.Sprintf(msg, args...)}}
	}

	schemaJSON, err := GenerateJSONSchema()
	if err != nil {
		return semantic("generate schema: %v", err)
	}
	var schemaDoc any
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return semantic("unmarshal schema: %v", err)
	}
	c := sjsonschema.NewCompiler()
	if err := c.AddResource("config-v0.json", schemaDoc); err != nil {
		return semantic("add schema resource: %v", err)
	}
	sch, err := c.Compile("config-v0.json")
	if err != nil {
		return semantic("compile schema: %v", err)
	}

	if err := sch.Validate(doc); err != nil {
		ve, ok := err.(*sjsonschema.ValidationError)
		if !ok {
			return semantic("%v", err)
		}
		var errs []*ValidationError
		for _, cause := range flatten(ve) {
			errs = append(errs, &ValidationError{
				Phase:   "semantic",
				Path:    strings.Join(cause.InstanceLocation, "."),
				Message: fmt.Sprintf("%v", cause.ErrorKind),
			})
		}
		return errs
	}
	return nil
}

func flatten(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flatten(cause)...)
	}
	return flat
}

// ValidateDomain checks rules the schema cannot express, after every
// source has been merged.
func ValidateDomain(c *Config) []*ValidationError {
	var errs []*ValidationError
	add := func(path, msg string, args ...any) {
		errs = append(errs, &ValidationError{Phase: "domain", Path: path, Message: fmt.Sprintf(msg, args...)})
	}
	switch c.Prefs.Backend {
	case BackendFile, BackendMemory:
	case BackendRedis:
		if c.Prefs.RedisURL == "" {
			add("prefs.redis_url", "required when prefs.backend is %q", BackendRedis)
		}
	default:
		add("prefs.backend", "unknown backend %q", c.Prefs.Backend)
	}
	if c.Timeout != "" {
		if d, err := time.ParseDuration(c.Timeout); err != nil || d <= 0 {
			add("timeout", "invalid duration %q", c.Timeout)
		}
	}
	if c.Reconcile.Parallelism < 1 {
		add("reconcile.parallelism", "must be at least 1, got %d", c.Reconcile.Parallelism)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		add("log.level", "unknown level %q", c.Log.Level)
	}
	return errs
}
