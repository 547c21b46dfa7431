package prefs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Keys under which preferences are stored. Values are JSON encoded.
const (
	KeyActiveMapping = "prevActiveMappingId"
	KeyFHIRMode      = "fhirMode"
)

// Preferences is loaded once at start and written through on every change.
type Preferences struct {
	kv KV

	mu                  sync.Mutex
	lastActiveMappingID string
	fhirMode            bool
}

// Load reads the preferences from kv. Missing or null values yield defaults.
func Load(ctx context.Context, kv KV) (*Preferences, error) {
	p := &Preferences{kv: kv}
	if err := get(ctx, kv, KeyActiveMapping, &p.lastActiveMappingID); err != nil {
		return nil, err
	}
	if err := get(ctx, kv, KeyFHIRMode, &p.fhirMode); err != nil {
		return nil, err
	}
	return p, nil
}

func get(ctx context.Context, kv KV, key string, dst any) error {
	raw, ok, err := kv.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	if !ok || raw == "" || raw == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// LastActiveMappingID returns the remembered mapping id, or "".
func (p *Preferences) LastActiveMappingID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActiveMappingID
}

// FHIRMode reports whether FHIR endpoints are preferred.
func (p *Preferences) FHIRMode() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fhirMode
}

// SetActiveMapping remembers id; "" clears the preference.
func (p *Preferences) SetActiveMapping(ctx context.Context, id string) error {
	p.mu.Lock()
	if p.lastActiveMappingID == id {
		p.mu.Unlock()
		return nil
	}
	p.lastActiveMappingID = id
	p.mu.Unlock()

	var value any
	if id != "" {
		value = id
	}
	return p.save(ctx, KeyActiveMapping, value)
}

// SetFHIRMode remembers the FHIR mode flag.
func (p *Preferences) SetFHIRMode(ctx context.Context, on bool) error {
	p.mu.Lock()
	if p.fhirMode == on {
		p.mu.Unlock()
		return nil
	}
	p.fhirMode = on
	p.mu.Unlock()
	return p.save(ctx, KeyFHIRMode, on)
}

func (p *Preferences) save(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := p.kv.Set(ctx, key, string(data)); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}
