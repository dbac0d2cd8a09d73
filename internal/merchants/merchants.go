// Package merchants stores per-merchant loyalty settings: the free-form
// rules document (whose "af" section carries antifraud overrides) and the
// merchant's local timezone.
package merchants

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// Errors
var (
	ErrNotFound     = errors.New("merchants: settings not found")
	ErrInvalidRules = errors.New("merchants: rules document is not a JSON object")
)

// DefaultTimezone is used when a merchant has no timezone configured or the
// configured name is unknown.
const DefaultTimezone = "Europe/Moscow"

// Settings is the persisted configuration of one merchant.
type Settings struct {
	MerchantID string          `json:"merchantId"`
	RulesJSON  json.RawMessage `json:"rulesJson,omitempty"`
	Timezone   string          `json:"timezone,omitempty"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Store persists merchant settings.
type Store interface {
	GetSettings(ctx context.Context, merchantID string) (*Settings, error)
	PutSettings(ctx context.Context, s *Settings) error
}

// Section returns the named top-level object of the rules document.
// A missing document, a missing key or a non-object value yield (nil, nil);
// a document that is not valid JSON yields an error.
func (s *Settings) Section(name string) (json.RawMessage, error) {
	if s == nil || len(bytes.TrimSpace(s.RulesJSON)) == 0 {
		return nil, nil
	}
	doc, err := s.document()
	if err != nil {
		return nil, err
	}
	raw, ok := doc[name]
	if !ok || !isObject(raw) {
		return nil, nil
	}
	return raw, nil
}

// SetSection replaces (or adds) a top-level section of the rules document,
// keeping every other section untouched.
func (s *Settings) SetSection(name string, value any) error {
	doc := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(s.RulesJSON)) > 0 {
		parsed, err := s.document()
		if err != nil {
			return err
		}
		doc = parsed
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("merchants: encode section %q: %w", name, err)
	}
	doc[name] = encoded
	out, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("merchants: encode rules: %w", err)
	}
	s.RulesJSON = out
	return nil
}

// Location returns the merchant's timezone, falling back to DefaultTimezone
// and finally to UTC when the tz database is unavailable.
func (s *Settings) Location() *time.Location {
	name := ""
	if s != nil {
		name = strings.TrimSpace(s.Timezone)
	}
	if name != "" {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return DefaultLocation()
}

// DefaultLocation loads DefaultTimezone.
func DefaultLocation() *time.Location {
	if loc, err := time.LoadLocation(DefaultTimezone); err == nil {
		return loc
	}
	return time.UTC
}

func (s *Settings) document() (map[string]json.RawMessage, error) {
	if !isObject(s.RulesJSON) {
		return nil, ErrInvalidRules
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(s.RulesJSON, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	return doc, nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func clone(s *Settings) *Settings {
	cp := *s
	if s.RulesJSON != nil {
		cp.RulesJSON = append(json.RawMessage(nil), s.RulesJSON...)
	}
	return &cp
}
