// Package settings holds the automation settings snapshot, validates writes
// and persists the current value in a key/value table.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/jordanhubbard/tripdesk/pkg/models"
)

// ConfigKey is the key under which settings are persisted
const ConfigKey = "automation_settings"

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidationError lists every rejected field
type ValidationError struct {
	Fields map[string]string // JSON field name -> problem
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + " " + e.Fields[name]
	}
	return "invalid automation settings: " + strings.Join(parts, "; ")
}

// IsValidationError reports whether err is a ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks settings before they may reach the engine
func Validate(s models.AutomationSettings) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	ve := &ValidationError{Fields: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		ve.Fields[jsonName(fe.StructField())] = describe(fe)
	}
	return ve
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	}
	return "failed " + fe.Tag()
}

func jsonName(field string) string {
	var b strings.Builder
	for i, r := range field {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// KV is the persistence the store needs; internal/database and
// internal/storage both provide it.
type KV interface {
	SetConfigValue(key, value string) error
	GetConfigValue(key string) (string, bool, error)
}

// Store serves immutable snapshots of the current settings
type Store struct {
	kv        KV
	mu        sync.RWMutex
	current   models.AutomationSettings
	listeners []func(models.AutomationSettings)
}

// NewStore loads persisted settings, falling back to defaults when none are stored
func NewStore(kv KV) (*Store, error) {
	s := &Store{kv: kv, current: models.DefaultAutomationSettings()}
	if kv == nil {
		return s, nil
	}
	raw, ok, err := kv.GetConfigValue(ConfigKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load automation settings: %w", err)
	}
	if !ok {
		return s, nil
	}
	var loaded models.AutomationSettings
	if err := json.Unmarshal([]byte(raw), &loaded); err != nil {
		return nil, fmt.Errorf("failed to decode automation settings: %w", err)
	}
	if err := Validate(loaded); err != nil {
		log.Printf("[Settings] Stored settings are invalid, using defaults: %v", err)
		return s, nil
	}
	s.current = loaded
	return s, nil
}

// Get returns the current snapshot
func (s *Store) Get() models.AutomationSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update validates, persists and publishes a new snapshot. Invalid settings
// never replace the current ones.
func (s *Store) Update(next models.AutomationSettings) error {
	if err := Validate(next); err != nil {
		return err
	}
	if s.kv != nil {
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to encode automation settings: %w", err)
		}
		if err := s.kv.SetConfigValue(ConfigKey, string(data)); err != nil {
			return fmt.Errorf("failed to persist automation settings: %w", err)
		}
	}

	s.mu.Lock()
	s.current = next
	listeners := append([]func(models.AutomationSettings){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
	log.Printf("[Settings] Updated: enabled=%v max_requests=%d timeout=%dh min_score=%d retry_after=%dh escalate_after=%d",
		next.Enabled, next.MaxRequestsPerTrip, next.ResponseTimeoutHours, next.MinMatchScore, next.RetryAfterHours, next.EscalateAfterRetries)
	return nil
}

// OnChange registers fn to receive every accepted snapshot
func (s *Store) OnChange(fn func(models.AutomationSettings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}
