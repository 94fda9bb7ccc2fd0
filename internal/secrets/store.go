// Package secrets provides read-only secret lookup and log redaction.
//
// Secrets are referenced by name in pipeline configuration and resolved from
// the process environment at execution time. Resolved values are tracked by
// the store so that any output persisted by the pipeline can be scrubbed.
package secrets

import (
	"fmt"
	"os"
	"sync"

	pipeerrors "git.home.luguber.info/inful/shipyard/internal/errors"
)

// Store resolves named secrets. It never exposes its full contents and never
// writes values anywhere; callers receive individual values on demand.
type Store struct {
	lookup func(name string) (string, bool)

	mu       sync.Mutex
	resolved map[string]bool // values handed out, tracked for redaction
	values   []string
}

// NewEnvStore creates a store backed by the process environment.
func NewEnvStore() *Store {
	return &Store{lookup: os.LookupEnv, resolved: make(map[string]bool)}
}

// NewStaticStore creates a store backed by a fixed map (used in tests).
func NewStaticStore(values map[string]string) *Store {
	return &Store{
		lookup: func(name string) (string, bool) {
			v, ok := values[name]
			return v, ok
		},
		resolved: make(map[string]bool),
	}
}

// Resolve returns the value of the named secret. A missing or empty secret is
// a configuration error.
func (s *Store) Resolve(name string) (string, error) {
	value, ok := s.lookup(name)
	if !ok || value == "" {
		return "", pipeerrors.NewConfigError(fmt.Sprintf("required secret %s is not set", name), nil)
	}
	s.track(value)
	return value, nil
}

// ResolveAll resolves a set of secret names, failing on the first missing one.
func (s *Store) ResolveAll(names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		value, err := s.Resolve(name)
		if err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, nil
}

// Check verifies that every named secret is resolvable without handing out
// values. Used as a preflight before execution starts.
func (s *Store) Check(names []string) error {
	for _, name := range names {
		if value, ok := s.lookup(name); !ok || value == "" {
			return pipeerrors.NewConfigError(fmt.Sprintf("required secret %s is not set", name), nil)
		}
	}
	return nil
}

// Redactor returns a redactor covering every secret value resolved so far.
// Call it after resolution so freshly resolved values are covered.
func (s *Store) Redactor() *Redactor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return NewRedactor(append([]string(nil), s.values...))
}

func (s *Store) track(value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.resolved[value] {
		s.resolved[value] = true
		s.values = append(s.values, value)
	}
}
