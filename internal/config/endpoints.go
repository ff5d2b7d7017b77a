package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Endpoint describes one candidate datasource. Immutable for the duration
// of a run.
type Endpoint struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name,omitempty"`
	URL  string `yaml:"url"`

	// APIKey is the literal credential. Prefer APIKeyEnv so the key never
	// lands in the store file.
	APIKey    string `yaml:"api_key,omitempty"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
}

// DisplayName returns the human-readable name, falling back to the ID.
func (e Endpoint) DisplayName() string {
	if e.Name != "" {
		return e.Name
	}

	return e.ID
}

// Credential returns the API key, resolving api_key_env when set.
func (e Endpoint) Credential() string {
	if e.APIKeyEnv != "" {
		if v, ok := os.LookupEnv(e.APIKeyEnv); ok {
			return v
		}
	}

	return e.APIKey
}

// Store is the on-disk list of candidate endpoints.
type Store struct {
	Sources []Endpoint `yaml:"sources"`
}

// LoadStore reads and validates the endpoint store at path.
func LoadStore(path string) (*Store, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var st Store
	if err := yaml.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := validate(st.Sources); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return &st, nil
}

// Save writes the store to path, creating or truncating the file.
func (s *Store) Save(path string) error {
	raw, err := yaml.Marshal(s)
	if err != nil {
		return err
	}

	return os.WriteFile(path, raw, 0o644)
}

// EndpointsFromFlags builds the endpoint list from the comma-separated flag
// values. Names and API keys are aligned with the endpoint list by position;
// when given, they must have exactly one entry per endpoint.
func EndpointsFromFlags(urls, names, apiKeys string) ([]Endpoint, error) {
	us := splitList(urls)
	if len(us) == 0 {
		return nil, errors.New("config: no endpoints given")
	}

	ns := splitList(names)
	if len(ns) > 0 && len(ns) != len(us) {
		return nil, fmt.Errorf("config: -names has %d entries for %d endpoints", len(ns), len(us))
	}

	ks := splitList(apiKeys)
	if len(ks) > 0 && len(ks) != len(us) {
		return nil, fmt.Errorf("config: -apiKeys has %d entries for %d endpoints", len(ks), len(us))
	}

	eps := make([]Endpoint, len(us))
	for i, u := range us {
		ep := Endpoint{ID: fmt.Sprintf("source-%d", i+1), URL: u}
		if len(ns) > 0 && ns[i] != "" {
			ep.Name = ns[i]
			ep.ID = slug(ns[i])
		}

		if len(ks) > 0 {
			ep.APIKey = ks[i]
		}

		eps[i] = ep
	}

	if err := validate(eps); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return eps, nil
}

func validate(eps []Endpoint) error {
	if len(eps) == 0 {
		return errors.New("no sources configured")
	}

	seen := make(map[string]struct{}, len(eps))

	for _, ep := range eps {
		if ep.ID == "" {
			return errors.New("source with empty id")
		}

		if ep.URL == "" {
			return fmt.Errorf("source %s: empty url", ep.ID)
		}

		if _, dup := seen[ep.ID]; dup {
			return fmt.Errorf("duplicate source id %q", ep.ID)
		}

		seen[ep.ID] = struct{}{}
	}

	return nil
}

// splitList splits a comma-separated flag value, trimming whitespace.
// Empty entries are preserved so positional alignment survives gaps
// (e.g. -apiKeys "key1,,key3").
func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}

	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	return parts
}

func slug(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, " ", "-")

	return s
}
