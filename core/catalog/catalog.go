// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package catalog is the static registry of backend services and the
// feature recipes composed from them.
package catalog

import (
	"sort"
	"time"

	"github.com/juju/errors"
)

// AuthMode selects how execute calls to a service authenticate.
type AuthMode string

const (
	// AuthAPIKeyHeader sends the key verbatim in a configured header.
	AuthAPIKeyHeader AuthMode = "api_key_header"

	// AuthBearer sends the key as an Authorization bearer token.
	AuthBearer AuthMode = "bearer"
)

// Auth describes the credential a service expects.
type Auth struct {
	Mode   AuthMode
	Header string
	Key    string
}

// Service describes one rate-limited backend worker.
type Service struct {
	Name string

	// Limit caps concurrent executions across all orchestrator
	// workers.
	Limit int

	// Timeout bounds one execute call. It doubles as the window a
	// step waits for a concurrency slot before giving up.
	Timeout time.Duration

	// LeaseTTL bounds how long a crashed holder can pin a concurrency
	// slot. Keep it comfortably above Timeout.
	LeaseTTL time.Duration

	// MaxStepAttempts caps executions of one step before the job
	// fails for good.
	MaxStepAttempts int

	BaseURL     string
	ExecutePath string
	HealthPath  string
	Auth        Auth
}

// Validate returns an error satisfying errors.NotValid if the service
// definition cannot be used.
func (s Service) Validate() error {
	if s.Name == "" {
		return errors.NotValidf("service with empty name")
	}
	if s.Limit <= 0 {
		return errors.NotValidf("service %q limit %d", s.Name, s.Limit)
	}
	if s.Timeout <= 0 {
		return errors.NotValidf("service %q timeout %v", s.Name, s.Timeout)
	}
	if s.LeaseTTL < s.Timeout {
		return errors.NotValidf("service %q lease TTL %v below timeout %v", s.Name, s.LeaseTTL, s.Timeout)
	}
	if s.MaxStepAttempts <= 0 {
		return errors.NotValidf("service %q max step attempts %d", s.Name, s.MaxStepAttempts)
	}
	if s.BaseURL == "" {
		return errors.NotValidf("service %q without base URL", s.Name)
	}
	if s.ExecutePath == "" {
		return errors.NotValidf("service %q without execute path", s.Name)
	}
	return nil
}

// ExecuteURL is the endpoint execute calls POST to.
func (s Service) ExecuteURL() string {
	return s.BaseURL + s.ExecutePath
}

// HealthURL is the liveness probe endpoint.
func (s Service) HealthURL() string {
	return s.BaseURL + s.HealthPath
}

// Catalog holds validated service definitions and feature recipes.
// It is immutable after construction and safe for concurrent use.
type Catalog struct {
	services map[string]Service
	features map[string][]string
}

// New builds a Catalog, checking every recipe step names a known
// service.
func New(services []Service, features map[string][]string) (*Catalog, error) {
	c := &Catalog{
		services: make(map[string]Service, len(services)),
		features: make(map[string][]string, len(features)),
	}
	for _, svc := range services {
		if err := svc.Validate(); err != nil {
			return nil, errors.Trace(err)
		}
		if _, ok := c.services[svc.Name]; ok {
			return nil, errors.AlreadyExistsf("service %q", svc.Name)
		}
		c.services[svc.Name] = svc
	}
	for feature, recipe := range features {
		if len(recipe) == 0 {
			return nil, errors.NotValidf("feature %q with empty recipe", feature)
		}
		for _, name := range recipe {
			if _, ok := c.services[name]; !ok {
				return nil, errors.NotValidf("feature %q step %q", feature, name)
			}
		}
		c.features[feature] = append([]string(nil), recipe...)
	}
	return c, nil
}

// Service returns the named service definition.
func (c *Catalog) Service(name string) (Service, error) {
	svc, ok := c.services[name]
	if !ok {
		return Service{}, errors.NotFoundf("service %q", name)
	}
	return svc, nil
}

// Recipe returns the ordered step services for the named feature.
func (c *Catalog) Recipe(feature string) ([]string, error) {
	recipe, ok := c.features[feature]
	if !ok {
		return nil, errors.NotFoundf("feature %q", feature)
	}
	return append([]string(nil), recipe...), nil
}

// Services returns every service definition, sorted by name.
func (c *Catalog) Services() []Service {
	names := c.ServiceNames()
	services := make([]Service, 0, len(names))
	for _, name := range names {
		services = append(services, c.services[name])
	}
	return services
}

// ServiceNames returns every service name, sorted.
func (c *Catalog) ServiceNames() []string {
	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Features returns every feature name, sorted.
func (c *Catalog) Features() []string {
	features := make([]string, 0, len(c.features))
	for feature := range c.features {
		features = append(features, feature)
	}
	sort.Strings(features)
	return features
}
