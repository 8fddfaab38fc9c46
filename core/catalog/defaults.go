// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package catalog

import (
	"time"

	"github.com/juju/errors"
)

// DefaultsArgs parameterises the built-in catalog.
type DefaultsArgs struct {
	// APIKey authenticates the orchestrator to every built-in
	// service.
	APIKey string

	// BaseURLs overrides per-service base URLs, keyed by service
	// name. Services without an entry keep their default.
	BaseURLs map[string]string
}

type defaultService struct {
	name            string
	limit           int
	timeout         time.Duration
	leaseTTL        time.Duration
	maxStepAttempts int
	baseURL         string
}

var defaultServices = []defaultService{
	{"prompt_enhancer", 5, 120 * time.Second, 150 * time.Second, 3, "http://prompt-enhancer:9000"},
	{"fast_chat_llm", 4, 180 * time.Second, 210 * time.Second, 3, "http://fast-chat:9000"},
	{"image_gen", 1, 360 * time.Second, 400 * time.Second, 2, "http://image-gen:9000"},
	{"model_3d_gen", 1, 420 * time.Second, 460 * time.Second, 2, "http://model-3d-gen:9000"},
}

var defaultFeatures = map[string][]string{
	"full_pipeline": {"prompt_enhancer", "fast_chat_llm", "image_gen", "model_3d_gen"},
	"text_only":     {"prompt_enhancer", "fast_chat_llm"},
}

// DefaultServiceNames returns the names of the built-in services.
func DefaultServiceNames() []string {
	names := make([]string, 0, len(defaultServices))
	for _, d := range defaultServices {
		names = append(names, d.name)
	}
	return names
}

// Defaults returns the built-in service and feature catalog.
func Defaults(args DefaultsArgs) (*Catalog, error) {
	services := make([]Service, 0, len(defaultServices))
	for _, d := range defaultServices {
		baseURL := d.baseURL
		if override := args.BaseURLs[d.name]; override != "" {
			baseURL = override
		}
		services = append(services, Service{
			Name:            d.name,
			Limit:           d.limit,
			Timeout:         d.timeout,
			LeaseTTL:        d.leaseTTL,
			MaxStepAttempts: d.maxStepAttempts,
			BaseURL:         baseURL,
			ExecutePath:     "/v1/execute",
			HealthPath:      "/health",
			Auth: Auth{
				Mode:   AuthAPIKeyHeader,
				Header: "X-Internal-Key",
				Key:    args.APIKey,
			},
		})
	}
	c, err := New(services, defaultFeatures)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return c, nil
}
