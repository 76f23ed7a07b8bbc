// Package contracts embeds the OpenAPI documents served and enforced by the API.
package contracts

import (
	_ "embed"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed onboarding.yaml
var onboardingYAML []byte

// OnboardingYAML returns the raw onboarding contract.
func OnboardingYAML() []byte {
	return onboardingYAML
}

// Onboarding loads and validates the onboarding contract.
func Onboarding() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	spec, err := loader.LoadFromData(onboardingYAML)
	if err != nil {
		return nil, fmt.Errorf("load onboarding contract: %w", err)
	}
	if err := spec.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("validate onboarding contract: %w", err)
	}
	return spec, nil
}

// Document is a named contract as published under /openapi/{name}.
type Document struct {
	Name string
	YAML []byte
	Load func() (*openapi3.T, error)
}

// All lists every published contract.
func All() []Document {
	return []Document{
		{Name: "onboarding", YAML: onboardingYAML, Load: Onboarding},
	}
}
