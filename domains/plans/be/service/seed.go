package service

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.schema.json
var catalogSchema []byte

// DefaultCatalog is the built-in plan catalog in seed-file format.
//
//go:embed catalog.yaml
var DefaultCatalog []byte

const catalogSchemaURL = "memory://plans/catalog.schema.json"

var (
	compileOnce     sync.Once
	compiledCatalog *jsonschema.Schema
	compileErr      error
)

type seedFile struct {
	Plans []seedPlan `yaml:"plans" json:"plans"`
}

type seedPlan struct {
	ID          string      `yaml:"id" json:"id"`
	Type        string      `yaml:"type" json:"type"`
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description" json:"description"`
	Currency    string      `yaml:"currency" json:"currency"`
	SortOrder   int         `yaml:"sortOrder" json:"sortOrder"`
	Active      *bool       `yaml:"active" json:"active"`
	Prices      []seedPrice `yaml:"prices" json:"prices"`
}

type seedPrice struct {
	BillingPeriod string `yaml:"billingPeriod" json:"billingPeriod"`
	AmountCents   int64  `yaml:"amountCents" json:"amountCents"`
}

func catalogValidator() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(catalogSchemaURL, bytes.NewReader(catalogSchema)); err != nil {
			compileErr = fmt.Errorf("register catalog schema: %w", err)
			return
		}
		compiledCatalog, compileErr = compiler.Compile(catalogSchemaURL)
	})
	return compiledCatalog, compileErr
}

// ParseCatalog decodes a YAML seed file and validates it against the catalog schema.
func ParseCatalog(r io.Reader) ([]Plan, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var document any
	if err := yaml.Unmarshal(raw, &document); err != nil {
		return nil, &ValidationError{Fields: FieldErrors{"catalog": {err.Error()}}}
	}

	// YAML scalars decode to Go ints; the validator expects JSON values.
	asJSON, err := json.Marshal(document)
	if err != nil {
		return nil, &ValidationError{Fields: FieldErrors{"catalog": {err.Error()}}}
	}
	decoder := json.NewDecoder(bytes.NewReader(asJSON))
	decoder.UseNumber()
	var instance any
	if err := decoder.Decode(&instance); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	validator, err := catalogValidator()
	if err != nil {
		return nil, err
	}
	if err := validator.Validate(instance); err != nil {
		var vErr *jsonschema.ValidationError
		if errors.As(err, &vErr) {
			return nil, &ValidationError{Fields: FieldErrors{"catalog": {vErr.Error()}}}
		}
		return nil, err
	}

	var file seedFile
	if err := json.Unmarshal(asJSON, &file); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	plans := make([]Plan, 0, len(file.Plans))
	seen := make(map[string]struct{}, len(file.Plans))
	for _, sp := range file.Plans {
		if _, dup := seen[sp.ID]; dup {
			return nil, &ValidationError{Fields: FieldErrors{"catalog": {fmt.Sprintf("duplicate plan id %q", sp.ID)}}}
		}
		seen[sp.ID] = struct{}{}

		plan := Plan{
			ID:          sp.ID,
			Type:        sp.Type,
			Name:        sp.Name,
			Description: sp.Description,
			Currency:    sp.Currency,
			SortOrder:   sp.SortOrder,
			Active:      sp.Active == nil || *sp.Active,
		}
		for _, p := range sp.Prices {
			plan.Prices = append(plan.Prices, Price{BillingPeriod: BillingPeriod(p.BillingPeriod), AmountCents: p.AmountCents})
		}
		plans = append(plans, plan)
	}
	return plans, nil
}
