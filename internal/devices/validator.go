package devices

import (
	"encoding/json"
	"fmt"
	"strings"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/KevinKickass/OpenPNIO/internal/types"
)

//go:embed schema/slot-profile-v1.json
var slotProfileSchemaJSON string

type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("slot-profile-v1.json",
		strings.NewReader(slotProfileSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("slot-profile-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

func (v *Validator) ValidateProfile(data []byte) error {
	var profile interface{}
	if err := json.Unmarshal(data, &profile); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := v.schema.Validate(profile); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	return nil
}

// ValidateYAML validates a YAML profile against the same schema.
func (v *Validator) ValidateYAML(data []byte) ([]byte, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	// yaml.v3 liefert map[string]interface{}, das geht durch encoding/json
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("profile is not representable as JSON: %w", err)
	}
	if err := v.ValidateProfile(asJSON); err != nil {
		return nil, err
	}
	return asJSON, nil
}

func (v *Validator) ValidateProfileDefinition(profile *types.SlotProfileDefinition) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}

	return v.ValidateProfile(data)
}
