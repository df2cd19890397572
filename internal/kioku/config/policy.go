package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/kioku/internal/kioku/memory"
)

//go:embed policy.schema.json
var policySchemaJSON string

const policySchemaURL = "https://kioku.local/schemas/importance-policy.json"

var policySchema = jsonschema.MustCompileString(policySchemaURL, policySchemaJSON)

// policyFile is the YAML shape of an importance-policy file. Omitted
// fields keep their defaults.
//
//	min_length: 50
//	importance: 0.7
//	triggers: [remember, birthday, 生日]
type policyFile struct {
	MinLength  *int      `yaml:"min_length"`
	Importance *float64  `yaml:"importance"`
	Triggers   *[]string `yaml:"triggers"`
}

// LoadPolicy reads and validates the importance-policy file at path.
func LoadPolicy(path string) (memory.KeywordPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return memory.KeywordPolicy{}, fmt.Errorf("config: read policy file: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy validates a YAML policy document against the embedded schema
// and merges it over memory.DefaultPolicy.
func ParsePolicy(data []byte) (memory.KeywordPolicy, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return memory.KeywordPolicy{}, fmt.Errorf("config: parse policy yaml: %w", err)
	}
	if doc == nil {
		return memory.DefaultPolicy(), nil
	}

	// The validator expects JSON-decoded values.
	raw, err := json.Marshal(doc)
	if err != nil {
		return memory.KeywordPolicy{}, fmt.Errorf("config: policy is not JSON-compatible: %w", err)
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return memory.KeywordPolicy{}, fmt.Errorf("config: policy is not JSON-compatible: %w", err)
	}
	if err := policySchema.Validate(instance); err != nil {
		return memory.KeywordPolicy{}, fmt.Errorf("config: invalid policy: %w", err)
	}

	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return memory.KeywordPolicy{}, fmt.Errorf("config: decode policy: %w", err)
	}

	p := memory.DefaultPolicy()
	if f.MinLength != nil {
		p.MinLength = *f.MinLength
	}
	if f.Importance != nil {
		p.Importance = *f.Importance
	}
	if f.Triggers != nil {
		p.Triggers = make([]string, 0, len(*f.Triggers))
		for _, t := range *f.Triggers {
			if t = strings.TrimSpace(t); t != "" {
				p.Triggers = append(p.Triggers, t)
			}
		}
	}
	return p, nil
}
