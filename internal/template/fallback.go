package template

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed fallback.yaml
var fallbackYAML []byte

var fallbackOnce struct {
	sync.Once
	tpl *Template
	err error
}

// Fallback returns a copy of the built-in template. A degraded but usable
// questionnaire is strictly better than a blocked user, so this is the
// substitute whenever the backend cannot produce a valid structure.
func Fallback(materialCode, plantCode string) (*Template, error) {
	fallbackOnce.Do(func() {
		var doc struct {
			Steps []StepDefinition `yaml:"steps"`
		}
		if err := yaml.Unmarshal(fallbackYAML, &doc); err != nil {
			fallbackOnce.err = fmt.Errorf("parse built-in template: %w", err)
			return
		}
		tpl := &Template{Steps: doc.Steps, Fallback: true}
		if err := tpl.Validate(); err != nil {
			fallbackOnce.err = fmt.Errorf("invalid built-in template: %w", err)
			return
		}
		fallbackOnce.tpl = tpl
	})
	if fallbackOnce.err != nil {
		return nil, fallbackOnce.err
	}

	out := *fallbackOnce.tpl
	out.MaterialCode = materialCode
	out.PlantCode = plantCode
	out.Steps = make([]StepDefinition, len(fallbackOnce.tpl.Steps))
	copy(out.Steps, fallbackOnce.tpl.Steps)
	for i := range out.Steps {
		fields := make([]FieldDefinition, len(fallbackOnce.tpl.Steps[i].Fields))
		copy(fields, fallbackOnce.tpl.Steps[i].Fields)
		out.Steps[i].Fields = fields
	}
	return &out, nil
}
