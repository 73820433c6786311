// Package template resolves the ordered step/field structure of a
// questionnaire for a (material, plant) pair and annotates auto-source
// fields with their resolved values.
package template

import (
	"fmt"
	"strings"

	"github.com/plantsafe/questengine/internal/form"
)

// FieldKind is the closed set of supported field types.
type FieldKind string

const (
	KindText         FieldKind = "text"
	KindLongText     FieldKind = "longtext"
	KindSingleChoice FieldKind = "single_choice"
	KindMultiChoice  FieldKind = "multi_choice"
)

func (k FieldKind) Valid() bool {
	switch k {
	case KindText, KindLongText, KindSingleChoice, KindMultiChoice:
		return true
	}
	return false
}

// Choice reports whether the kind carries an option list.
func (k FieldKind) Choice() bool {
	return k == KindSingleChoice || k == KindMultiChoice
}

// Option is one selectable (value, label) pair of a choice field.
type Option struct {
	Value string `json:"value" yaml:"value"`
	Label string `json:"label" yaml:"label"`
}

// FieldDefinition describes one questionnaire field.
type FieldDefinition struct {
	Name       string    `json:"name" yaml:"name"`
	Label      string    `json:"label" yaml:"label"`
	Kind       FieldKind `json:"kind" yaml:"kind"`
	Required   bool      `json:"required" yaml:"required"`
	AutoSource bool      `json:"auto_source" yaml:"auto_source"`
	Options    []Option  `json:"options,omitempty" yaml:"options,omitempty"`

	// AutoValue is the resolved auto-source value, empty when unresolved.
	// It is filled in by the loader, never by the backend payload.
	AutoValue string `json:"-" yaml:"-"`
}

// Resolved reports whether an auto-source value is present for this field.
func (f *FieldDefinition) Resolved() bool {
	return f != nil && f.AutoSource && strings.TrimSpace(f.AutoValue) != ""
}

// Editable reports whether the user may act on this field. An auto-source
// field is disabled only once a concrete value is present; an unresolved
// auto-source field stays editable.
func (f *FieldDefinition) Editable() bool {
	return f != nil && !f.Resolved()
}

// ResolvedValue converts the resolved auto-source value into a form value
// matching the field kind.
func (f *FieldDefinition) ResolvedValue() (form.Value, bool) {
	if !f.Resolved() {
		return form.Zero(), false
	}
	if f.Kind == KindMultiChoice {
		return form.List(splitAutoList(f.AutoValue)...), true
	}
	return form.String(strings.TrimSpace(f.AutoValue)), true
}

func splitAutoList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// StepDefinition is one ordered questionnaire step.
type StepDefinition struct {
	Title       string            `json:"title" yaml:"title"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Fields      []FieldDefinition `json:"fields" yaml:"fields"`
}

// Template is the ordered step sequence for a (material, plant) pair.
type Template struct {
	MaterialCode string           `json:"material_code"`
	PlantCode    string           `json:"plant_code"`
	Steps        []StepDefinition `json:"steps"`

	// Fallback is true when the backend could not supply a usable template
	// and the built-in one is in effect.
	Fallback bool `json:"fallback,omitempty"`
}

// ValidationError captures a single structural issue in a template payload.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates every structural issue found.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "; ")
}

// Validate checks structural invariants: at least one step, unique non-empty
// field names across the template, valid kinds, and options present exactly
// for choice-kinded fields.
func (t *Template) Validate() error {
	if t == nil {
		return ValidationErrors{{Message: "nil template"}}
	}

	var errs ValidationErrors
	if len(t.Steps) == 0 {
		errs = append(errs, ValidationError{Message: "template has no steps"})
	}

	seen := make(map[string]string)
	for si, step := range t.Steps {
		if strings.TrimSpace(step.Title) == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("steps[%d].title", si),
				Message: "missing title",
			})
		}
		for fi, f := range step.Fields {
			loc := fmt.Sprintf("steps[%d].fields[%d]", si, fi)
			name := strings.TrimSpace(f.Name)
			if name == "" {
				errs = append(errs, ValidationError{Field: loc + ".name", Message: "missing name"})
			} else if prev, dup := seen[name]; dup {
				errs = append(errs, ValidationError{
					Field:   loc + ".name",
					Message: fmt.Sprintf("field %q already defined at %s", name, prev),
				})
			} else {
				seen[name] = loc
			}
			if !f.Kind.Valid() {
				errs = append(errs, ValidationError{
					Field:   loc + ".kind",
					Message: fmt.Sprintf("unknown kind %q", string(f.Kind)),
				})
			}
			if f.Kind.Choice() && len(f.Options) == 0 {
				errs = append(errs, ValidationError{Field: loc + ".options", Message: "choice field has no options"})
			}
			if !f.Kind.Choice() && len(f.Options) > 0 {
				errs = append(errs, ValidationError{Field: loc + ".options", Message: "non-choice field carries options"})
			}
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Field returns the definition for a field name, if present.
func (t *Template) Field(name string) (*FieldDefinition, bool) {
	if t == nil {
		return nil, false
	}
	name = strings.TrimSpace(name)
	for si := range t.Steps {
		for fi := range t.Steps[si].Fields {
			if t.Steps[si].Fields[fi].Name == name {
				return &t.Steps[si].Fields[fi], true
			}
		}
	}
	return nil, false
}

// RequiredFieldNames lists every required field across all steps, in step
// order.
func (t *Template) RequiredFieldNames() []string {
	if t == nil {
		return nil
	}
	var out []string
	for _, step := range t.Steps {
		for _, f := range step.Fields {
			if f.Required {
				out = append(out, f.Name)
			}
		}
	}
	return out
}

// AutoSourceValues maps every resolved auto-source field to its form value.
func (t *Template) AutoSourceValues() map[string]form.Value {
	if t == nil {
		return nil
	}
	out := make(map[string]form.Value)
	for si := range t.Steps {
		for fi := range t.Steps[si].Fields {
			f := &t.Steps[si].Fields[fi]
			if v, ok := f.ResolvedValue(); ok {
				out[f.Name] = v
			}
		}
	}
	return out
}
