package template

import (
	"context"
	"log/slog"
	"strings"
)

// Source is the backend surface the loader depends on.
type Source interface {
	GetTemplate(ctx context.Context, materialCode, plantCode string) (*Template, error)
	GetAutoSourceValues(ctx context.Context, materialCode, plantCode string) (map[string]string, error)
}

// Loader resolves the questionnaire structure for a (material, plant) pair.
type Loader struct {
	log *slog.Logger
	src Source
}

func NewLoader(src Source, log *slog.Logger) *Loader {
	if log == nil {
		log = slog.Default()
	}
	return &Loader{log: log, src: src}
}

// Load fetches the template and its auto-source values. Backend failures
// never block the session: an unusable template degrades to the built-in
// fallback, and missing auto-source data simply leaves fields unresolved.
func (l *Loader) Load(ctx context.Context, materialCode, plantCode string) (*Template, error) {
	materialCode = strings.TrimSpace(materialCode)
	plantCode = strings.TrimSpace(plantCode)

	tpl := l.fetchTemplate(ctx, materialCode, plantCode)
	if tpl == nil {
		fb, err := Fallback(materialCode, plantCode)
		if err != nil {
			return nil, err
		}
		tpl = fb
	}

	l.annotateAutoSource(ctx, tpl)
	return tpl, nil
}

func (l *Loader) fetchTemplate(ctx context.Context, materialCode, plantCode string) *Template {
	if l.src == nil {
		return nil
	}
	tpl, err := l.src.GetTemplate(ctx, materialCode, plantCode)
	if err != nil {
		l.log.Warn("template fetch failed; using built-in fallback",
			"material_code", materialCode, "plant_code", plantCode, "error", err)
		return nil
	}
	if tpl == nil {
		l.log.Warn("backend returned no template; using built-in fallback",
			"material_code", materialCode, "plant_code", plantCode)
		return nil
	}
	tpl.MaterialCode = materialCode
	tpl.PlantCode = plantCode
	if err := tpl.Validate(); err != nil {
		l.log.Warn("backend template invalid; using built-in fallback",
			"material_code", materialCode, "plant_code", plantCode, "error", err)
		return nil
	}
	return tpl
}

func (l *Loader) annotateAutoSource(ctx context.Context, tpl *Template) {
	if l.src == nil || tpl == nil {
		return
	}
	values, err := l.src.GetAutoSourceValues(ctx, tpl.MaterialCode, tpl.PlantCode)
	if err != nil {
		// Partial or absent auto-source data is valid; fields stay editable.
		l.log.Warn("auto-source fetch failed; fields remain manual",
			"material_code", tpl.MaterialCode, "plant_code", tpl.PlantCode, "error", err)
		return
	}

	resolved := 0
	for si := range tpl.Steps {
		for fi := range tpl.Steps[si].Fields {
			f := &tpl.Steps[si].Fields[fi]
			if !f.AutoSource {
				continue
			}
			if v, ok := values[f.Name]; ok && strings.TrimSpace(v) != "" {
				f.AutoValue = strings.TrimSpace(v)
				resolved++
			}
		}
	}
	l.log.Debug("auto-source values annotated",
		"material_code", tpl.MaterialCode, "plant_code", tpl.PlantCode, "resolved", resolved)
}
