// Package completion derives per-step and overall completion state from a
// template and the current effective answers. It is pure: re-invoking it
// after any edit always yields a result consistent with the inputs.
package completion

import (
	"math"

	"github.com/plantsafe/questengine/internal/form"
	"github.com/plantsafe/questengine/internal/template"
)

// StepQueries carries the open/resolved query counts contributed by the
// external query subsystem for one step. This package only consumes them.
type StepQueries struct {
	Open     int `json:"open"`
	Resolved int `json:"resolved"`
}

// QueryStats maps step index to its query counts.
type QueryStats map[int]StepQueries

// Totals sums query counts across all steps.
func (q QueryStats) Totals() StepQueries {
	var t StepQueries
	for _, sq := range q {
		t.Open += sq.Open
		t.Resolved += sq.Resolved
	}
	return t
}

// StepStatus is the derived completion state of one step.
type StepStatus struct {
	Index int    `json:"index"`
	Title string `json:"title"`

	// ManualFields counts fields the user can still act on: non-auto-source
	// fields plus auto-source fields with no resolved value.
	ManualFields   int `json:"manual_fields"`
	ManualAnswered int `json:"manual_answered"`

	RequiredManual   int `json:"required_manual"`
	RequiredAnswered int `json:"required_answered"`

	// AutoResolved counts auto-source fields whose value is present; they are
	// excluded from manual accounting but count as answered overall.
	AutoResolved int `json:"auto_resolved"`

	Satisfied bool `json:"satisfied"`

	OpenQueries     int `json:"open_queries"`
	ResolvedQueries int `json:"resolved_queries"`
}

// Report is the overall derived completion state.
type Report struct {
	Steps []StepStatus `json:"steps"`

	AnsweredFields int `json:"answered_fields"`
	TotalFields    int `json:"total_fields"`

	// Percent is answered/total rounded to the nearest integer.
	Percent int `json:"percent"`
}

// StepSatisfied reports whether the step at index is satisfied.
func (r Report) StepSatisfied(index int) bool {
	if index < 0 || index >= len(r.Steps) {
		return false
	}
	return r.Steps[index].Satisfied
}

// Evaluate computes the completion report for a template against the
// effective snapshot of the field value store.
func Evaluate(tpl *template.Template, snapshot map[string]form.Value, queries QueryStats) Report {
	rep := Report{}
	if tpl == nil {
		return rep
	}

	answered := func(name string) bool {
		v, ok := snapshot[name]
		return ok && !v.IsEmpty()
	}

	total := 0
	done := 0
	for si, step := range tpl.Steps {
		st := StepStatus{Index: si, Title: step.Title}

		for fi := range step.Fields {
			f := &step.Fields[fi]
			total++

			if f.Resolved() {
				// Resolved auto-source fields contribute identically to
				// numerator and denominator.
				st.AutoResolved++
				done++
				continue
			}

			st.ManualFields++
			isAnswered := answered(f.Name)
			if isAnswered {
				st.ManualAnswered++
				done++
			}
			if f.Required {
				st.RequiredManual++
				if isAnswered {
					st.RequiredAnswered++
				}
			}
		}

		st.Satisfied = stepSatisfied(st)
		if q, ok := queries[si]; ok {
			st.OpenQueries = q.Open
			st.ResolvedQueries = q.Resolved
		}
		rep.Steps = append(rep.Steps, st)
	}

	rep.AnsweredFields = done
	rep.TotalFields = total
	rep.Percent = percent(done, total)
	return rep
}

// stepSatisfied applies the step rule: with required manual fields present,
// all of them must be answered; without any, at least half of the manual
// fields must be answered.
func stepSatisfied(st StepStatus) bool {
	if st.RequiredManual > 0 {
		return st.RequiredAnswered == st.RequiredManual
	}
	if st.ManualFields == 0 {
		return true
	}
	return st.ManualAnswered*2 >= st.ManualFields
}

func percent(done, total int) int {
	if total <= 0 {
		return 100
	}
	return int(math.Round(float64(done) / float64(total) * 100))
}
