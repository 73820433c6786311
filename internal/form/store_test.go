package form

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func Test_Value_emptiness(t *testing.T) {
	cases := []struct {
		name string
		v    Value
		want bool
	}{
		{"zero", Zero(), true},
		{"blank scalar", String("   "), true},
		{"scalar", String("yes"), false},
		{"empty list", List(), true},
		{"list of blanks", List("", "  "), true},
		{"list", List("a"), false},
	}
	for _, c := range cases {
		if got := c.v.IsEmpty(); got != c.want {
			t.Fatalf("%s: IsEmpty() = %v, want %v", c.name, got, c.want)
		}
	}
}

func Test_List_dropsBlanksAndDuplicates(t *testing.T) {
	v := List("b", "", "a", "b", " a ")
	want := []string{"b", "a"}
	if diff := cmp.Diff(want, v.Items()); diff != "" {
		t.Fatalf("items mismatch (-want +got):\n%s", diff)
	}
}

func Test_Value_jsonRoundTrip(t *testing.T) {
	in := map[string]Value{
		"scalar": String("flammable"),
		"list":   List("gloves", "goggles"),
		"absent": Zero(),
	}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]Value
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for name, v := range in {
		if !v.Equal(out[name]) {
			t.Fatalf("%s: round trip changed value", name)
		}
	}
}

func Test_Store_mergePrecedence(t *testing.T) {
	s := NewStore()

	// User edits before the auto-source value arrives.
	s.Set("hazard_class", String("manual-3"))
	s.ApplyAutoSource(map[string]Value{
		"hazard_class": String("auto-8"),
		"un_number":    String("UN1993"),
	})

	if got := s.Get("hazard_class").Scalar(); got != "manual-3" {
		t.Fatalf("late auto-source clobbered edit: got %q", got)
	}
	if got := s.Get("un_number").Scalar(); got != "UN1993" {
		t.Fatalf("auto-source value not applied to empty slot: got %q", got)
	}

	// Persisted answers sit between edits and auto-source values.
	s.ApplyPersisted(map[string]Value{
		"un_number": String("UN2031"),
		"storage":   String("cool dry place"),
	})
	if got := s.Get("un_number").Scalar(); got != "UN2031" {
		t.Fatalf("persisted answer should beat auto-source value: got %q", got)
	}
	if got := s.Get("storage").Scalar(); got != "cool dry place" {
		t.Fatalf("persisted answer missing: got %q", got)
	}
}

func Test_Store_explicitClearShadowsLowerLayers(t *testing.T) {
	s := NewStore()
	s.ApplyPersisted(map[string]Value{"notes": String("old note")})

	s.Set("notes", Zero())
	if got := s.Get("notes"); !got.IsEmpty() {
		t.Fatalf("cleared edit should win over persisted answer, got %q", got.Scalar())
	}
	if _, ok := s.Snapshot()["notes"]; ok {
		t.Fatalf("cleared field must not appear in snapshot")
	}
}

func Test_Store_applyPersistedSkipsEmptyAnswers(t *testing.T) {
	s := NewStore()
	s.ApplyPersisted(map[string]Value{
		"a": String(""),
		"b": List(),
		"c": String("kept"),
	})
	snap := s.Snapshot()
	if len(snap) != 1 || snap["c"].Scalar() != "kept" {
		t.Fatalf("snapshot = %v, want only c=kept", snap)
	}
}

func Test_Store_freezeBlocksEdits(t *testing.T) {
	s := NewStore()
	s.Set("a", String("1"))
	s.Freeze()

	if s.SetMany(map[string]Value{"a": String("2")}) {
		t.Fatalf("SetMany should report rejection after freeze")
	}
	if got := s.Get("a").Scalar(); got != "1" {
		t.Fatalf("frozen store mutated: got %q", got)
	}
	if !s.Frozen() {
		t.Fatalf("Frozen() = false after Freeze()")
	}
}

func Test_Store_editsApplyInOrder(t *testing.T) {
	s := NewStore()
	for _, v := range []string{"one", "two", "three"} {
		s.Set("field", String(v))
	}
	if got := s.Get("field").Scalar(); got != "three" {
		t.Fatalf("last edit should win, got %q", got)
	}
}
