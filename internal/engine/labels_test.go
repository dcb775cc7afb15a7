package engine

import (
	"reflect"
	"testing"

	"formflow/internal/model"
)

func TestHumanizeKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"customField1", "Custom Field1"},
		{"first_name", "First Name"},
		{"zip-code", "Zip Code"},
		{"phoneNumberHome", "Phone Number Home"},
		{"already Spaced", "Already Spaced"},
		{"x", "X"},
	}
	for _, tt := range tests {
		if got := HumanizeKey(tt.in); got != tt.want {
			t.Errorf("HumanizeKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolveFieldLabels(t *testing.T) {
	fields := []model.Field{
		{Identifier: "email", Label: "Email Address"},
		{Identifier: "noLabel"},
	}
	data := map[string]any{
		"email":                                "a@b.c",
		"customField1":                         "x",
		"3f2b6a1e-9c4d-4e8a-b7f1-0a1b2c3d4e5f": "uuid answer",
		"noLabel":                              1,
	}

	got := ResolveFieldLabels(data, fields)
	want := map[string]any{
		"Email Address": "a@b.c",
		"Custom Field1": "x",
		ResponseLabel:   "uuid answer",
		"No Label":      1,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ResolveFieldLabels = %v, want %v", got, want)
	}
	if _, ok := data["email"]; !ok {
		t.Error("input map was mutated")
	}
}

func TestResolveFieldLabels_UppercaseUUIDAndCollisions(t *testing.T) {
	data := map[string]any{
		"3F2B6A1E-9C4D-4E8A-B7F1-0A1B2C3D4E5F": "upper",
		"aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa": "lower",
	}
	// Two keys collapse to "Response"; the result must not depend on map order.
	for i := 0; i < 20; i++ {
		got := ResolveFieldLabels(data, nil)
		if len(got) != 1 || got[ResponseLabel] != "upper" {
			t.Fatalf("iteration %d: got %v", i, got)
		}
	}
}

func TestLabelForKey(t *testing.T) {
	fields := []model.Field{{Identifier: "q1", Label: "Favourite colour"}}
	if got := LabelForKey("q1", fields); got != "Favourite colour" {
		t.Errorf("got %q", got)
	}
	if got := LabelForKey("q2", fields); got != "Q2" {
		t.Errorf("got %q", got)
	}
}

func TestFilterFields(t *testing.T) {
	fields := []model.Field{
		{Identifier: "a", Label: "A"},
		{Identifier: "bee", Label: "B"},
	}
	labeled := map[string]any{"A": 1, "B": 2, "C": 3}
	keyLabels := KeyLabels(map[string]any{"a": 1, "bee": 2, "c": 3}, fields)

	tests := []struct {
		name             string
		include, exclude []string
		want             map[string]any
	}{
		{"no filters", nil, nil, map[string]any{"A": 1, "B": 2, "C": 3}},
		{"exclude wins over include", []string{"A", "B"}, []string{"B"}, map[string]any{"A": 1}},
		{"identifiers translate to labels", []string{"a", "bee"}, []string{"bee"}, map[string]any{"A": 1}},
		{"exclude only", nil, []string{"C"}, map[string]any{"A": 1, "B": 2}},
		{"unknown include drops everything", []string{"Z"}, nil, map[string]any{}},
		{"undefined key translates through its humanized label", []string{"c"}, nil, map[string]any{"C": 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FilterFields(labeled, tt.include, tt.exclude, keyLabels)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
	if len(labeled) != 3 {
		t.Error("input map was mutated")
	}
}

func TestFilterFields_KeysWithoutFieldDefinitions(t *testing.T) {
	const answerID = "3f2b6a1e-9c4d-4e8a-b7f1-0a1b2c3d4e5f"
	data := map[string]any{
		"customField1": "secret",
		"email":        "a@b.c",
		answerID:       "x",
	}
	labeled := ResolveFieldLabels(data, nil)
	keyLabels := KeyLabels(data, nil)

	got := FilterFields(labeled, nil, []string{"customField1", answerID}, keyLabels)
	if want := map[string]any{"Email": "a@b.c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("exclude by original key: got %v, want %v", got, want)
	}

	got = FilterFields(labeled, []string{"email"}, nil, keyLabels)
	if want := map[string]any{"Email": "a@b.c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("include by original key: got %v, want %v", got, want)
	}

	got = FilterFields(labeled, []string{"Custom Field1", "email"}, []string{"Email"}, keyLabels)
	if want := map[string]any{"Custom Field1": "secret"}; !reflect.DeepEqual(got, want) {
		t.Errorf("mixed labels and keys: got %v, want %v", got, want)
	}
}

func TestKeyLabels(t *testing.T) {
	fields := []model.Field{{Identifier: "q1", Label: "Favourite colour"}, {Identifier: "q2"}}
	got := KeyLabels(map[string]any{"q1": "red", "first_name": "Ann"}, fields)
	want := map[string]string{"q1": "Favourite colour", "q2": "Q2", "first_name": "First Name"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("KeyLabels = %v, want %v", got, want)
	}
}
