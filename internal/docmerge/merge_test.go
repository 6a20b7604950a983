package docmerge

import (
	"testing"
)

func mustJSON(t *testing.T, s string) *Node {
	t.Helper()
	n, err := ParseJSON([]byte(s))
	if err != nil {
		t.Fatalf("ParseJSON(%q) failed: %v", s, err)
	}
	return n
}

func TestMerge_PrimaryWins(t *testing.T) {
	primary := mustJSON(t, `{"a": 1, "b": {"x": 1, "y": [1, 2]}, "c": "p"}`)
	secondary := mustJSON(t, `{"a": 2, "b": {"x": 2, "z": 3, "y": [3]}, "d": true}`)
	want := mustJSON(t, `{"a": 1, "b": {"x": 1, "y": [1, 2], "z": 3}, "c": "p", "d": true}`)

	got := Merge(primary, secondary)
	if !Equal(got, want) {
		gotJSON, _ := EncodeJSON(got)
		t.Errorf("Merge() = %s", gotJSON)
	}
}

func TestMerge_Properties(t *testing.T) {
	docs := []string{
		`{}`,
		`{"a": 1}`,
		`{"a": {"b": {"c": [1, {"d": 2}]}}, "e": null}`,
		`{"z": "last", "a": "first", "n": {"k": false}}`,
	}
	empty := NewObject()

	for _, a := range docs {
		for _, b := range docs {
			A := mustJSON(t, a)
			B := mustJSON(t, b)

			if got := Merge(A, A); !Equal(got, A) {
				t.Errorf("merge(A, A) != A for %s", a)
			}
			if got := Merge(A, empty); !Equal(got, A) {
				t.Errorf("merge(A, {}) != A for %s", a)
			}
			if got := Merge(empty, B); !Equal(got, B) {
				t.Errorf("merge({}, B) != B for %s", b)
			}

			merged := Merge(A, B)
			for _, k := range A.Keys {
				if _, ok := merged.Get(k); !ok {
					t.Errorf("merge(%s, %s) dropped primary key %q", a, b, k)
				}
			}
			for _, k := range B.Keys {
				if _, ok := merged.Get(k); !ok {
					t.Errorf("merge(%s, %s) dropped secondary key %q", a, b, k)
				}
			}
		}
	}
}

func TestMerge_ArraysAndScalarsNotMerged(t *testing.T) {
	tests := []struct {
		name      string
		primary   string
		secondary string
		want      string
	}{
		{"array vs array", `{"list": [1]}`, `{"list": [1, 2, 3]}`, `{"list": [1]}`},
		{"scalar vs object", `{"a": 1}`, `{"a": {"x": 1}}`, `{"a": 1}`},
		{"object vs scalar", `{"a": {"x": 1}}`, `{"a": 5}`, `{"a": {"x": 1}}`},
		{"null wins", `{"a": null}`, `{"a": 7}`, `{"a": null}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(mustJSON(t, tt.primary), mustJSON(t, tt.secondary))
			if !Equal(got, mustJSON(t, tt.want)) {
				gotJSON, _ := EncodeJSON(got)
				t.Errorf("Merge() = %s, want %s", gotJSON, tt.want)
			}
		})
	}
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	primary := mustJSON(t, `{"a": {"b": 1}}`)
	secondary := mustJSON(t, `{"a": {"c": 2}, "d": [1]}`)
	primaryCopy := primary.Clone()
	secondaryCopy := secondary.Clone()

	merged := Merge(primary, secondary)
	merged.Set("extra", Scalar("x"))
	a, _ := merged.Get("a")
	a.Set("b", Scalar(100))

	if !Equal(primary, primaryCopy) {
		t.Error("primary was mutated")
	}
	if !Equal(secondary, secondaryCopy) {
		t.Error("secondary was mutated")
	}
}

func TestMerge_NilInputs(t *testing.T) {
	doc := mustJSON(t, `{"a": 1}`)
	if got := Merge(nil, doc); !Equal(got, doc) {
		t.Error("merge(nil, B) != B")
	}
	if got := Merge(doc, nil); !Equal(got, doc) {
		t.Error("merge(A, nil) != A")
	}
}
