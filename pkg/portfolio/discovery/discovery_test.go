package discovery

import (
	"path/filepath"
	"reflect"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, CacheFileName)

	want := []SolverMeta{
		{ID: "gecode", Executable: "fzn-gecode", InputType: InputFZN, StdFlags: []string{"-i", "-p"}},
		{ID: "chuffed", Executable: "fzn-chuffed", InputType: InputFZN},
	}
	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if !reflect.DeepEqual(got[i], want[i]) {
			t.Fatalf("entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestSupportsFlagDefaultsTrueWhenUnspecified(t *testing.T) {
	m := SolverMeta{ID: "gecode"}
	if !m.SupportsFeatureFlag() || !m.SupportsCoresFlag() {
		t.Fatalf("expected default support for -i and -p when StdFlags is empty")
	}
}

func TestSupportsFlagHonorsExplicitList(t *testing.T) {
	m := SolverMeta{ID: "or-tools", StdFlags: []string{"-p"}}
	if m.SupportsFeatureFlag() {
		t.Fatalf("expected -i unsupported when StdFlags omits it")
	}
	if !m.SupportsCoresFlag() {
		t.Fatalf("expected -p supported, it is explicitly listed")
	}
}

func TestFind(t *testing.T) {
	metas := []SolverMeta{{ID: "gecode"}, {ID: "chuffed"}}
	if _, ok := Find(metas, "chuffed"); !ok {
		t.Fatalf("expected to find chuffed")
	}
	if _, ok := Find(metas, "missing"); ok {
		t.Fatalf("did not expect to find missing solver")
	}
}
