package executable

import "testing"

func TestRpathTargetForFramework(t *testing.T) {
	got := rpathTargetFor("Orion.framework")
	want := "@rpath/Orion.framework/Orion"
	if got != want {
		t.Fatalf("rpathTargetFor = %q, want %q", got, want)
	}
}

func TestRpathTargetForDylib(t *testing.T) {
	got := rpathTargetFor("tweak.dylib")
	want := "@rpath/tweak.dylib"
	if got != want {
		t.Fatalf("rpathTargetFor = %q, want %q", got, want)
	}
}

func TestCommonDepsHasAllFiveFragments(t *testing.T) {
	want := []string{"substrate.", "orion.", "cephei.", "cepheiui.", "cepheiprefs."}
	for _, fragment := range want {
		if _, ok := CommonDeps[fragment]; !ok {
			t.Fatalf("CommonDeps missing fragment %q", fragment)
		}
	}
	if len(CommonDeps) != len(want) {
		t.Fatalf("CommonDeps has %d entries, want %d", len(CommonDeps), len(want))
	}
}
