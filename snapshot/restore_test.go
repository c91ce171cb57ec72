package snapshot

import (
	"errors"
	"testing"

	"github.com/kilnvm/kiln/vm"
)

// roundTrip walks cl, encodes, decodes and restores into env.
func roundTrip(t *testing.T, cl *vm.Closure, env *vm.Env, opts RestoreOptions) *vm.Closure {
	t.Helper()
	g, err := Walk(cl)
	if err != nil {
		t.Fatalf("Walk() error: %v", err)
	}
	data, err := Encode(g)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	back, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	restored, err := Restore(back, env, opts)
	if err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	return restored
}

func TestRestoreRoundTrip(t *testing.T) {
	orig := tallyClosure(10)
	restored := roundTrip(t, orig, vm.NewEnv(), RestoreOptions{})

	for want := int64(11); want <= 13; want++ {
		got, err := restored.Call()
		if err != nil {
			t.Fatalf("restored tally() error: %v", err)
		}
		if !got.Equal(vm.Int(want)) {
			t.Errorf("restored tally() = %v, want %d", got, want)
		}
	}

	// The restored counter is a copy; the original still starts at 10.
	got, err := orig.Call()
	if err != nil {
		t.Fatalf("original tally() error: %v", err)
	}
	if !got.Equal(vm.Int(11)) {
		t.Errorf("original tally() after restored calls = %v, want 11", got)
	}
}

func TestRestoreTwiceIndependent(t *testing.T) {
	orig := tallyClosure(0)
	env := vm.NewEnv()
	a := roundTrip(t, orig, env, RestoreOptions{})
	b := roundTrip(t, orig, env, RestoreOptions{})

	a.Call()
	a.Call()
	got, err := b.Call()
	if err != nil {
		t.Fatalf("tally() error: %v", err)
	}
	if !got.Equal(vm.Int(1)) {
		t.Errorf("second restored counter = %v after two calls on the first, want 1", got)
	}
}

func TestRestoreSharedCellIdentity(t *testing.T) {
	restored := roundTrip(t, pairHolder(), vm.NewEnv(), RestoreOptions{})

	pair, err := restored.Call()
	if err != nil {
		t.Fatalf("restored holder() error: %v", err)
	}
	incCl := pair.Table().At(0).Closure()
	getCl := pair.Table().At(1).Closure()
	if incCl == nil || getCl == nil {
		t.Fatal("restored holder did not return two closures")
	}

	if incCl.Upvals[0] != getCl.Upvals[0] {
		t.Error("restored inc and get do not share a cell")
	}

	if _, err := incCl.Call(); err != nil {
		t.Fatalf("inc() error: %v", err)
	}
	if _, err := incCl.Call(); err != nil {
		t.Fatalf("inc() error: %v", err)
	}
	got, err := getCl.Call()
	if err != nil {
		t.Fatalf("get() error: %v", err)
	}
	if !got.Equal(vm.Int(2)) {
		t.Errorf("get() after two inc() = %v, want 2", got)
	}
}

func TestRestoreCycle(t *testing.T) {
	restored := roundTrip(t, selfRefClosure(), vm.NewEnv(), RestoreOptions{})

	box, err := restored.Call()
	if err != nil {
		t.Fatalf("restored selfref() error: %v", err)
	}
	// The cycle must close onto the restored closure itself.
	if box.Table().Get("self").Closure() != restored {
		t.Error("restored cycle does not close onto the restored closure")
	}
}

func TestRestoreLateBinding(t *testing.T) {
	cl := rateClosure()

	envA := vm.NewEnv()
	envA.Define("rate", vm.Int(2))
	envB := vm.NewEnv()
	envB.Define("rate", vm.Int(5))

	a := roundTrip(t, cl, envA, RestoreOptions{})
	b := roundTrip(t, cl, envB, RestoreOptions{})

	gotA, err := a.Call()
	if err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	gotB, err := b.Call()
	if err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	if !gotA.Equal(vm.Int(6)) || !gotB.Equal(vm.Int(15)) {
		t.Errorf("restored closures returned %v and %v, want 6 and 15", gotA, gotB)
	}

	// Globals resolve at call time, so a rebind is visible afterwards.
	envA.Define("rate", vm.Int(10))
	gotA, err = a.Call()
	if err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	if !gotA.Equal(vm.Int(30)) {
		t.Errorf("after rebind restored closure returned %v, want 30", gotA)
	}
}

func TestRestoreUndefinedGlobal(t *testing.T) {
	g := mustWalk(t, rateClosure())

	_, err := Restore(g, vm.NewEnv(), RestoreOptions{})
	var refErr *UnresolvedReferenceError
	if !errors.As(err, &refErr) {
		t.Fatalf("Restore() error = %v, want UnresolvedReferenceError", err)
	}
	if refErr.Name != "rate" {
		t.Errorf("error names global %q, want rate", refErr.Name)
	}
}

func TestRestoreUndefinedGlobalAllowed(t *testing.T) {
	g := mustWalk(t, rateClosure())

	env := vm.NewEnv()
	restored, err := Restore(g, env, RestoreOptions{AllowUndefinedGlobals: true})
	if err != nil {
		t.Fatalf("Restore() error: %v", err)
	}

	// The closure exists but calling it fails until rate is defined.
	if _, err := restored.Call(); !errors.Is(err, vm.ErrUndefinedGlobal) {
		t.Errorf("Call() error = %v, want ErrUndefinedGlobal", err)
	}
	env.Define("rate", vm.Int(1))
	got, err := restored.Call()
	if err != nil {
		t.Fatalf("Call() after defining rate error: %v", err)
	}
	if !got.Equal(vm.Int(3)) {
		t.Errorf("Call() = %v, want 3", got)
	}
}

func TestRestoreDoesNotMutateEnvironment(t *testing.T) {
	env := vm.NewEnv()
	env.Define("rate", vm.Int(2))
	before := env.Len()

	roundTrip(t, rateClosure(), env, RestoreOptions{})
	if env.Len() != before {
		t.Errorf("environment grew from %d to %d bindings during restore", before, env.Len())
	}
}
