package store

import (
	"testing"

	"github.com/kilnvm/kiln/snapshot"
	"github.com/kilnvm/kiln/vm"
)

func TestPolicyFingerprintStable(t *testing.T) {
	// Two policies with the same rules added in different orders must
	// fingerprint identically.
	a := snapshot.DefaultPolicy()
	a.AllowOps(vm.OpAdd, vm.OpReturn, vm.OpConst)
	a.DenyGlobals("spawn", "exec")

	b := snapshot.DefaultPolicy()
	b.DenyGlobals("exec", "spawn")
	b.AllowOps(vm.OpReturn, vm.OpConst, vm.OpAdd)

	fpA, err := PolicyFingerprint(a)
	if err != nil {
		t.Fatalf("PolicyFingerprint() error: %v", err)
	}
	fpB, err := PolicyFingerprint(b)
	if err != nil {
		t.Fatalf("PolicyFingerprint() error: %v", err)
	}
	if fpA != fpB {
		t.Errorf("equal policies fingerprint differently:\n%s\n%s", fpA, fpB)
	}
}

func TestPolicyFingerprintDistinguishes(t *testing.T) {
	a := snapshot.DefaultPolicy()
	b := snapshot.DefaultPolicy()
	b.MaxDepth++

	fpA, _ := PolicyFingerprint(a)
	fpB, _ := PolicyFingerprint(b)
	if fpA == fpB {
		t.Error("different policies share a fingerprint")
	}
}

func TestMetaHasTag(t *testing.T) {
	m := Meta{Tags: []string{"prod", "counter"}}
	if !m.HasTag("counter") {
		t.Error("HasTag(counter) = false, want true")
	}
	if m.HasTag("staging") {
		t.Error("HasTag(staging) = true, want false")
	}
}
