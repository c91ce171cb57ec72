package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/kilnvm/kiln/snapshot"
	"github.com/kilnvm/kiln/vm"
)

// tallyClosure builds a closure that increments and returns a counter
// held in a captured cell.
func tallyClosure(start int64) *vm.Closure {
	b := vm.NewProtoBuilder("tally", 0)
	b.AddUpval("count", true, 0)
	b.EmitA(vm.OpGetUpval, 0)
	b.EmitConst(vm.Int(1))
	b.Emit(vm.OpAdd)
	b.Emit(vm.OpDup)
	b.EmitA(vm.OpSetUpval, 0)
	b.Emit(vm.OpReturn)

	cl := vm.NewClosure(b.Build(), vm.NewEnv())
	cl.Upvals[0].Set(vm.Int(start))
	return cl
}

func newTestKeeper(t *testing.T, policy *snapshot.Policy) *Keeper {
	t.Helper()
	k := NewKeeper(openTestSQLite(t), policy)
	return k
}

func TestKeeperPersistRestore(t *testing.T) {
	k := newTestKeeper(t, nil)
	ctx := context.Background()

	meta, err := k.Persist(ctx, "counters/main", tallyClosure(10), "tally", []string{"counter"})
	if err != nil {
		t.Fatalf("Persist() error: %v", err)
	}
	if meta.Key != "counters/main" || meta.Name != "tally" || meta.Size == 0 {
		t.Errorf("Persist() meta = %+v", meta)
	}
	if meta.PolicyName != "default" || meta.PolicyFingerprint == "" {
		t.Errorf("Persist() did not record the policy: %+v", meta)
	}

	restored, err := k.Restore(ctx, "counters/main", vm.NewEnv())
	if err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	got, err := restored.Call()
	if err != nil {
		t.Fatalf("restored tally() error: %v", err)
	}
	if !got.Equal(vm.Int(11)) {
		t.Errorf("restored tally() = %v, want 11", got)
	}
}

func TestKeeperRestoreMissing(t *testing.T) {
	k := newTestKeeper(t, nil)
	_, err := k.Restore(context.Background(), "absent", vm.NewEnv())
	if !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("Restore() error = %v, want ErrSnapshotNotFound", err)
	}
}

func TestKeeperPersistViolationWritesNothing(t *testing.T) {
	p := snapshot.DefaultPolicy()
	p.MaxTableSize = 1
	k := newTestKeeper(t, p)
	ctx := context.Background()

	_, err := k.Persist(ctx, "k", tallyClosure(0), "tally", nil)
	var polErr *snapshot.PolicyViolationError
	if !errors.As(err, &polErr) {
		t.Fatalf("Persist() error = %v, want PolicyViolationError", err)
	}

	all, err := k.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("rejected persist left %d snapshots in the store", len(all))
	}
}

func TestKeeperMaxPayload(t *testing.T) {
	p := snapshot.DefaultPolicy()
	p.MaxPayload = 4
	k := newTestKeeper(t, p)

	_, err := k.Persist(context.Background(), "k", tallyClosure(0), "tally", nil)
	var polErr *snapshot.PolicyViolationError
	if !errors.As(err, &polErr) {
		t.Fatalf("Persist() error = %v, want PolicyViolationError", err)
	}
	if polErr.Rule != snapshot.RuleMaxPayload {
		t.Errorf("violation rule = %q, want %q", polErr.Rule, snapshot.RuleMaxPayload)
	}
}

func TestKeeperRestoreRejectsLooserPolicyRecord(t *testing.T) {
	// Written under the default policy, read back under one that
	// forbids the arithmetic the closure uses.
	loose := newTestKeeper(t, nil)
	ctx := context.Background()
	if _, err := loose.Persist(ctx, "k", tallyClosure(0), "tally", nil); err != nil {
		t.Fatalf("Persist() error: %v", err)
	}

	strict := snapshot.DefaultPolicy()
	strict.AllowOps(vm.OpReturn)
	k := NewKeeper(loose.backend, strict)

	_, err := k.Restore(ctx, "k", vm.NewEnv())
	var polErr *snapshot.PolicyViolationError
	if !errors.As(err, &polErr) {
		t.Fatalf("Restore() error = %v, want PolicyViolationError", err)
	}
	if polErr.Rule != snapshot.RuleOpcodes {
		t.Errorf("violation rule = %q, want %q", polErr.Rule, snapshot.RuleOpcodes)
	}
}

func TestKeeperVerifyCorrupted(t *testing.T) {
	k := newTestKeeper(t, nil)
	ctx := context.Background()

	meta, err := k.Persist(ctx, "k", tallyClosure(0), "tally", nil)
	if err != nil {
		t.Fatalf("Persist() error: %v", err)
	}

	// Flip a byte in the stored record, as disk rot would.
	record, _, err := k.backend.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	record[len(record)/2] ^= 0xFF
	if err := k.backend.Put(ctx, "k", record, meta); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	_, err = k.Verify(ctx, "k")
	var corrErr *snapshot.CorruptionError
	if !errors.As(err, &corrErr) {
		t.Errorf("Verify() error = %v, want CorruptionError", err)
	}
	if _, err := k.Restore(ctx, "k", vm.NewEnv()); !errors.As(err, &corrErr) {
		t.Errorf("Restore() error = %v, want CorruptionError", err)
	}
}

func TestKeeperVerifyOK(t *testing.T) {
	k := newTestKeeper(t, nil)
	ctx := context.Background()

	if _, err := k.Persist(ctx, "k", tallyClosure(0), "tally", nil); err != nil {
		t.Fatalf("Persist() error: %v", err)
	}
	meta, err := k.Verify(ctx, "k")
	if err != nil {
		t.Errorf("Verify() error: %v", err)
	}
	if meta.Name != "tally" {
		t.Errorf("Verify() meta name = %q, want tally", meta.Name)
	}
}

func TestKeeperConcurrentRestores(t *testing.T) {
	k := newTestKeeper(t, nil)
	ctx := context.Background()

	if _, err := k.Persist(ctx, "k", tallyClosure(0), "tally", nil); err != nil {
		t.Fatalf("Persist() error: %v", err)
	}

	env := vm.NewEnv()
	var wg sync.WaitGroup
	closures := make([]*vm.Closure, 8)
	for i := range closures {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cl, err := k.Restore(ctx, "k", env)
			if err != nil {
				t.Errorf("Restore() error: %v", err)
				return
			}
			closures[i] = cl
		}(i)
	}
	wg.Wait()

	for _, cl := range closures {
		if cl == nil {
			t.Fatal("a restore returned no closure")
		}
		if _, err := cl.Call(); err != nil {
			t.Errorf("restored closure Call() error: %v", err)
		}
	}
}

func TestInflightSameEnvShares(t *testing.T) {
	var table inflightTable
	env := vm.NewEnv()

	call, leader := table.join("k", env)
	if !leader {
		t.Fatal("first join should lead")
	}
	waiter, leads := table.join("k", env)
	if leads || waiter != call {
		t.Error("second join should wait on the first call")
	}

	call.cl = tallyClosure(0)
	table.finish("k", call)
	select {
	case <-waiter.done:
	default:
		t.Error("finish did not wake waiters")
	}

	// The slot is free again.
	if _, leader := table.join("k", env); !leader {
		t.Error("join after finish should lead")
	}
}
