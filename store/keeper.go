package store

import (
	"context"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/kilnvm/kiln/snapshot"
	"github.com/kilnvm/kiln/vm"
)

// Keeper is the persistence facade: it binds a storage backend to a
// sandbox policy and runs the full pipeline on both sides. Persist is
// all-or-nothing: a closure that fails capture or validation writes
// nothing. Restore validates again before rebuilding, so records
// written under a looser policy are rejected.
type Keeper struct {
	backend Backend
	policy  *snapshot.Policy
	log     commonlog.Logger

	inflight inflightTable
}

// NewKeeper creates a facade over backend. A nil policy means
// snapshot.DefaultPolicy.
func NewKeeper(backend Backend, policy *snapshot.Policy) *Keeper {
	if policy == nil {
		policy = snapshot.DefaultPolicy()
	}
	return &Keeper{
		backend: backend,
		policy:  policy,
		log:     commonlog.GetLogger("kiln.store"),
	}
}

// Policy returns the policy the keeper admits snapshots under.
func (k *Keeper) Policy() *snapshot.Policy {
	return k.policy
}

// Close closes the underlying backend.
func (k *Keeper) Close() error {
	return k.backend.Close()
}

// Persist captures cl and stores the encoded record under key. The
// returned metadata records the policy the snapshot was admitted under.
func (k *Keeper) Persist(ctx context.Context, key string, cl *vm.Closure, name string, tags []string) (Meta, error) {
	g, err := snapshot.Walk(cl)
	if err != nil {
		return Meta{}, err
	}
	if err := snapshot.Validate(g, k.policy).Err(); err != nil {
		return Meta{}, err
	}
	record, err := snapshot.Encode(g)
	if err != nil {
		return Meta{}, err
	}
	if k.policy.MaxPayload > 0 && len(record) > k.policy.MaxPayload {
		return Meta{}, &snapshot.PolicyViolationError{
			Rule:   snapshot.RuleMaxPayload,
			Detail: payloadDetail(len(record), k.policy.MaxPayload),
		}
	}

	meta, err := NewMeta(key, name, tags, k.policy, len(record))
	if err != nil {
		return Meta{}, err
	}
	if err := k.backend.Put(ctx, key, record, meta); err != nil {
		return Meta{}, err
	}
	k.log.Infof("persisted %q: %d records, %d bytes", key, len(g.Nodes), len(record))
	return meta, nil
}

// Restore loads the snapshot under key and rebuilds a closure bound to
// env. Concurrent restores of the same key into the same environment
// collapse into one: later callers wait for the first and receive the
// closure it built. Restores into a different environment wait for the
// in-flight call to finish and then run independently.
func (k *Keeper) Restore(ctx context.Context, key string, env *vm.Env) (*vm.Closure, error) {
	for {
		call, leader := k.inflight.join(key, env)
		if !leader {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-call.done:
			}
			if call.env == env {
				return call.cl, call.err
			}
			// Different target environment: run our own restore now
			// that the slot is free.
			continue
		}

		call.cl, call.err = k.restore(ctx, key, env)
		k.inflight.finish(key, call)
		if call.err != nil {
			k.log.Errorf("restore %q failed: %s", key, call.err)
		}
		return call.cl, call.err
	}
}

func (k *Keeper) restore(ctx context.Context, key string, env *vm.Env) (*vm.Closure, error) {
	record, _, err := k.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if k.policy.MaxPayload > 0 && len(record) > k.policy.MaxPayload {
		return nil, &snapshot.PolicyViolationError{
			Rule:   snapshot.RuleMaxPayload,
			Detail: payloadDetail(len(record), k.policy.MaxPayload),
		}
	}
	g, err := snapshot.Decode(record)
	if err != nil {
		return nil, err
	}
	if err := snapshot.Validate(g, k.policy).Err(); err != nil {
		return nil, err
	}
	return snapshot.Restore(g, env, snapshot.RestoreOptions{
		AllowUndefinedGlobals: k.policy.AllowUndefinedGlobals,
	})
}

// Verify loads and checks the snapshot under key without touching any
// environment: decode, then validate under the keeper's policy.
func (k *Keeper) Verify(ctx context.Context, key string) (Meta, error) {
	record, meta, err := k.backend.Get(ctx, key)
	if err != nil {
		return Meta{}, err
	}
	g, err := snapshot.Decode(record)
	if err != nil {
		return meta, err
	}
	return meta, snapshot.Validate(g, k.policy).Err()
}

// Delete removes the snapshot under key.
func (k *Keeper) Delete(ctx context.Context, key string) error {
	return k.backend.Delete(ctx, key)
}

// List returns metadata for every stored snapshot.
func (k *Keeper) List(ctx context.Context) ([]Meta, error) {
	return k.backend.List(ctx)
}

// FindByTag returns metadata for every snapshot carrying tag.
func (k *Keeper) FindByTag(ctx context.Context, tag string) ([]Meta, error) {
	return k.backend.FindByTag(ctx, tag)
}

func payloadDetail(size, limit int) string {
	return fmt.Sprintf("record is %d bytes, limit %d", size, limit)
}
