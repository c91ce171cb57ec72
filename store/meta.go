package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/kilnvm/kiln/snapshot"
)

// Meta describes a stored snapshot. It is kept alongside the record as
// queryable JSON; the record itself stays opaque.
type Meta struct {
	ID                string    `json:"id"`
	Key               string    `json:"key"`
	Name              string    `json:"name"`
	Tags              []string  `json:"tags"`
	CreatedAt         time.Time `json:"created_at"`
	Size              int       `json:"size"`
	PolicyName        string    `json:"policy_name"`
	PolicyFingerprint string    `json:"policy_fingerprint"`
}

// NewMeta builds metadata for a freshly encoded record.
func NewMeta(key, name string, tags []string, pol *snapshot.Policy, size int) (Meta, error) {
	fp, err := PolicyFingerprint(pol)
	if err != nil {
		return Meta{}, err
	}
	return Meta{
		ID:                uuid.NewString(),
		Key:               key,
		Name:              name,
		Tags:              tags,
		CreatedAt:         time.Now().UTC(),
		Size:              size,
		PolicyName:        pol.Name,
		PolicyFingerprint: fp,
	}, nil
}

// HasTag reports whether the snapshot carries tag.
func (m Meta) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// cborEncMode uses canonical mode so equal policies always produce
// identical bytes, and therefore identical fingerprints.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	cborEncMode = em
}

// fingerprintPolicy is the canonical shape a policy is hashed through.
// Map-typed policy fields are flattened to sorted slices so the
// fingerprint never depends on map iteration order.
type fingerprintPolicy struct {
	Name                  string   `cbor:"1,keyasint"`
	Version               int      `cbor:"2,keyasint"`
	AllowedOps            []uint8  `cbor:"3,keyasint"`
	DeniedGlobals         []string `cbor:"4,keyasint"`
	MaxTableSize          int      `cbor:"5,keyasint"`
	MaxDepth              int      `cbor:"6,keyasint"`
	MaxPayload            int      `cbor:"7,keyasint"`
	AllowUndefinedGlobals bool     `cbor:"8,keyasint"`
}

// PolicyFingerprint returns a stable hex digest of a policy. Metadata
// records it so an operator can tell which rules a snapshot was
// admitted under, even after the policy file changed.
func PolicyFingerprint(p *snapshot.Policy) (string, error) {
	fp := fingerprintPolicy{
		Name:                  p.Name,
		Version:               p.Version,
		MaxTableSize:          p.MaxTableSize,
		MaxDepth:              p.MaxDepth,
		MaxPayload:            p.MaxPayload,
		AllowUndefinedGlobals: p.AllowUndefinedGlobals,
	}
	for op := range p.AllowedOps {
		fp.AllowedOps = append(fp.AllowedOps, uint8(op))
	}
	sort.Slice(fp.AllowedOps, func(i, j int) bool { return fp.AllowedOps[i] < fp.AllowedOps[j] })
	for name := range p.DeniedGlobals {
		fp.DeniedGlobals = append(fp.DeniedGlobals, name)
	}
	sort.Strings(fp.DeniedGlobals)

	data, err := cborEncMode.Marshal(fp)
	if err != nil {
		return "", fmt.Errorf("fingerprinting policy: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
