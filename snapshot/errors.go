package snapshot

import "fmt"

// UnsupportedCaptureError is returned by the Walker when a closure's
// capture set contains a value that cannot be represented durably, such
// as a native Go function. Slot identifies the upvalue slot of the
// closure being captured through which the value was reached.
type UnsupportedCaptureError struct {
	Slot int
	Name string
	Kind string
}

func (e *UnsupportedCaptureError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("unsupported capture: %s reached through upvalue %d (%q)", e.Kind, e.Slot, e.Name)
	}
	return fmt.Sprintf("unsupported capture: %s reached through upvalue %d", e.Kind, e.Slot)
}

// PolicyViolationError is returned when a snapshot graph fails
// validation. Rule carries the stable identifier of the failed rule and
// Detail describes the offending part of the graph.
type PolicyViolationError struct {
	Rule   string
	Detail string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy violation (%s): %s", e.Rule, e.Detail)
}

// CorruptionError is returned by the decoder when a record is
// structurally invalid: bad checksum, truncated data, an undefined tag,
// a reference outside the object table, or trailing bytes.
type CorruptionError struct {
	Reason string
}

func (e *CorruptionError) Error() string {
	return "snapshot corrupted: " + e.Reason
}

// VersionMismatchError is returned when a record's format version is
// newer than what this decoder supports. The version byte is checked
// before any record content is parsed.
type VersionMismatchError struct {
	Version   uint8
	Supported uint8
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("snapshot version %d is newer than supported version %d", e.Version, e.Supported)
}

// UnresolvedReferenceError is returned by Restore when a restored
// function refers to a global that the target environment does not
// define and the caller has not opted into undefined globals.
type UnresolvedReferenceError struct {
	Name string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved global %q in target environment", e.Name)
}
