// Package blobref implements the durable text form used to address stored blobs.
//
// The canonical form is "<store>@<blobId>". Two legacy forms written by older
// releases remain readable forever because they are embedded in persisted
// asset metadata:
//
//	<store>@<node>:<blobId>   node-prefixed
//	<store>:<blobId>@<node>   suffix-node
//
// Legacy references parse to the same logical reference as the canonical one;
// the node is kept for diagnostics but never written back and never compared.
package blobref

import (
	"errors"
	"strings"
)

// invalidReferenceMessage is matched verbatim by existing callers.
const invalidReferenceMessage = "Not a valid blob reference"

// ErrInvalidReference is the sentinel matched by errors.Is for any parse failure.
var ErrInvalidReference = errors.New(invalidReferenceMessage)

// InvalidReferenceError reports text that is not a blob reference.
type InvalidReferenceError struct {
	Input string
}

func (e *InvalidReferenceError) Error() string {
	return invalidReferenceMessage
}

// Is makes errors.Is(err, ErrInvalidReference) succeed.
func (e *InvalidReferenceError) Is(target error) bool {
	return target == ErrInvalidReference
}

// Ref identifies a blob within a named blob store. The zero value is not a
// valid reference; use New or Parse.
type Ref struct {
	node   string
	store  string
	blobID string
}

// Key is the identity of a Ref, suitable as a map key.
type Key struct {
	Store  string
	BlobID string
}

// New returns a reference for a newly written blob.
func New(store, blobID string) (Ref, error) {
	if store == "" || blobID == "" {
		return Ref{}, &InvalidReferenceError{Input: store + "@" + blobID}
	}
	return Ref{store: store, blobID: blobID}, nil
}

// Parse reads any of the three accepted forms.
func Parse(spec string) (Ref, error) {
	left, right, ok := strings.Cut(spec, "@")
	if !ok {
		return Ref{}, &InvalidReferenceError{Input: spec}
	}

	var ref Ref
	switch {
	case strings.Contains(left, ":"):
		// suffix-node: the colon sits before the '@', so the node trails.
		store, blobID, _ := strings.Cut(left, ":")
		ref = Ref{node: right, store: store, blobID: blobID}
	case strings.Contains(right, ":"):
		node, blobID, _ := strings.Cut(right, ":")
		if node == "" {
			return Ref{}, &InvalidReferenceError{Input: spec}
		}
		ref = Ref{node: node, store: left, blobID: blobID}
	default:
		ref = Ref{store: left, blobID: right}
	}

	if ref.store == "" || ref.blobID == "" {
		return Ref{}, &InvalidReferenceError{Input: spec}
	}
	return ref, nil
}

// MustParse is like Parse but panics on error.
func MustParse(spec string) Ref {
	ref, err := Parse(spec)
	if err != nil {
		panic(err)
	}
	return ref
}

// Format returns the canonical text of ref.
func Format(ref Ref) string {
	return ref.String()
}

// Store returns the blob store name.
func (r Ref) Store() string { return r.store }

// BlobID returns the blob identifier within the store.
func (r Ref) BlobID() string { return r.blobID }

// Node returns the node name carried by a legacy reference, or "".
func (r Ref) Node() string { return r.node }

// IsLegacy reports whether the reference was parsed from a legacy form.
func (r Ref) IsLegacy() bool { return r.node != "" }

// IsZero reports whether r is the zero value.
func (r Ref) IsZero() bool { return r.store == "" && r.blobID == "" }

// Key returns the identity of the reference.
func (r Ref) Key() Key { return Key{Store: r.store, BlobID: r.blobID} }

// Equal compares store and blob ID only.
func (r Ref) Equal(other Ref) bool {
	return r.store == other.store && r.blobID == other.blobID
}

// String returns the canonical "<store>@<blobId>" form.
func (r Ref) String() string {
	return r.store + "@" + r.blobID
}

// MarshalText implements encoding.TextMarshaler using the canonical form.
func (r Ref) MarshalText() ([]byte, error) {
	if r.IsZero() {
		return []byte{}, nil
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty text yields the zero Ref.
func (r *Ref) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*r = Ref{}
		return nil
	}
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
