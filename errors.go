package mls

import (
	"errors"
	"fmt"
)

// ErrLibrary marks a broken internal invariant, such as driving the key
// schedule out of order or merging a stale diff.  It indicates a bug in the
// caller and is never the result of untrusted input.
var ErrLibrary = errors.New("mls: library error")

var ErrUnsupportedCipherSuite = errors.New("mls: unsupported ciphersuite")

// Tree validation errors.  All of them are recoverable: the offending diff is
// rejected and the live tree is left unchanged.
var (
	ErrPublicKeyMismatch   = errors.New("mls.treesync: derived public key does not match the tree")
	ErrDuplicateKeyPackage = errors.New("mls.treesync: two leaves share a public key")
	ErrMissingKeyPackage   = errors.New("mls.treesync: own leaf not found in tree")
	ErrMalformedTree       = errors.New("mls.treesync: tree is malformed")
	ErrInvalidParentHash   = errors.New("mls.treesync: parent hash of a tree node is invalid")
	ErrBlankUnmergedLeaf   = errors.New("mls.treesync: unmerged leaf points to a blank leaf")
	ErrNoPrivateKeyFound   = errors.New("mls.treesync: no private key in filtered resolution")
	ErrPathLength          = errors.New("mls.treesync: path length differs from direct path length")
	ErrMissingParentHash   = errors.New("mls.treesync: leaf carries no parent hash extension")
	ErrParentHashMismatch  = errors.New("mls.treesync: leaf parent hash does not match path")
)

// Key schedule input errors.
var (
	ErrDuplicatePSK        = errors.New("mls.psk: duplicate pre-shared key id")
	ErrPSKCountMismatch    = errors.New("mls.psk: number of ids and secrets differ")
	ErrCipherSuiteMismatch = errors.New("mls.secret: ciphersuite mismatch")
)

func libraryError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrLibrary, fmt.Sprintf(format, args...))
}
