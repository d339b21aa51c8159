// Package commands defines the mls-kat CLI, which generates and checks key
// schedule conformance vectors.
//
// Commands
//
//   - generate  Write a key schedule vector for one ciphersuite, or an array
//     of vectors for all of them with --suite all
//   - verify    Replay one or more vector files, each a single vector or an
//     array
//
// Vectors for ciphersuites this build does not implement are reported as
// skipped, not passed.
package commands
