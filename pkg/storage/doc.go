// Package storage defines the Session Store: the capability interface that
// holds analysis sessions and their objects (the uploaded input file and the
// latest generated artifact), plus the types and sentinel errors shared by
// every backend.
//
// Backends live in subpackages (local, memory, postgres, redis) and are
// checked against the same behavior by the storagetest conformance suite.
package storage
