// Package canon provides canonical JSON encoding and content fingerprints.
//
// Two worlds that hold the same entities with the same component values
// produce byte-identical canonical documents and therefore identical
// fingerprints, regardless of map iteration order or the concurrency bound
// used while ticking. Tests and the history store rely on this to compare
// states.
//
// Fingerprints are BLAKE2b-256 over domain || 0x00 || data. The null byte
// keeps the domain and data boundary unambiguous.
package canon
