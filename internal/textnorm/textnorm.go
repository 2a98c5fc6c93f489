// Package textnorm applies the one normalization rule memento depends
// on for content-addressing: Unicode NFC. Every hash derived from a
// memory's text — the memory id and the embed-cache key — is computed
// over the NFC form, so visually identical text that arrives in a
// different Unicode normalization form still hashes identically.
package textnorm

import "golang.org/x/text/unicode/norm"

// NFC returns the Unicode Normalization Form C of s.
func NFC(s string) string {
	return norm.NFC.String(s)
}
