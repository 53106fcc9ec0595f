package dbverify

import "strings"

const didKeyPrefix = "did:key:"

// NormalizeDID canonicalizes the two wire forms spec.md §4.2 describes
// ("did:key:X" and "didX", the latter being the prefix "did" glued
// directly onto the key material with no separator) into "did:key:X".
func NormalizeDID(raw string) string {
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, didKeyPrefix) {
		return raw
	}
	if strings.HasPrefix(raw, "did") {
		return didKeyPrefix + strings.TrimPrefix(raw, "did")
	}
	return didKeyPrefix + raw
}
