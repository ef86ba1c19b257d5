// Package fingerprint computes the content-addressed cache key used to
// coalesce and cache identical translation requests.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// canonical is the fixed-shape struct marshaled to produce a stable byte
// sequence for hashing. Field order in a Go struct tag-driven json.Marshal
// is the declaration order, so this is deterministic across calls.
type canonical struct {
	Texts []string `json:"texts"`
	Lang  string   `json:"lang"`
	Model string   `json:"model"`
}

// Of returns the 64-character lowercase hex SHA-256 digest of the canonical
// JSON encoding of (texts, lang, model). Two requests with the same texts,
// target language, and model always produce the same fingerprint regardless
// of any other request field (client id, stream flag, temperature, ...).
func Of(texts []string, lang, model string) string {
	if texts == nil {
		// Encode a nil list as [] rather than null, so nil and empty agree.
		texts = []string{}
	}
	c := canonical{Texts: texts, Lang: lang, Model: model}
	// json.Marshal on a struct never fails for this shape (no channels,
	// funcs, or cyclic values), so the error is intentionally ignored.
	b, _ := json.Marshal(c)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
