package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// HashPayload returns a digest of raw that is stable across key order and
// whitespace. Empty payloads hash like "{}"; invalid JSON hashes byte-wise.
func HashPayload(raw json.RawMessage) string {
	canonical := canonicalJSON(raw)
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:16])
}

func canonicalJSON(raw json.RawMessage) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []byte("{}")
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return trimmed
	}
	// encoding/json writes map keys in sorted order.
	out, err := json.Marshal(v)
	if err != nil {
		return trimmed
	}
	return out
}

func DedupKey(action Action, resourceID, payloadHash string) string {
	return string(action) + "|" + resourceID + "|" + payloadHash
}
