// Canonical commitment package - deterministic JSON and digest helpers.
// Shared by every component that anchors an attestation on-ledger.
package commitment

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// CanonicalizeJSON takes arbitrary JSON bytes and returns a canonical
// encoding: map keys sorted recursively, arrays retain order. This is a
// simplified RFC8785-like approach, sufficient for content-addressed
// digests where both producer and verifier run this same code.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(canonicalizeValue(v))
}

func canonicalizeValue(v interface{}) interface{} {
	switch vv := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(map[string]interface{}, len(vv))
		for _, k := range keys {
			ordered[k] = canonicalizeValue(vv[k])
		}
		return ordered
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, e := range vv {
			out[i] = canonicalizeValue(e)
		}
		return out
	default:
		return vv
	}
}

// MarshalCanonical marshals v to JSON then canonicalizes the result.
func MarshalCanonical(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return CanonicalizeJSON(raw)
}

// HashBytes returns the hex-encoded SHA-256 of data, "0x"-prefixed.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return "0x" + hex.EncodeToString(h[:])
}

// Digest32 canonicalizes v and returns the raw 32-byte SHA-256 digest, the
// form every attestation bundle anchors on-ledger.
func Digest32(v interface{}) ([32]byte, error) {
	canon, err := MarshalCanonical(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(canon), nil
}

// HashCanonical canonicalizes v and returns its hex digest.
func HashCanonical(v interface{}) (string, error) {
	canon, err := MarshalCanonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(canon), nil
}

// HashConcat returns the SHA-256 of the concatenation of parts, used for
// combining two already-computed digests (e.g. the stage-3 combined
// verification write) without reserializing either side.
func HashConcat(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}
