package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// CanonicalJSON serializes v with sorted object keys, matching Python's
// json.dumps(obj, sort_keys=True) byte-for-byte (", " and ": " separators).
// Evidence signatures and bundle hashes are computed over this form, so the
// control plane can re-serialize and verify without ambiguity.
func CanonicalJSON(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf := []byte("{")
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',', ' ')
			}
			kJSON, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kJSON...)
			buf = append(buf, ':', ' ')
			vJSON, err := CanonicalJSON(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vJSON...)
		}
		buf = append(buf, '}')
		return buf, nil

	case []interface{}:
		buf := []byte("[")
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',', ' ')
			}
			itemJSON, err := CanonicalJSON(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, itemJSON...)
		}
		buf = append(buf, ']')
		return buf, nil

	case []map[string]interface{}:
		// JSON round-trips decode arrays as []interface{}, but callers that
		// build payloads directly often hold []map[string]interface{}.
		items := make([]interface{}, len(val))
		for i := range val {
			items[i] = val[i]
		}
		return CanonicalJSON(items)

	default:
		return json.Marshal(v)
	}
}

// HashCanonical returns the lowercase hex SHA-256 of the canonical JSON of v.
func HashCanonical(v interface{}) (string, error) {
	data, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
