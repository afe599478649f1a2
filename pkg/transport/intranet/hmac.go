// Package intranet implements the Intranet-mode Worker Transport: the
// Master pushes directly to a Worker's HTTP endpoint instead of the Worker
// polling a Gateway. Dispatch is authenticated by the Worker's api_key,
// optionally HMAC-signed.
package intranet

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// sortedJSON renders v as compact JSON with object keys sorted, matching
// the Python reference's json_compact(payload, sort_keys=True) so the
// signature computed by either side over the same payload agrees byte for
// byte.
func sortedJSON(v map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]byte, 0, 256)
	ordered = append(ordered, '{')
	for i, k := range keys {
		if i > 0 {
			ordered = append(ordered, ',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(v[k])
		if err != nil {
			return nil, err
		}
		ordered = append(ordered, keyJSON...)
		ordered = append(ordered, ':')
		ordered = append(ordered, valJSON...)
	}
	ordered = append(ordered, '}')
	return ordered, nil
}

// Sign computes X-Signature = hex(HMAC-SHA256(secretKey, timestamp + "." +
// nonce + "." + json_compact(payload, sort_keys=True))).
func Sign(secretKey, timestamp, nonce string, payload map[string]any) (string, error) {
	body, err := sortedJSON(payload)
	if err != nil {
		return "", err
	}
	msg := timestamp + "." + nonce + "." + string(body)
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the signature and compares it to sig in constant time.
func Verify(secretKey, timestamp, nonce string, payload map[string]any, sig string) (bool, error) {
	expected, err := Sign(secretKey, timestamp, nonce, payload)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(expected), []byte(sig)), nil
}
