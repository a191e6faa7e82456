// Package fingerprint computes the deterministic idempotency key used by
// the Credit Reservation ledger: a 24-hex digest over a canonical JSON
// encoding of the request's identifying fields.
//
// Ported from the semantics of bot_core/request_id.py's compute_request_id:
// sha256 of {channel, user_id, vin, language, options, client_key} with
// sorted keys, lower-cased channel/language, upper-cased vin, truncated to
// 24 hex characters.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// Input holds the fields that make two requests "the same" for idempotency
// purposes. ClientKey, when non-empty, disambiguates otherwise-identical
// manual resubmissions (spec §4.1).
type Input struct {
	Channel   string
	UserID    string
	VIN       string
	Language  string
	Options   map[string]string
	ClientKey string
}

// canonical is the JSON shape actually hashed. encoding/json writes struct
// fields in declaration order, so the fields are declared in sorted key
// order to produce the same sorted-key encoding as the Python reference.
type canonical struct {
	Channel   string            `json:"channel"`
	ClientKey string            `json:"client_key,omitempty"`
	Language  string            `json:"language"`
	Options   map[string]string `json:"options"`
	UserID    string            `json:"user_id"`
	VIN       string            `json:"vin"`
}

// Compute returns the 24-hex request id for in.
func Compute(in Input) string {
	options := in.Options
	if options == nil {
		options = map[string]string{}
	}

	payload := canonical{
		Channel:   strings.ToLower(strings.TrimSpace(in.Channel)),
		UserID:    strings.TrimSpace(in.UserID),
		VIN:       strings.ToUpper(strings.TrimSpace(in.VIN)),
		Language:  strings.ToLower(strings.TrimSpace(in.Language)),
		Options:   sortedCopy(options),
		ClientKey: strings.TrimSpace(in.ClientKey),
	}

	// encoding/json already marshals map[string]string keys in sorted
	// order, matching json.dumps(..., sort_keys=True) in the Python
	// reference; compact separators are Go's default (no indent).
	packed, err := json.Marshal(payload)
	if err != nil {
		// Marshal of this fixed, all-string shape cannot fail.
		panic(err)
	}

	sum := sha256.Sum256(packed)
	return hex.EncodeToString(sum[:])[:24]
}

// sortedCopy returns a copy of m; json.Marshal already sorts map keys on
// encode, this just avoids mutating the caller's map.
func sortedCopy(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out[k] = m[k]
	}
	return out
}
