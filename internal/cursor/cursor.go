// Package cursor encodes listing positions into opaque continuation tokens.
//
// A token is unpadded base64url over a small JSON object that names the listing it
// belongs to. Tokens from one listing never decode in another, and anything malformed
// decodes as "no cursor" so clients restart from the beginning instead of failing.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

type Kind string

const (
	Conversations Kind = "c"
	Messages      Kind = "m"
)

// Key is the exclusive bound of the next page. Sort is the primary ordering value;
// ID is the tiebreaker for listings whose ordering value can repeat.
type Key struct {
	Sort string
	ID   string
}

type payload struct {
	Kind Kind   `json:"k"`
	Sort string `json:"s"`
	ID   string `json:"i,omitempty"`
}

// Encode returns the token for key in the given listing. An empty key encodes to "".
func Encode(kind Kind, key Key) string {
	if key.Sort == "" {
		return ""
	}
	raw, err := json.Marshal(payload{Kind: kind, Sort: key.Sort, ID: key.ID})
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Decode returns the key carried by token. ok is false for an empty, malformed or
// foreign token, which callers treat as "start from the beginning".
func Decode(kind Kind, token string) (Key, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Key{}, false
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Key{}, false
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Key{}, false
	}
	if p.Kind != kind || p.Sort == "" {
		return Key{}, false
	}
	if kind == Conversations && p.ID == "" {
		return Key{}, false
	}
	return Key{Sort: p.Sort, ID: p.ID}, true
}
