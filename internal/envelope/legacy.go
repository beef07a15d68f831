package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/mr-tron/base58"
)

// Legacy wallet rows predate the envelope document. Two shapes exist in old
// databases: "iv:tag:ciphertext" hex under a server-wide key, and a raw
// base58 64-byte private key. Both are accepted on arm and rewritten as v1
// envelopes.

// IsLegacyCiphertext reports whether s looks like the old iv:tag:ct format.
func IsLegacyCiphertext(s string) bool {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if _, err := hex.DecodeString(p); err != nil || p == "" {
			return false
		}
	}
	return true
}

// DecryptLegacy opens an iv:tag:ct blob under the server-wide legacy key
// (SHA-256 of the server secret, no AAD). The caller must zero the result.
func DecryptLegacy(enc string, serverSecret []byte) ([]byte, error) {
	parts := strings.Split(enc, ":")
	if len(parts) != 3 {
		return nil, ErrUnsupportedLegacy
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != nonceLen {
		return nil, ErrUnsupportedLegacy
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagLen {
		return nil, ErrUnsupportedLegacy
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, ErrUnsupportedLegacy
	}

	key := sha256.Sum256(serverSecret)
	defer Zero(key[:])

	aead, err := newGCM(key[:])
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, ErrUnsupportedLegacy
	}
	return plaintext, nil
}

// DecodeLegacyBase58Key parses a raw base58 private key (the oldest wallet
// format). Only 64-byte ed25519 keys are accepted.
func DecodeLegacyBase58Key(s string) ([]byte, error) {
	raw, err := base58.Decode(s)
	if err != nil || len(raw) != 64 {
		return nil, ErrUnsupportedLegacy
	}
	return raw, nil
}
