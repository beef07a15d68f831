package wallet

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// Signer signs transactions with a decrypted wallet secret. Callers build a
// Signer, use it, and drop it; the key bytes live only for the duration of
// the operation.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewSigner builds a signer from the 64-byte ed25519 secret stored in the
// wallet envelope.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("wallet: secret must be %d bytes, got %d", ed25519.PrivateKeySize, len(secret))
	}
	key := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(key, secret)
	return &Signer{
		privateKey: key,
		publicKey:  key.Public().(ed25519.PublicKey),
	}, nil
}

// Pubkey returns the base58 public key.
func (s *Signer) Pubkey() string {
	return base58.Encode(s.publicKey)
}

// Sign signs a raw message.
func (s *Signer) Sign(message []byte) []byte {
	return ed25519.Sign(s.privateKey, message)
}

// Zero wipes the private key material.
func (s *Signer) Zero() {
	for i := range s.privateKey {
		s.privateKey[i] = 0
	}
}

// SignSerializedTransaction signs a base64-encoded transaction returned by
// the aggregator and returns the signed base64 payload.
func (s *Signer) SignSerializedTransaction(serializedTxBase64 string) (string, error) {
	txBytes, err := base64.StdEncoding.DecodeString(serializedTxBase64)
	if err != nil {
		return "", err
	}
	if len(txBytes) == 0 {
		return "", errors.New("wallet: empty transaction")
	}

	// Versioned transaction format: [signature count] [signatures...] [message].
	// The fee payer's signature goes into the first slot.
	sigCount := int(txBytes[0])
	if sigCount == 0 {
		message := txBytes[1:]
		signature := s.Sign(message)

		signedTx := make([]byte, 1+64+len(message))
		signedTx[0] = 1
		copy(signedTx[1:65], signature)
		copy(signedTx[65:], message)

		return base64.StdEncoding.EncodeToString(signedTx), nil
	}

	sigOffset := 1
	messageOffset := sigOffset + sigCount*64
	if messageOffset >= len(txBytes) {
		return "", errors.New("wallet: transaction shorter than its signature table")
	}

	message := txBytes[messageOffset:]
	signature := s.Sign(message)
	copy(txBytes[sigOffset:sigOffset+64], signature)

	return base64.StdEncoding.EncodeToString(txBytes), nil
}
