package wallet

import (
	"encoding/json"
	"fmt"

	"solana-turbo-trader/internal/envelope"
	"solana-turbo-trader/internal/session"
	"solana-turbo-trader/internal/storage"
)

// KeySource recovers wallet signing keys for the short window an operation
// needs them. Resolution order: an armed session DEK, then the unprotected
// server-key envelope, then the legacy formats. Protected wallets without an
// armed session yield session.ErrNotArmed.
type KeySource struct {
	db           *storage.DB
	sessions     *session.Cache
	serverSecret []byte
}

func NewKeySource(db *storage.DB, sessions *session.Cache, serverSecret []byte) *KeySource {
	return &KeySource{
		db:           db,
		sessions:     sessions,
		serverSecret: serverSecret,
	}
}

// Armed reports whether the wallet currently has a live session.
func (k *KeySource) Armed(userID, walletID string) bool {
	armed, _ := k.sessions.Status(userID, walletID)
	return armed
}

// WithSigner resolves the wallet key, passes a ready Signer to fn and wipes
// the key material when fn returns.
func (k *KeySource) WithSigner(userID, walletID string, fn func(signer *Signer) error) error {
	w, err := k.db.GetWallet(walletID)
	if err != nil {
		return fmt.Errorf("load wallet: %w", err)
	}
	if w == nil {
		return fmt.Errorf("wallet %s not found", walletID)
	}

	secret, err := k.Secret(userID, w)
	if err != nil {
		return err
	}
	defer envelope.Zero(secret)

	signer, err := NewSigner(secret)
	if err != nil {
		return err
	}
	defer signer.Zero()

	return fn(signer)
}

// Secret recovers the raw 64-byte signing key. The caller owns the returned
// buffer and must zero it.
func (k *KeySource) Secret(userID string, w *storage.Wallet) ([]byte, error) {
	var env envelope.Envelope
	hasEnvelope := w.Envelope != "" && json.Unmarshal([]byte(w.Envelope), &env) == nil
	aad := envelope.AAD(userID, w.ID)

	if hasEnvelope {
		var secret []byte
		err := k.sessions.WithDEK(userID, w.ID, func(dek []byte) error {
			var derr error
			secret, derr = envelope.DecryptSecretWithDEK(&env, dek, aad)
			return derr
		})
		if err == nil {
			return secret, nil
		}
		if !env.IsProtected() {
			return envelope.DecryptUnprotected(&env, userID, k.serverSecret, aad)
		}
		return nil, session.ErrNotArmed
	}

	if w.LegacyEncrypted != "" {
		return envelope.DecryptLegacy(w.LegacyEncrypted, k.serverSecret)
	}
	if w.LegacyPrivateKey != "" {
		return envelope.DecodeLegacyBase58Key(w.LegacyPrivateKey)
	}
	return nil, fmt.Errorf("wallet %s has no key material", w.ID)
}
