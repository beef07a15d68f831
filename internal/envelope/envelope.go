package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// Envelope is the persisted wallet-secret document. A protected envelope
// carries a KEK-wrapped DEK; the unprotected variant omits it and wraps the
// secret directly under the HKDF-derived server key.
type Envelope struct {
	V             int     `json:"v"`
	Alg           string  `json:"alg"`
	KEK           *KEK    `json:"kek,omitempty"`
	KekWrappedDek *Sealed `json:"kekWrappedDek,omitempty"`
	Wrapped       Sealed  `json:"wrapped"`
}

// KEK holds the pass-phrase KDF parameters for a protected envelope.
type KEK struct {
	Salt   string       `json:"salt"`
	Params Argon2Params `json:"params"`
}

// Argon2Params pins the KDF cost so old envelopes stay decryptable if the
// defaults ever change.
type Argon2Params struct {
	MemoryKiB uint32 `json:"m"`
	Time      uint32 `json:"t"`
	Threads   uint8  `json:"p"`
}

// Sealed is one AEAD output: AES-256-GCM with a 96-bit nonce, tag stored
// separately from the ciphertext.
type Sealed struct {
	Nonce string `json:"nonce"`
	CT    string `json:"ct"`
	Tag   string `json:"tag"`
}

var (
	ErrBadPassphrase     = errors.New("envelope: bad passphrase")
	ErrCorruptEnvelope   = errors.New("envelope: corrupt envelope")
	ErrUnsupportedLegacy = errors.New("envelope: unsupported legacy format")
	ErrNotProtected      = errors.New("envelope: envelope is not passphrase-protected")
	ErrProtected         = errors.New("envelope: envelope is passphrase-protected")
)

const (
	version   = 1
	algAESGCM = "aes-256-gcm"

	dekLen     = 32
	kekSaltLen = 16
	nonceLen   = 12
	tagLen     = 16

	hkdfInfo = "wallet-kek-v1"
)

func defaultArgon2Params() Argon2Params {
	return Argon2Params{MemoryKiB: 64 * 1024, Time: 3, Threads: 4}
}

// AAD returns the binding string that ties a ciphertext to its owner. It is
// derived, never stored.
func AAD(userID, walletID string) string {
	return fmt.Sprintf("user:%s:wallet:%s", userID, walletID)
}

// Zero overwrites a secret-bearing buffer.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// EncryptSecret builds a protected v1 envelope: a fresh DEK wraps the
// secret, and an Argon2id KEK derived from the pass-phrase wraps the DEK.
func EncryptSecret(plaintext, passphrase []byte, aad string) (*Envelope, error) {
	dek := make([]byte, dekLen)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("generate dek: %w", err)
	}
	defer Zero(dek)

	salt := make([]byte, kekSaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	params := defaultArgon2Params()
	kek := deriveKEK(passphrase, salt, params)
	defer Zero(kek)

	wrappedDek, err := seal(kek, dek, aad)
	if err != nil {
		return nil, err
	}

	wrapped, err := seal(dek, plaintext, aad)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		V:   version,
		Alg: algAESGCM,
		KEK: &KEK{
			Salt:   hex.EncodeToString(salt),
			Params: params,
		},
		KekWrappedDek: wrappedDek,
		Wrapped:       *wrapped,
	}, nil
}

// UnwrapDEK recovers the DEK from a protected envelope. The caller owns the
// returned buffer and must zero it when done.
func UnwrapDEK(env *Envelope, passphrase []byte, aad string) ([]byte, error) {
	if err := checkVersion(env); err != nil {
		return nil, err
	}
	if env.KekWrappedDek == nil || env.KEK == nil {
		return nil, ErrNotProtected
	}

	salt, err := hex.DecodeString(env.KEK.Salt)
	if err != nil {
		return nil, ErrCorruptEnvelope
	}

	kek := deriveKEK(passphrase, salt, env.KEK.Params)
	defer Zero(kek)

	dek, err := open(kek, env.KekWrappedDek, aad)
	if err != nil {
		// Tag mismatch on the KEK-wrapped DEK means the pass-phrase
		// (or the AAD binding) is wrong.
		return nil, ErrBadPassphrase
	}
	return dek, nil
}

// DecryptSecretWithDEK recovers the wallet secret using an already-unwrapped
// DEK. The caller owns the returned buffer and must zero it when done.
func DecryptSecretWithDEK(env *Envelope, dek []byte, aad string) ([]byte, error) {
	if err := checkVersion(env); err != nil {
		return nil, err
	}
	secret, err := open(dek, &env.Wrapped, aad)
	if err != nil {
		return nil, ErrCorruptEnvelope
	}
	return secret, nil
}

// EncryptUnprotected wraps a secret under the HKDF(serverSecret, userID)
// key alone, with no pass-phrase in the loop.
func EncryptUnprotected(plaintext []byte, userID string, serverSecret []byte, aad string) (*Envelope, error) {
	key, err := deriveServerKey(serverSecret, userID)
	if err != nil {
		return nil, err
	}
	defer Zero(key)

	wrapped, err := seal(key, plaintext, aad)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		V:       version,
		Alg:     algAESGCM,
		Wrapped: *wrapped,
	}, nil
}

// DecryptUnprotected recovers the secret from an unprotected envelope.
func DecryptUnprotected(env *Envelope, userID string, serverSecret []byte, aad string) ([]byte, error) {
	if err := checkVersion(env); err != nil {
		return nil, err
	}
	if env.KekWrappedDek != nil {
		return nil, ErrProtected
	}

	key, err := deriveServerKey(serverSecret, userID)
	if err != nil {
		return nil, err
	}
	defer Zero(key)

	secret, err := open(key, &env.Wrapped, aad)
	if err != nil {
		return nil, ErrCorruptEnvelope
	}
	return secret, nil
}

// ChangePassphrase re-wraps the DEK under a KEK derived from the new
// pass-phrase. The wrapped secret itself is untouched.
func ChangePassphrase(env *Envelope, oldPass, newPass []byte, aad string) (*Envelope, error) {
	dek, err := UnwrapDEK(env, oldPass, aad)
	if err != nil {
		return nil, err
	}
	defer Zero(dek)

	salt := make([]byte, kekSaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	params := defaultArgon2Params()
	kek := deriveKEK(newPass, salt, params)
	defer Zero(kek)

	wrappedDek, err := seal(kek, dek, aad)
	if err != nil {
		return nil, err
	}

	out := *env
	out.KEK = &KEK{Salt: hex.EncodeToString(salt), Params: params}
	out.KekWrappedDek = wrappedDek
	return &out, nil
}

// IsProtected reports whether the envelope requires a pass-phrase to unwrap.
func (e *Envelope) IsProtected() bool {
	return e != nil && e.KekWrappedDek != nil
}

func checkVersion(env *Envelope) error {
	if env == nil || env.V != version || env.Alg != algAESGCM {
		return ErrCorruptEnvelope
	}
	return nil
}

func deriveKEK(passphrase, salt []byte, p Argon2Params) []byte {
	if p.MemoryKiB == 0 || p.Time == 0 || p.Threads == 0 {
		p = defaultArgon2Params()
	}
	return argon2.IDKey(passphrase, salt, p.Time, p.MemoryKiB, p.Threads, dekLen)
}

func deriveServerKey(serverSecret []byte, userID string) ([]byte, error) {
	if len(serverSecret) == 0 {
		return nil, errors.New("envelope: server secret not configured")
	}
	r := hkdf.New(sha256.New, serverSecret, []byte(userID), []byte(hkdfInfo))
	key := make([]byte, dekLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return key, nil
}

func seal(key, plaintext []byte, aad string) (*Sealed, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := aead.Seal(nil, nonce, plaintext, []byte(aad))
	ct, tag := out[:len(out)-tagLen], out[len(out)-tagLen:]

	return &Sealed{
		Nonce: hex.EncodeToString(nonce),
		CT:    hex.EncodeToString(ct),
		Tag:   hex.EncodeToString(tag),
	}, nil
}

func open(key []byte, s *Sealed, aad string) ([]byte, error) {
	nonce, err := hex.DecodeString(s.Nonce)
	if err != nil || len(nonce) != nonceLen {
		return nil, ErrCorruptEnvelope
	}
	ct, err := hex.DecodeString(s.CT)
	if err != nil {
		return nil, ErrCorruptEnvelope
	}
	tag, err := hex.DecodeString(s.Tag)
	if err != nil || len(tag) != tagLen {
		return nil, ErrCorruptEnvelope
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, append(ct, tag...), []byte(aad))
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	return cipher.NewGCM(block)
}

// HashPassphrase produces an Argon2id verifier for storage alongside the
// envelope. Format: salt_hex$hash_hex with the default cost.
func HashPassphrase(passphrase []byte) (string, error) {
	salt := make([]byte, kekSaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	p := defaultArgon2Params()
	sum := argon2.IDKey(passphrase, salt, p.Time, p.MemoryKiB, p.Threads, dekLen)
	return hex.EncodeToString(salt) + "$" + hex.EncodeToString(sum), nil
}

// VerifyPassphrase checks a pass-phrase against a stored verifier in
// constant time.
func VerifyPassphrase(passphrase []byte, stored string) bool {
	var saltHex, sumHex string
	for i := 0; i < len(stored); i++ {
		if stored[i] == '$' {
			saltHex, sumHex = stored[:i], stored[i+1:]
			break
		}
	}
	if saltHex == "" || sumHex == "" {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(sumHex)
	if err != nil {
		return false
	}
	p := defaultArgon2Params()
	got := argon2.IDKey(passphrase, salt, p.Time, p.MemoryKiB, p.Threads, dekLen)
	defer Zero(got)
	return subtle.ConstantTimeCompare(got, want) == 1
}
