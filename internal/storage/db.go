package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"solana-turbo-trader/internal/session"
)

// DB wraps SQLite database
type DB struct {
	db *sql.DB
}

// Wallet is a stored wallet row. Exactly one of Envelope, LegacyEncrypted or
// LegacyPrivateKey is populated; arming migrates the legacy forms away.
type Wallet struct {
	ID               string
	UserID           string
	Pubkey           string
	Label            string
	Envelope         string // v1 envelope JSON, empty if legacy
	LegacyEncrypted  string // iv:tag:ct hex
	LegacyPrivateKey string // raw base58 key
	IsProtected      bool
	PassphraseHash   string
	PassphraseHint   string
}

// NewDB creates a new database connection
func NewDB(path string) (*DB, error) {
	dsn := path
	if !strings.Contains(path, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Info().Str("path", path).Msg("database initialized")
	return &DB{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		pubkey TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		envelope TEXT,
		legacy_encrypted TEXT,
		legacy_private_key TEXT,
		is_protected INTEGER NOT NULL DEFAULT 0,
		passphrase_hash TEXT NOT NULL DEFAULT '',
		passphrase_hint TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS user_settings (
		user_id TEXT PRIMARY KEY,
		require_arm INTEGER NOT NULL DEFAULT 0,
		default_passphrase_hash TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS auto_return (
		user_id TEXT PRIMARY KEY,
		enabled INTEGER NOT NULL DEFAULT 0,
		dest_pubkey TEXT NOT NULL DEFAULT '',
		dest_verified_at INTEGER,
		grace_seconds INTEGER NOT NULL DEFAULT 0,
		sweep_tokens INTEGER NOT NULL DEFAULT 0,
		sol_min_keep_lamports INTEGER NOT NULL DEFAULT 0,
		fee_buffer_lamports INTEGER NOT NULL DEFAULT 0,
		exclude_mints TEXT NOT NULL DEFAULT '[]',
		usdc_mints TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS auto_return_triggered (
		user_id TEXT NOT NULL,
		wallet_id TEXT NOT NULL,
		triggered_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, wallet_id)
	);

	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		wallet_id TEXT NOT NULL,
		wallet_label TEXT NOT NULL DEFAULT '',
		mint TEXT NOT NULL,
		strategy TEXT NOT NULL,
		type TEXT NOT NULL,
		in_amount INTEGER NOT NULL,
		out_amount INTEGER NOT NULL,
		closed_out_amount INTEGER NOT NULL DEFAULT 0,
		entry_price REAL NOT NULL,
		entry_price_usd REAL NOT NULL,
		tx_hash TEXT NOT NULL,
		input_mint TEXT NOT NULL,
		output_mint TEXT NOT NULL,
		decimals INTEGER NOT NULL,
		slippage_bps INTEGER NOT NULL,
		mev_mode TEXT NOT NULL DEFAULT '',
		priority_fee_lamports INTEGER NOT NULL DEFAULT 0,
		tip_lamports INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		extras TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS closed_trades (
		id TEXT PRIMARY KEY,
		trade_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		wallet_id TEXT NOT NULL,
		mint TEXT NOT NULL,
		strategy TEXT NOT NULL,
		in_amount INTEGER NOT NULL,
		out_amount INTEGER NOT NULL,
		closed_out_amount INTEGER NOT NULL,
		entry_price REAL NOT NULL,
		entry_price_usd REAL NOT NULL,
		exit_price REAL NOT NULL,
		exit_price_usd REAL NOT NULL,
		exit_tx_hash TEXT NOT NULL,
		reason TEXT NOT NULL,
		exited_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tpsl_rules (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		wallet_id TEXT NOT NULL,
		mint TEXT NOT NULL,
		strategy TEXT NOT NULL,
		tp REAL,
		sl REAL,
		tp_percent REAL,
		sl_percent REAL,
		entry_price REAL NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL DEFAULT 'active',
		fail_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_wallets_user ON wallets(user_id);
	CREATE INDEX IF NOT EXISTS idx_trades_dedup ON trades(user_id, wallet_id, mint, strategy, type, created_at);
	CREATE INDEX IF NOT EXISTS idx_trades_open ON trades(closed_out_amount, created_at);
	CREATE INDEX IF NOT EXISTS idx_rules_lookup ON tpsl_rules(user_id, wallet_id, mint, status);
	`

	_, err := db.Exec(schema)
	return err
}

// GetWallet retrieves a wallet by id, nil when not found.
func (d *DB) GetWallet(walletID string) (*Wallet, error) {
	var w Wallet
	var envelope, legacyEnc, legacyKey sql.NullString
	err := d.db.QueryRow(`
		SELECT id, user_id, pubkey, label, envelope, legacy_encrypted, legacy_private_key,
		       is_protected, passphrase_hash, passphrase_hint
		FROM wallets WHERE id = ?`, walletID).Scan(
		&w.ID, &w.UserID, &w.Pubkey, &w.Label, &envelope, &legacyEnc, &legacyKey,
		&w.IsProtected, &w.PassphraseHash, &w.PassphraseHint)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	w.Envelope = envelope.String
	w.LegacyEncrypted = legacyEnc.String
	w.LegacyPrivateKey = legacyKey.String
	return &w, nil
}

// GetUserWallets retrieves all wallets of a user.
func (d *DB) GetUserWallets(userID string) ([]*Wallet, error) {
	rows, err := d.db.Query(`
		SELECT id, user_id, pubkey, label, envelope, legacy_encrypted, legacy_private_key,
		       is_protected, passphrase_hash, passphrase_hint
		FROM wallets WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []*Wallet
	for rows.Next() {
		var w Wallet
		var envelope, legacyEnc, legacyKey sql.NullString
		if err := rows.Scan(&w.ID, &w.UserID, &w.Pubkey, &w.Label, &envelope, &legacyEnc, &legacyKey,
			&w.IsProtected, &w.PassphraseHash, &w.PassphraseHint); err != nil {
			return nil, err
		}
		w.Envelope = envelope.String
		w.LegacyEncrypted = legacyEnc.String
		w.LegacyPrivateKey = legacyKey.String
		wallets = append(wallets, &w)
	}
	return wallets, rows.Err()
}

// InsertWallet inserts or replaces a wallet row.
func (d *DB) InsertWallet(w *Wallet) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO wallets
		(id, user_id, pubkey, label, envelope, legacy_encrypted, legacy_private_key,
		 is_protected, passphrase_hash, passphrase_hint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.UserID, w.Pubkey, w.Label,
		nullable(w.Envelope), nullable(w.LegacyEncrypted), nullable(w.LegacyPrivateKey),
		w.IsProtected, w.PassphraseHash, w.PassphraseHint)
	return err
}

// SaveProtectedEnvelope commits a migration to a protected envelope. One
// UPDATE flips the row to its final state: the legacy material is cleared in
// the same statement, so no intermediate state is ever visible.
func (d *DB) SaveProtectedEnvelope(walletID, envelopeJSON, passphraseHash, hint string) error {
	res, err := d.db.Exec(`
		UPDATE wallets SET
			envelope = ?,
			legacy_encrypted = NULL,
			legacy_private_key = NULL,
			is_protected = 1,
			passphrase_hash = ?,
			passphrase_hint = ?
		WHERE id = ?`,
		envelopeJSON, passphraseHash, hint, walletID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("wallet %s not found", walletID)
	}
	return nil
}

// SaveUnprotectedEnvelope rewrites the wallet to the unprotected HKDF form.
func (d *DB) SaveUnprotectedEnvelope(walletID, envelopeJSON string) error {
	res, err := d.db.Exec(`
		UPDATE wallets SET
			envelope = ?,
			legacy_encrypted = NULL,
			legacy_private_key = NULL,
			is_protected = 0,
			passphrase_hash = '',
			passphrase_hint = ''
		WHERE id = ?`,
		envelopeJSON, walletID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("wallet %s not found", walletID)
	}
	return nil
}

// SetRequireArm toggles the user's require-arm-to-trade flag.
func (d *DB) SetRequireArm(userID string, require bool) error {
	_, err := d.db.Exec(`
		INSERT INTO user_settings (user_id, require_arm) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET require_arm = excluded.require_arm`,
		userID, require)
	return err
}

// RequireArm reports whether the user demands an armed session for trades.
func (d *DB) RequireArm(userID string) (bool, error) {
	var v bool
	err := d.db.QueryRow(`SELECT require_arm FROM user_settings WHERE user_id = ?`, userID).Scan(&v)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return v, err
}

// AutoReturnSettings loads the user's sweep configuration, nil if none set.
func (d *DB) AutoReturnSettings(userID string) (*session.ReturnSettings, error) {
	var s session.ReturnSettings
	var excludeJSON, usdcJSON string
	err := d.db.QueryRow(`
		SELECT enabled, dest_pubkey, grace_seconds, sweep_tokens,
		       sol_min_keep_lamports, fee_buffer_lamports, exclude_mints, usdc_mints
		FROM auto_return WHERE user_id = ?`, userID).Scan(
		&s.Enabled, &s.DestPubkey, &s.GraceSeconds, &s.SweepTokens,
		&s.SolMinKeepLamports, &s.FeeBufferLamports, &excludeJSON, &usdcJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(excludeJSON), &s.ExcludeMints); err != nil {
		s.ExcludeMints = nil
	}
	if err := json.Unmarshal([]byte(usdcJSON), &s.UsdcMints); err != nil {
		s.UsdcMints = nil
	}
	return &s, nil
}

// SaveAutoReturnSettings upserts the user's sweep configuration.
func (d *DB) SaveAutoReturnSettings(userID string, s *session.ReturnSettings) error {
	excludeJSON, err := json.Marshal(s.ExcludeMints)
	if err != nil {
		return err
	}
	usdcJSON, err := json.Marshal(s.UsdcMints)
	if err != nil {
		return err
	}
	_, err = d.db.Exec(`
		INSERT OR REPLACE INTO auto_return
		(user_id, enabled, dest_pubkey, dest_verified_at, grace_seconds, sweep_tokens,
		 sol_min_keep_lamports, fee_buffer_lamports, exclude_mints, usdc_mints)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, s.Enabled, s.DestPubkey, time.Now().UnixMilli(), s.GraceSeconds, s.SweepTokens,
		s.SolMinKeepLamports, s.FeeBufferLamports, string(excludeJSON), string(usdcJSON))
	return err
}

// MarkAutoReturnTriggered records the one-shot sweep flag.
func (d *DB) MarkAutoReturnTriggered(userID, walletID string) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO auto_return_triggered (user_id, wallet_id, triggered_at)
		VALUES (?, ?, ?)`,
		userID, walletID, time.Now().UnixMilli())
	return err
}

// ConsumeAutoReturnTriggered reads and clears the one-shot flag.
func (d *DB) ConsumeAutoReturnTriggered(userID, walletID string) (bool, error) {
	res, err := d.db.Exec(`
		DELETE FROM auto_return_triggered WHERE user_id = ? AND wallet_id = ?`,
		userID, walletID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
