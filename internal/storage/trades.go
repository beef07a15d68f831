package storage

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Trade is an open (or partially closed) position.
type Trade struct {
	ID                  string
	UserID              string
	WalletID            string
	WalletLabel         string
	Mint                string
	Strategy            string
	Type                string // "buy" or "sell"
	InAmount            uint64
	OutAmount           uint64
	ClosedOutAmount     uint64
	EntryPrice          float64
	EntryPriceUSD       float64
	TxHash              string
	InputMint           string
	OutputMint          string
	Decimals            uint8
	SlippageBps         int
	MevMode             string
	PriorityFeeLamports uint64
	TipLamports         uint64
	CreatedAt           int64 // unix ms
	Extras              string
}

// ClosedTrade mirrors Trade with exit data.
type ClosedTrade struct {
	ID              string
	TradeID         string
	UserID          string
	WalletID        string
	Mint            string
	Strategy        string
	InAmount        uint64
	OutAmount       uint64
	ClosedOutAmount uint64
	EntryPrice      float64
	EntryPriceUSD   float64
	ExitPrice       float64
	ExitPriceUSD    float64
	ExitTxHash      string
	Reason          string
	ExitedAt        int64
}

// InsertTrade writes a new trade row, assigning an id if absent.
func (d *DB) InsertTrade(t *Trade) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt == 0 {
		t.CreatedAt = time.Now().UnixMilli()
	}
	if t.Extras == "" {
		t.Extras = "{}"
	}
	_, err := d.db.Exec(`
		INSERT INTO trades
		(id, user_id, wallet_id, wallet_label, mint, strategy, type, in_amount, out_amount,
		 closed_out_amount, entry_price, entry_price_usd, tx_hash, input_mint, output_mint,
		 decimals, slippage_bps, mev_mode, priority_fee_lamports, tip_lamports, created_at, extras)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.WalletID, t.WalletLabel, t.Mint, t.Strategy, t.Type,
		t.InAmount, t.OutAmount, t.ClosedOutAmount, t.EntryPrice, t.EntryPriceUSD,
		t.TxHash, t.InputMint, t.OutputMint, t.Decimals, t.SlippageBps, t.MevMode,
		t.PriorityFeeLamports, t.TipLamports, t.CreatedAt, t.Extras)
	return err
}

const tradeColumns = `id, user_id, wallet_id, wallet_label, mint, strategy, type, in_amount,
	out_amount, closed_out_amount, entry_price, entry_price_usd, tx_hash, input_mint,
	output_mint, decimals, slippage_bps, mev_mode, priority_fee_lamports, tip_lamports,
	created_at, extras`

func scanTrade(row interface{ Scan(...any) error }) (*Trade, error) {
	var t Trade
	err := row.Scan(&t.ID, &t.UserID, &t.WalletID, &t.WalletLabel, &t.Mint, &t.Strategy,
		&t.Type, &t.InAmount, &t.OutAmount, &t.ClosedOutAmount, &t.EntryPrice,
		&t.EntryPriceUSD, &t.TxHash, &t.InputMint, &t.OutputMint, &t.Decimals,
		&t.SlippageBps, &t.MevMode, &t.PriorityFeeLamports, &t.TipLamports,
		&t.CreatedAt, &t.Extras)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTrade fetches one trade by id, nil when not found.
func (d *DB) GetTrade(id string) (*Trade, error) {
	t, err := scanTrade(d.db.QueryRow(
		`SELECT `+tradeColumns+` FROM trades WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// RecentBuy returns a buy with the same shape inside the dedup window, nil
// when the send is fresh.
func (d *DB) RecentBuy(userID, walletID, mint, strategy string, window time.Duration) (*Trade, error) {
	cutoff := time.Now().Add(-window).UnixMilli()
	t, err := scanTrade(d.db.QueryRow(`
		SELECT `+tradeColumns+` FROM trades
		WHERE user_id = ? AND wallet_id = ? AND mint = ? AND strategy = ?
		  AND type = 'buy' AND created_at >= ?
		ORDER BY created_at DESC LIMIT 1`,
		userID, walletID, mint, strategy, cutoff))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// OpenTrades returns all buys that are not fully closed, oldest first. The
// smart-exit watcher bootstraps from this on startup.
func (d *DB) OpenTrades() ([]*Trade, error) {
	rows, err := d.db.Query(`
		SELECT ` + tradeColumns + ` FROM trades
		WHERE type = 'buy' AND closed_out_amount < out_amount
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// OldestOpenTrade returns the oldest open buy for a position, nil when flat.
// FIFO accounting closes positions in entry order.
func (d *DB) OldestOpenTrade(userID, walletID, mint string) (*Trade, error) {
	t, err := scanTrade(d.db.QueryRow(`
		SELECT `+tradeColumns+` FROM trades
		WHERE user_id = ? AND wallet_id = ? AND mint = ?
		  AND type = 'buy' AND closed_out_amount < out_amount
		ORDER BY created_at ASC LIMIT 1`,
		userID, walletID, mint))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// TradeExtras reloads just the extras JSON so mid-flight edits apply on the
// next watcher tick.
func (d *DB) TradeExtras(id string) (string, error) {
	var extras string
	err := d.db.QueryRow(`SELECT extras FROM trades WHERE id = ?`, id).Scan(&extras)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return extras, err
}

// UpdateTradeExtras replaces the extras JSON.
func (d *DB) UpdateTradeExtras(id, extras string) error {
	_, err := d.db.Exec(`UPDATE trades SET extras = ? WHERE id = ?`, extras, id)
	return err
}

// CloseTrade fully closes a trade: the open row's closedOutAmount is set to
// its outAmount and a ClosedTrade row is written, in one transaction.
func (d *DB) CloseTrade(t *Trade, exitPrice, exitPriceUSD float64, exitTxHash, reason string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		UPDATE trades SET closed_out_amount = out_amount WHERE id = ?`, t.ID); err != nil {
		return err
	}

	if _, err := tx.Exec(`
		INSERT INTO closed_trades
		(id, trade_id, user_id, wallet_id, mint, strategy, in_amount, out_amount,
		 closed_out_amount, entry_price, entry_price_usd, exit_price, exit_price_usd,
		 exit_tx_hash, reason, exited_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), t.ID, t.UserID, t.WalletID, t.Mint, t.Strategy,
		t.InAmount, t.OutAmount, t.OutAmount, t.EntryPrice, t.EntryPriceUSD,
		exitPrice, exitPriceUSD, exitTxHash, reason, time.Now().UnixMilli()); err != nil {
		return err
	}

	return tx.Commit()
}

// ClosedTrades returns closed positions for a user, newest first.
func (d *DB) ClosedTrades(userID string, limit int) ([]*ClosedTrade, error) {
	rows, err := d.db.Query(`
		SELECT id, trade_id, user_id, wallet_id, mint, strategy, in_amount, out_amount,
		       closed_out_amount, entry_price, entry_price_usd, exit_price, exit_price_usd,
		       exit_tx_hash, reason, exited_at
		FROM closed_trades WHERE user_id = ? ORDER BY exited_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var closed []*ClosedTrade
	for rows.Next() {
		var c ClosedTrade
		if err := rows.Scan(&c.ID, &c.TradeID, &c.UserID, &c.WalletID, &c.Mint, &c.Strategy,
			&c.InAmount, &c.OutAmount, &c.ClosedOutAmount, &c.EntryPrice, &c.EntryPriceUSD,
			&c.ExitPrice, &c.ExitPriceUSD, &c.ExitTxHash, &c.Reason, &c.ExitedAt); err != nil {
			return nil, err
		}
		closed = append(closed, &c)
	}
	return closed, rows.Err()
}
