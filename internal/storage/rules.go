package storage

import (
	"database/sql"

	"github.com/google/uuid"
)

// TpSlRule is a take-profit / stop-loss guardian rule.
type TpSlRule struct {
	ID         string
	UserID     string
	WalletID   string
	Mint       string
	Strategy   string
	Tp         *float64
	Sl         *float64
	TpPercent  *float64
	SlPercent  *float64
	EntryPrice float64
	Enabled    bool
	Status     string // active, fired, cancelled
	FailCount  int
}

// InsertRule writes a rule, assigning an id if absent.
func (d *DB) InsertRule(r *TpSlRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = "active"
	}
	_, err := d.db.Exec(`
		INSERT INTO tpsl_rules
		(id, user_id, wallet_id, mint, strategy, tp, sl, tp_percent, sl_percent,
		 entry_price, enabled, status, fail_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.WalletID, r.Mint, r.Strategy, r.Tp, r.Sl, r.TpPercent, r.SlPercent,
		r.EntryPrice, r.Enabled, r.Status, r.FailCount)
	return err
}

const ruleColumns = `id, user_id, wallet_id, mint, strategy, tp, sl, tp_percent, sl_percent,
	entry_price, enabled, status, fail_count`

func scanRule(row interface{ Scan(...any) error }) (*TpSlRule, error) {
	var r TpSlRule
	err := row.Scan(&r.ID, &r.UserID, &r.WalletID, &r.Mint, &r.Strategy,
		&r.Tp, &r.Sl, &r.TpPercent, &r.SlPercent, &r.EntryPrice,
		&r.Enabled, &r.Status, &r.FailCount)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRule fetches one rule, nil when not found.
func (d *DB) GetRule(id string) (*TpSlRule, error) {
	r, err := scanRule(d.db.QueryRow(`SELECT `+ruleColumns+` FROM tpsl_rules WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// ActiveRules returns the enabled active rules for a position.
func (d *DB) ActiveRules(userID, walletID, mint string) ([]*TpSlRule, error) {
	rows, err := d.db.Query(`
		SELECT `+ruleColumns+` FROM tpsl_rules
		WHERE user_id = ? AND wallet_id = ? AND mint = ?
		  AND status = 'active' AND enabled = 1`,
		userID, walletID, mint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*TpSlRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// MarkRuleFired transitions an active rule to fired.
func (d *DB) MarkRuleFired(id string) error {
	_, err := d.db.Exec(`
		UPDATE tpsl_rules SET status = 'fired' WHERE id = ? AND status = 'active'`, id)
	return err
}

// BumpRuleFailCount increments the failure counter after an exit attempt
// errored.
func (d *DB) BumpRuleFailCount(id string) error {
	_, err := d.db.Exec(`UPDATE tpsl_rules SET fail_count = fail_count + 1 WHERE id = ?`, id)
	return err
}

// CancelRule transitions a rule to cancelled.
func (d *DB) CancelRule(id string) error {
	_, err := d.db.Exec(`
		UPDATE tpsl_rules SET status = 'cancelled', enabled = 0 WHERE id = ?`, id)
	return err
}

// GuardianCounts summarizes what is watching a wallet, for /status.
type GuardianCounts struct {
	TpSlRules int `json:"tpslRules"`
	OpenBots  int `json:"openBots"`
}

// GuardianCounts counts active rules and open positions for a wallet.
func (d *DB) GuardianCounts(userID, walletID string) (*GuardianCounts, error) {
	var g GuardianCounts
	err := d.db.QueryRow(`
		SELECT COUNT(*) FROM tpsl_rules
		WHERE user_id = ? AND wallet_id = ? AND status = 'active' AND enabled = 1`,
		userID, walletID).Scan(&g.TpSlRules)
	if err != nil {
		return nil, err
	}
	err = d.db.QueryRow(`
		SELECT COUNT(*) FROM trades
		WHERE user_id = ? AND wallet_id = ? AND type = 'buy' AND closed_out_amount < out_amount`,
		userID, walletID).Scan(&g.OpenBots)
	if err != nil {
		return nil, err
	}
	return &g, nil
}
