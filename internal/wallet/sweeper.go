package wallet

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/rs/zerolog/log"

	"solana-turbo-trader/internal/envelope"
	"solana-turbo-trader/internal/rpcpool"
	"solana-turbo-trader/internal/session"
	"solana-turbo-trader/internal/storage"
)

// ErrProtectedSweep means the wallet's session is gone and the envelope
// needs a pass-phrase, so there is no key to sweep with.
var ErrProtectedSweep = errors.New("wallet: cannot sweep a protected wallet without an armed session")

// Sweeper returns wallet funds to the user's configured destination when an
// armed session expires. Implements the auto-return scheduler's Sweeper.
type Sweeper struct {
	db     *storage.DB
	pool   *rpcpool.Pool
	keys   *KeySource
	quorum rpcpool.QuorumOpts
}

func NewSweeper(db *storage.DB, pool *rpcpool.Pool, keys *KeySource, quorum rpcpool.QuorumOpts) *Sweeper {
	return &Sweeper{
		db:     db,
		pool:   pool,
		keys:   keys,
		quorum: quorum,
	}
}

// Sweep moves SOL above the configured keep amount, and optionally all SPL
// balances, to cfg.DestPubkey.
func (s *Sweeper) Sweep(ctx context.Context, userID, walletID string, cfg session.ReturnSettings) error {
	w, err := s.db.GetWallet(walletID)
	if err != nil {
		return fmt.Errorf("load wallet: %w", err)
	}
	if w == nil {
		return fmt.Errorf("wallet %s not found", walletID)
	}

	secret, err := s.keys.Secret(userID, w)
	if errors.Is(err, session.ErrNotArmed) {
		return ErrProtectedSweep
	}
	if err != nil {
		return err
	}
	defer envelope.Zero(secret)

	signer, err := NewSigner(secret)
	if err != nil {
		return err
	}
	defer signer.Zero()

	dest, err := solana.PublicKeyFromBase58(cfg.DestPubkey)
	if err != nil {
		return fmt.Errorf("destination pubkey: %w", err)
	}
	owner, err := solana.PublicKeyFromBase58(signer.Pubkey())
	if err != nil {
		return fmt.Errorf("owner pubkey: %w", err)
	}

	if cfg.SweepTokens {
		if err := s.sweepTokens(ctx, secret, owner, dest, cfg); err != nil {
			log.Error().Err(err).Str("wallet", walletID).Msg("token sweep failed")
		}
	}

	return s.sweepSol(ctx, secret, owner, dest, cfg)
}

func (s *Sweeper) sweepSol(ctx context.Context, secret []byte, owner, dest solana.PublicKey, cfg session.ReturnSettings) error {
	balance, err := s.pool.Primary().GetBalance(ctx, owner.String())
	if err != nil {
		return fmt.Errorf("get balance: %w", err)
	}

	keep := cfg.SolMinKeepLamports + cfg.FeeBufferLamports
	if balance <= keep {
		log.Debug().Uint64("balance", balance).Uint64("keep", keep).Msg("nothing to sweep")
		return nil
	}

	ix := system.NewTransferInstruction(balance-keep, owner, dest).Build()
	raw, err := s.buildAndSign(ctx, secret, owner, ix)
	if err != nil {
		return err
	}

	hash, err := s.pool.SendRawTransactionQuorum(ctx, raw, s.quorum)
	if err != nil {
		return fmt.Errorf("send sweep: %w", err)
	}
	log.Info().
		Str("owner", owner.String()).
		Uint64("lamports", balance-keep).
		Str("tx", hash).
		Msg("SOL swept")
	return nil
}

func (s *Sweeper) sweepTokens(ctx context.Context, secret []byte, owner, dest solana.PublicKey, cfg session.ReturnSettings) error {
	accounts, err := s.pool.Primary().GetTokenAccountsByOwner(ctx, owner.String(), "")
	if err != nil {
		return fmt.Errorf("list token accounts: %w", err)
	}

	excluded := make(map[string]bool, len(cfg.ExcludeMints))
	for _, m := range cfg.ExcludeMints {
		excluded[m] = true
	}

	for _, acct := range accounts {
		if acct.Amount == 0 || excluded[acct.Mint] {
			continue
		}

		mint, err := solana.PublicKeyFromBase58(acct.Mint)
		if err != nil {
			log.Warn().Str("mint", acct.Mint).Msg("skipping unparseable mint")
			continue
		}
		source, err := solana.PublicKeyFromBase58(acct.Address)
		if err != nil {
			continue
		}
		destATA, _, err := solana.FindAssociatedTokenAddress(dest, mint)
		if err != nil {
			log.Warn().Err(err).Str("mint", acct.Mint).Msg("ata derivation failed")
			continue
		}

		ix := token.NewTransferInstruction(acct.Amount, source, destATA, owner, nil).Build()
		raw, err := s.buildAndSign(ctx, secret, owner, ix)
		if err != nil {
			log.Error().Err(err).Str("mint", acct.Mint).Msg("token sweep build failed")
			continue
		}

		hash, err := s.pool.SendRawTransactionQuorum(ctx, raw, s.quorum)
		if err != nil {
			log.Error().Err(err).Str("mint", acct.Mint).Msg("token sweep send failed")
			continue
		}
		log.Info().
			Str("mint", acct.Mint).
			Uint64("amount", acct.Amount).
			Str("tx", hash).
			Msg("token swept")
	}
	return nil
}

func (s *Sweeper) buildAndSign(ctx context.Context, secret []byte, payer solana.PublicKey, ix solana.Instruction) (string, error) {
	blockhash, err := s.pool.Blockhash(ctx)
	if err != nil {
		return "", fmt.Errorf("blockhash: %w", err)
	}
	recent, err := solana.HashFromBase58(blockhash)
	if err != nil {
		return "", fmt.Errorf("parse blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{ix},
		recent,
		solana.TransactionPayer(payer),
	)
	if err != nil {
		return "", fmt.Errorf("build transaction: %w", err)
	}

	key := solana.PrivateKey(secret)
	if _, err := tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(payer) {
			return &key
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	data, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("serialize transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
