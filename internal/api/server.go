package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"solana-turbo-trader/internal/config"
	"solana-turbo-trader/internal/envelope"
	"solana-turbo-trader/internal/session"
	"solana-turbo-trader/internal/storage"
)

// Server exposes the arm-encryption HTTP surface. Authentication happens
// upstream; requests arrive with a trusted userId.
type Server struct {
	app       *fiber.App
	cfg       *config.Manager
	db        *storage.DB
	sessions  *session.Cache
	scheduler *session.Scheduler
	host      string
	port      int
}

func NewServer(cfg *config.Manager, db *storage.DB, sessions *session.Cache, scheduler *session.Scheduler) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
	})

	sc := cfg.Get().Server
	s := &Server{
		app:       app,
		cfg:       cfg,
		db:        db,
		sessions:  sessions,
		scheduler: scheduler,
		host:      sc.ListenHost,
		port:      sc.ListenPort,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	g := s.app.Group("/api/arm-encryption")
	g.Post("/arm", s.handleArm)
	g.Post("/extend", s.handleExtend)
	g.Post("/disarm", s.handleDisarm)
	g.Get("/status/:walletId", s.handleStatus)
	g.Post("/setup-protection", s.handleSetupProtection)
	g.Post("/remove-protection", s.handleRemoveProtection)
	g.Post("/require-arm", s.handleRequireArm)
	g.Get("/auto-return/settings", s.handleGetAutoReturn)
	g.Post("/auto-return/settings", s.handleSaveAutoReturn)
	g.Get("/auto-return/setup", s.handleGetAutoReturn)
	g.Post("/auto-return/setup", s.handleSaveAutoReturn)
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	log.Info().Str("addr", addr).Msg("arm API listening")
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

type armRequest struct {
	UserID            string `json:"userId"`
	WalletID          string `json:"walletId"`
	Passphrase        string `json:"passphrase"`
	TTLMinutes        int    `json:"ttlMinutes"`
	ApplyToAll        bool   `json:"applyToAll"`
	PassphraseHint    string `json:"passphraseHint"`
	ForceOverwrite    bool   `json:"forceOverwrite"`
	TwoFactorToken    string `json:"twoFactorToken"`
	AutoReturnEnabled *bool  `json:"autoReturnEnabled"`
	AutoReturnDest    string `json:"autoReturnDest"`
}

func (s *Server) handleArm(c *fiber.Ctx) error {
	var req armRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid payload"})
	}
	if req.UserID == "" || req.WalletID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "userId and walletId are required"})
	}

	ttl := time.Duration(req.TTLMinutes) * time.Minute
	if req.TTLMinutes < 1 {
		ttl = s.cfg.SessionTTL()
	}

	targets := []string{req.WalletID}
	if req.ApplyToAll {
		wallets, err := s.db.GetUserWallets(req.UserID)
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": "wallet lookup failed"})
		}
		targets = targets[:0]
		for _, w := range wallets {
			targets = append(targets, w.ID)
		}
	}

	migrated := false
	for _, walletID := range targets {
		m, status, err := s.armWallet(req.UserID, walletID, req.Passphrase, req.PassphraseHint, ttl)
		if err != nil {
			// The explicitly requested wallet must succeed; siblings from
			// applyToAll are best-effort.
			if walletID == req.WalletID {
				return c.Status(status).JSON(fiber.Map{"error": err.Error()})
			}
			log.Warn().Err(err).Str("wallet", walletID).Msg("applyToAll arm skipped wallet")
			continue
		}
		if walletID == req.WalletID {
			migrated = m
		}

		override := &session.Override{Enabled: req.AutoReturnEnabled, DestPubkey: req.AutoReturnDest}
		s.scheduler.Schedule(req.UserID, walletID, time.Now().Add(ttl), override)
	}

	return c.JSON(fiber.Map{
		"ok":              true,
		"walletId":        req.WalletID,
		"armedForMinutes": int(ttl.Minutes()),
		"migrated":        migrated,
	})
}

// armWallet unlocks one wallet, migrating legacy or unprotected key material
// to a protected envelope on the way. Returns the migrated flag and the HTTP
// status to use on error.
func (s *Server) armWallet(userID, walletID, passphrase, hint string, ttl time.Duration) (bool, int, error) {
	w, err := s.db.GetWallet(walletID)
	if err != nil {
		return false, 500, fmt.Errorf("wallet lookup failed")
	}
	if w == nil || w.UserID != userID {
		return false, 404, fmt.Errorf("wallet not found")
	}

	aad := envelope.AAD(userID, walletID)
	serverSecret := s.cfg.ServerSecret()

	var env envelope.Envelope
	if w.Envelope != "" && json.Unmarshal([]byte(w.Envelope), &env) == nil {
		if env.IsProtected() {
			if passphrase == "" {
				return false, 401, fmt.Errorf("passphrase required")
			}
			dek, err := envelope.UnwrapDEK(&env, []byte(passphrase), aad)
			if err != nil {
				if errors.Is(err, envelope.ErrBadPassphrase) {
					return false, 401, fmt.Errorf("invalid passphrase")
				}
				return false, 500, fmt.Errorf("envelope unwrap failed")
			}
			if err := s.sessions.Arm(userID, walletID, dek, ttl); err != nil {
				return false, 400, err
			}
			return false, 200, nil
		}

		// Unprotected envelope: first arm with a pass-phrase migrates it.
		if passphrase == "" {
			return false, 400, fmt.Errorf("passphrase required to protect this wallet")
		}
		secret, err := envelope.DecryptUnprotected(&env, userID, serverSecret, aad)
		if err != nil {
			return false, 500, fmt.Errorf("envelope decrypt failed")
		}
		return s.migrateAndArm(userID, walletID, secret, passphrase, hint, aad, ttl)
	}

	// Legacy key material.
	var secret []byte
	switch {
	case w.LegacyEncrypted != "":
		secret, err = envelope.DecryptLegacy(w.LegacyEncrypted, serverSecret)
	case w.LegacyPrivateKey != "":
		secret, err = envelope.DecodeLegacyBase58Key(w.LegacyPrivateKey)
	default:
		return false, 500, fmt.Errorf("wallet has no key material")
	}
	if err != nil {
		return false, 500, fmt.Errorf("legacy key decrypt failed")
	}
	if passphrase == "" {
		envelope.Zero(secret)
		return false, 400, fmt.Errorf("passphrase required to protect this wallet")
	}
	return s.migrateAndArm(userID, walletID, secret, passphrase, hint, aad, ttl)
}

// migrateAndArm rewrites the wallet to a protected envelope and arms the
// fresh DEK. The secret buffer is zeroed on every path.
func (s *Server) migrateAndArm(userID, walletID string, secret []byte, passphrase, hint, aad string, ttl time.Duration) (bool, int, error) {
	defer envelope.Zero(secret)

	env, err := envelope.EncryptSecret(secret, []byte(passphrase), aad)
	if err != nil {
		return false, 500, fmt.Errorf("envelope encrypt failed")
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return false, 500, fmt.Errorf("envelope encode failed")
	}
	hash, err := envelope.HashPassphrase([]byte(passphrase))
	if err != nil {
		return false, 500, fmt.Errorf("passphrase hash failed")
	}

	if err := s.db.SaveProtectedEnvelope(walletID, string(envJSON), hash, hint); err != nil {
		return false, 500, fmt.Errorf("migration write failed")
	}

	dek, err := envelope.UnwrapDEK(env, []byte(passphrase), aad)
	if err != nil {
		return false, 500, fmt.Errorf("envelope unwrap failed")
	}
	if err := s.sessions.Arm(userID, walletID, dek, ttl); err != nil {
		return false, 400, err
	}

	log.Info().Str("wallet", walletID).Msg("wallet migrated to protected envelope")
	return true, 200, nil
}

type extendRequest struct {
	UserID     string `json:"userId"`
	WalletID   string `json:"walletId"`
	TTLMinutes int    `json:"ttlMinutes"`
}

func (s *Server) handleExtend(c *fiber.Ctx) error {
	var req extendRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid payload"})
	}

	ttl := time.Duration(req.TTLMinutes) * time.Minute
	if req.TTLMinutes < 1 {
		ttl = s.cfg.SessionTTL()
	}

	if !s.sessions.Extend(req.UserID, req.WalletID, ttl) {
		return c.Status(400).JSON(fiber.Map{"error": "not armed"})
	}
	s.scheduler.Schedule(req.UserID, req.WalletID, time.Now().Add(ttl), nil)

	return c.JSON(fiber.Map{"extendedToMinutes": int(ttl.Minutes())})
}

type disarmRequest struct {
	UserID   string `json:"userId"`
	WalletID string `json:"walletId"`
}

func (s *Server) handleDisarm(c *fiber.Ctx) error {
	var req disarmRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid payload"})
	}

	s.sessions.Disarm(req.UserID, req.WalletID)
	s.scheduler.Cancel(req.UserID, req.WalletID)

	return c.JSON(fiber.Map{"disarmed": true})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	walletID := c.Params("walletId")
	userID := c.Query("userId")
	if userID == "" || walletID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "userId and walletId are required"})
	}

	armed, msLeft := s.sessions.Status(userID, walletID)
	triggered, err := s.db.ConsumeAutoReturnTriggered(userID, walletID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "status lookup failed"})
	}

	resp := fiber.Map{
		"armed":               armed,
		"msLeft":              msLeft,
		"autoReturnTriggered": triggered,
	}
	if c.Query("guardian") == "1" {
		counts, err := s.db.GuardianCounts(userID, walletID)
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": "guardian lookup failed"})
		}
		resp["guardian"] = counts
	}
	return c.JSON(resp)
}

type protectionRequest struct {
	UserID        string `json:"userId"`
	WalletID      string `json:"walletId"`
	Passphrase    string `json:"passphrase"`
	OldPassphrase string `json:"oldPassphrase"`
	Hint          string `json:"passphraseHint"`
}

func (s *Server) handleSetupProtection(c *fiber.Ctx) error {
	var req protectionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid payload"})
	}
	if req.UserID == "" || req.WalletID == "" || req.Passphrase == "" {
		return c.Status(400).JSON(fiber.Map{"error": "userId, walletId and passphrase are required"})
	}

	w, err := s.db.GetWallet(req.WalletID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "wallet lookup failed"})
	}
	if w == nil || w.UserID != req.UserID {
		return c.Status(404).JSON(fiber.Map{"error": "wallet not found"})
	}

	aad := envelope.AAD(req.UserID, req.WalletID)
	serverSecret := s.cfg.ServerSecret()

	var env envelope.Envelope
	if w.Envelope != "" && json.Unmarshal([]byte(w.Envelope), &env) == nil && env.IsProtected() {
		// Already protected: rotate the pass-phrase without touching the
		// wrapped secret.
		if req.OldPassphrase == "" {
			return c.Status(400).JSON(fiber.Map{"error": "wallet already protected, oldPassphrase required"})
		}
		rotated, err := envelope.ChangePassphrase(&env, []byte(req.OldPassphrase), []byte(req.Passphrase), aad)
		if err != nil {
			if errors.Is(err, envelope.ErrBadPassphrase) {
				return c.Status(401).JSON(fiber.Map{"error": "invalid passphrase"})
			}
			return c.Status(500).JSON(fiber.Map{"error": "passphrase change failed"})
		}
		if err := s.saveProtected(req.WalletID, rotated, req.Passphrase, req.Hint); err != nil {
			return c.Status(500).JSON(fiber.Map{"error": "migration write failed"})
		}
		return c.JSON(fiber.Map{"migrated": true})
	}

	// Unprotected or legacy: recover the secret, re-wrap protected.
	var secret []byte
	switch {
	case w.Envelope != "" && !env.IsProtected():
		secret, err = envelope.DecryptUnprotected(&env, req.UserID, serverSecret, aad)
	case w.LegacyEncrypted != "":
		secret, err = envelope.DecryptLegacy(w.LegacyEncrypted, serverSecret)
	case w.LegacyPrivateKey != "":
		secret, err = envelope.DecodeLegacyBase58Key(w.LegacyPrivateKey)
	default:
		return c.Status(500).JSON(fiber.Map{"error": "wallet has no key material"})
	}
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "key decrypt failed"})
	}
	defer envelope.Zero(secret)

	protected, err := envelope.EncryptSecret(secret, []byte(req.Passphrase), aad)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "envelope encrypt failed"})
	}
	if err := s.saveProtected(req.WalletID, protected, req.Passphrase, req.Hint); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "migration write failed"})
	}
	return c.JSON(fiber.Map{"migrated": true})
}

func (s *Server) saveProtected(walletID string, env *envelope.Envelope, passphrase, hint string) error {
	envJSON, err := json.Marshal(env)
	if err != nil {
		return err
	}
	hash, err := envelope.HashPassphrase([]byte(passphrase))
	if err != nil {
		return err
	}
	return s.db.SaveProtectedEnvelope(walletID, string(envJSON), hash, hint)
}

func (s *Server) handleRemoveProtection(c *fiber.Ctx) error {
	var req protectionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid payload"})
	}
	if req.UserID == "" || req.WalletID == "" || req.Passphrase == "" {
		return c.Status(400).JSON(fiber.Map{"error": "userId, walletId and passphrase are required"})
	}

	w, err := s.db.GetWallet(req.WalletID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "wallet lookup failed"})
	}
	if w == nil || w.UserID != req.UserID {
		return c.Status(404).JSON(fiber.Map{"error": "wallet not found"})
	}

	aad := envelope.AAD(req.UserID, req.WalletID)

	var env envelope.Envelope
	if w.Envelope == "" || json.Unmarshal([]byte(w.Envelope), &env) != nil || !env.IsProtected() {
		return c.Status(400).JSON(fiber.Map{"error": "wallet is not protected"})
	}

	dek, err := envelope.UnwrapDEK(&env, []byte(req.Passphrase), aad)
	if err != nil {
		if errors.Is(err, envelope.ErrBadPassphrase) {
			return c.Status(401).JSON(fiber.Map{"error": "invalid passphrase"})
		}
		return c.Status(500).JSON(fiber.Map{"error": "envelope unwrap failed"})
	}
	defer envelope.Zero(dek)

	secret, err := envelope.DecryptSecretWithDEK(&env, dek, aad)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "envelope decrypt failed"})
	}
	defer envelope.Zero(secret)

	unprotected, err := envelope.EncryptUnprotected(secret, req.UserID, s.cfg.ServerSecret(), aad)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "envelope encrypt failed"})
	}
	envJSON, err := json.Marshal(unprotected)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "envelope encode failed"})
	}
	if err := s.db.SaveUnprotectedEnvelope(req.WalletID, string(envJSON)); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "migration write failed"})
	}

	s.sessions.Disarm(req.UserID, req.WalletID)
	log.Info().Str("wallet", req.WalletID).Msg("wallet protection removed")

	return c.JSON(fiber.Map{"removed": true})
}

type requireArmRequest struct {
	UserID  string `json:"userId"`
	Require bool   `json:"require"`
}

func (s *Server) handleRequireArm(c *fiber.Ctx) error {
	var req requireArmRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid payload"})
	}
	if req.UserID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "userId is required"})
	}
	if err := s.db.SetRequireArm(req.UserID, req.Require); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "settings write failed"})
	}
	return c.JSON(fiber.Map{"ok": true, "requireArm": req.Require})
}

func (s *Server) handleGetAutoReturn(c *fiber.Ctx) error {
	userID := c.Query("userId")
	if userID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "userId is required"})
	}

	settings, err := s.db.AutoReturnSettings(userID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "settings lookup failed"})
	}
	if settings == nil {
		// Process-wide defaults until the user saves their own.
		ar := s.cfg.Get().AutoReturn
		settings = &session.ReturnSettings{
			Enabled:            ar.EnabledDefault,
			GraceSeconds:       ar.GraceSeconds,
			SweepTokens:        ar.SweepTokens,
			SolMinKeepLamports: ar.SolMinKeepLamports,
			FeeBufferLamports:  ar.FeeBufferLamports,
			ExcludeMints:       ar.ExcludeMints,
			UsdcMints:          ar.UsdcMints,
		}
	}
	return c.JSON(settings)
}

type autoReturnRequest struct {
	UserID string `json:"userId"`
	session.ReturnSettings
}

func (s *Server) handleSaveAutoReturn(c *fiber.Ctx) error {
	var req autoReturnRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid payload"})
	}
	if req.UserID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "userId is required"})
	}
	if req.Enabled {
		if _, err := solana.PublicKeyFromBase58(req.DestPubkey); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid destination pubkey"})
		}
	}
	if err := s.db.SaveAutoReturnSettings(req.UserID, &req.ReturnSettings); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "settings write failed"})
	}
	return c.JSON(fiber.Map{"saved": true})
}
