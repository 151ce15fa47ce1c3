// Package payment implements the two-phase payment workflow that activates
// or renews an api key: a pending session binds a server-derived receive
// address and a required amount; completion verifies the incoming transfer
// and upgrades the key.
package payment

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/unicitynetwork/aggregator-proxy/config/params"
	"github.com/unicitynetwork/aggregator-proxy/db"
	"github.com/unicitynetwork/aggregator-proxy/keys"
	"github.com/unicitynetwork/aggregator-proxy/timeutil"
	"github.com/unicitynetwork/aggregator-proxy/tokensdk"
)

// KeyStore is the key persistence the payment flow needs.
type KeyStore interface {
	GetKey(ctx context.Context, apiKey string) (*keys.Record, error)
	CreateKey(ctx context.Context, apiKey, description string) (*keys.Record, error)
	LockKeyForUpdate(ctx context.Context, tx pgx.Tx, apiKey string) (*keys.Record, error)
	UpgradeKey(ctx context.Context, tx pgx.Tx, apiKey string, planID int64, activeUntil time.Time) error
}

// PlanStore reads pricing plans.
type PlanStore interface {
	PlanByID(ctx context.Context, id int64) (*keys.Plan, error)
	ListPlans(ctx context.Context) ([]*keys.Plan, error)
}

// SessionStore is the payment session persistence contract.
type SessionStore interface {
	CreateSession(ctx context.Context, tx pgx.Tx, s *db.PaymentSession) error
	CancelPendingSessions(ctx context.Context, tx pgx.Tx, apiKey string) error
	SessionByID(ctx context.Context, id uuid.UUID) (*db.PaymentSession, error)
	UpdateSessionStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status db.SessionStatus, completedAt *time.Time, tokenReceived []byte) error
	ExpirePendingSessions(ctx context.Context, now time.Time) (int64, error)
}

// TxRunner runs a function inside one database transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// CacheInvalidator drops a key's cached projection after a mutation.
type CacheInvalidator interface {
	Invalidate(apiKey string)
}

// Service implements the payment operations.
type Service struct {
	txs       TxRunner
	keyStore  KeyStore
	plans     PlanStore
	sessions  SessionStore
	cache     CacheInvalidator
	deriver   tokensdk.AddressDeriver
	gateway   tokensdk.AggregatorGateway
	finalizer tokensdk.TransferFinalizer
	clock     timeutil.Clock
}

// ServiceConfig bundles the payment service dependencies.
type ServiceConfig struct {
	Txs       TxRunner
	KeyStore  KeyStore
	Plans     PlanStore
	Sessions  SessionStore
	Cache     CacheInvalidator
	Deriver   tokensdk.AddressDeriver
	Gateway   tokensdk.AggregatorGateway
	Finalizer tokensdk.TransferFinalizer
	Clock     timeutil.Clock
}

// NewService creates the payment service.
func NewService(cfg *ServiceConfig) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &Service{
		txs:       cfg.Txs,
		keyStore:  cfg.KeyStore,
		plans:     cfg.Plans,
		sessions:  cfg.Sessions,
		cache:     cfg.Cache,
		deriver:   cfg.Deriver,
		gateway:   cfg.Gateway,
		finalizer: cfg.Finalizer,
		clock:     clock,
	}
}

// InitiateRequest starts a payment session.
type InitiateRequest struct {
	// APIKey is optional; when empty a fresh key is minted and returned.
	APIKey       string
	TargetPlanID int64
	TokenID      []byte
	TokenType    []byte
}

// InitiateResult is the pending session handed back to the payer.
type InitiateResult struct {
	SessionID      uuid.UUID
	APIKey         string
	PaymentAddress string
	AmountRequired *big.Int
	ExpiresAt      time.Time
}

// Initiate creates a pending payment session for the key, cancelling any
// previous pending session. The api key row is locked for the duration of
// the transaction; a concurrent initiate or complete on the same key
// surfaces db.ErrLockConflict.
func (s *Service) Initiate(ctx context.Context, req *InitiateRequest) (*InitiateResult, error) {
	cfg := params.ProxyConfig()
	now := s.clock.Now()

	apiKey := req.APIKey
	if apiKey != "" {
		rec, err := s.keyStore.GetKey(ctx, apiKey)
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrInvalidKey
		}
		if err != nil {
			return nil, err
		}
		if rec.Status == keys.StatusRevoked {
			return nil, ErrInvalidKey
		}
	} else {
		apiKey = NewAPIKey()
		if _, err := s.keyStore.CreateKey(ctx, apiKey, "self-service payment"); err != nil {
			return nil, err
		}
	}

	targetPlan, err := s.plans.PlanByID(ctx, req.TargetPlanID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrUnknownPlan
	}
	if err != nil {
		return nil, err
	}

	result := &InitiateResult{APIKey: apiKey}
	err = s.txs.WithTx(ctx, func(tx pgx.Tx) error {
		locked, err := s.keyStore.LockKeyForUpdate(ctx, tx, apiKey)
		if err != nil {
			return err
		}
		if err := s.sessions.CancelPendingSessions(ctx, tx, apiKey); err != nil {
			return err
		}

		nonce := make([]byte, 32)
		if _, err := rand.Read(nonce); err != nil {
			return errors.Wrap(err, "could not generate receiver nonce")
		}
		address, err := s.deriver.Derive(nonce, req.TokenID, req.TokenType)
		if err != nil {
			return errors.Wrap(err, "could not derive payment address")
		}

		var currentPlan *keys.Plan
		if locked.PricingPlanID != nil {
			currentPlan, err = s.plans.PlanByID(ctx, *locked.PricingPlanID)
			if err != nil && !errors.Is(err, db.ErrNotFound) {
				return err
			}
		}
		amount := amountRequired(
			targetPlan, currentPlan, locked.ActiveUntil, now,
			cfg.UpgradeGracePeriod, cfg.PlanWindow, cfg.MinimumPayment,
		)

		session := &db.PaymentSession{
			ID:             uuid.New(),
			APIKey:         apiKey,
			PaymentAddress: address,
			ReceiverNonce:  nonce,
			Status:         db.SessionPending,
			TargetPlanID:   targetPlan.ID,
			AmountRequired: amount,
			CreatedAt:      now,
			ExpiresAt:      now.Add(cfg.SessionTTL),
			TokenID:        req.TokenID,
			TokenType:      req.TokenType,
		}
		if err := s.sessions.CreateSession(ctx, tx, session); err != nil {
			return err
		}
		result.SessionID = session.ID
		result.PaymentAddress = address
		result.AmountRequired = amount
		result.ExpiresAt = session.ExpiresAt
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.WithFields(map[string]interface{}{
		"sessionId": result.SessionID,
		"planId":    targetPlan.ID,
	}).Info("Initiated payment session")
	return result, nil
}

// CompleteRequest reports an on-chain transfer for a pending session.
type CompleteRequest struct {
	SessionID          uuid.UUID
	Salt               []byte
	TransferCommitment json.RawMessage
	SourceToken        json.RawMessage
}

// CompleteResult is the outcome of a processed completion attempt. Business
// failures are reported with Success=false rather than an error.
type CompleteResult struct {
	Success   bool
	Message   string
	NewPlanID int64
	APIKey    string
}

// Complete verifies the reported transfer and, on success, upgrades the key
// to the session's target plan for one plan window.
func (s *Service) Complete(ctx context.Context, req *CompleteRequest) (*CompleteResult, error) {
	cfg := params.ProxyConfig()
	now := s.clock.Now()

	session, err := s.sessions.SessionByID(ctx, req.SessionID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, err
	}
	if session.Status != db.SessionPending {
		return nil, ErrSessionNotPending
	}
	if now.After(session.ExpiresAt) {
		if err := s.sessions.UpdateSessionStatus(ctx, nil, session.ID, db.SessionExpired, nil, nil); err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
		return nil, ErrSessionExpired
	}

	if err := s.gateway.SubmitCommitment(ctx, req.TransferCommitment); err != nil {
		return s.fail(ctx, session, nil, errors.Wrap(err, "commitment submission failed"))
	}
	proof, err := s.gateway.WaitInclusionProof(ctx, req.TransferCommitment)
	if err != nil {
		return s.fail(ctx, session, nil, errors.Wrap(err, "inclusion proof wait failed"))
	}

	received, err := s.finalizer.FinalizeTransfer(ctx, tokensdk.FinalizeInput{
		SourceToken:     req.SourceToken,
		Commitment:      req.TransferCommitment,
		InclusionProof:  proof,
		ReceiverNonce:   session.ReceiverNonce,
		Salt:            req.Salt,
		ExpectedAddress: session.PaymentAddress,
	})
	if err != nil {
		return s.fail(ctx, session, nil, errors.Wrap(err, "transfer verification failed"))
	}

	if received.Amount.Cmp(session.AmountRequired) < 0 {
		// The received token is stored so operators can reconcile the
		// mispaid transfer; nothing is refunded automatically.
		return s.fail(ctx, session, received.JSON, errors.New("Insufficient payment amount"))
	}

	completedAt := now
	activeUntil := now.Add(cfg.PlanWindow)
	err = s.txs.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.keyStore.UpgradeKey(ctx, tx, session.APIKey, session.TargetPlanID, activeUntil); err != nil {
			return err
		}
		return s.sessions.UpdateSessionStatus(ctx, tx, session.ID, db.SessionCompleted, &completedAt, received.JSON)
	})
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(session.APIKey)

	log.WithFields(map[string]interface{}{
		"sessionId": session.ID,
		"planId":    session.TargetPlanID,
	}).Info("Completed payment session")
	return &CompleteResult{
		Success:   true,
		Message:   "Payment completed",
		NewPlanID: session.TargetPlanID,
		APIKey:    session.APIKey,
	}, nil
}

// fail marks the session failed and reports the business failure to the
// caller with Success=false.
func (s *Service) fail(ctx context.Context, session *db.PaymentSession, tokenJSON []byte, cause error) (*CompleteResult, error) {
	if err := s.sessions.UpdateSessionStatus(ctx, nil, session.ID, db.SessionFailed, nil, tokenJSON); err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	log.WithError(cause).WithField("sessionId", session.ID).Warn("Payment session failed")
	return &CompleteResult{Success: false, Message: cause.Error()}, nil
}

// SessionStatus is the public projection of a session.
type SessionStatus struct {
	ID             uuid.UUID
	Status         db.SessionStatus
	AmountRequired *big.Int
	CreatedAt      time.Time
	CompletedAt    *time.Time
	ExpiresAt      time.Time
}

// Status returns the session projection, or ErrInvalidSession.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (*SessionStatus, error) {
	session, err := s.sessions.SessionByID(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, err
	}
	return &SessionStatus{
		ID:             session.ID,
		Status:         session.Status,
		AmountRequired: session.AmountRequired,
		CreatedAt:      session.CreatedAt,
		CompletedAt:    session.CompletedAt,
		ExpiresAt:      session.ExpiresAt,
	}, nil
}

// KeyDetails is the public read of an api key's subscription state.
type KeyDetails struct {
	Status      keys.Status
	ExpiresAt   *time.Time
	PricingPlan *keys.Plan
}

// KeyDetails returns the key's plan and expiry; unknown and revoked keys
// yield ErrKeyNotFound.
func (s *Service) KeyDetails(ctx context.Context, apiKey string) (*KeyDetails, error) {
	rec, err := s.keyStore.GetKey(ctx, apiKey)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	if rec.Status == keys.StatusRevoked {
		return nil, ErrKeyNotFound
	}
	details := &KeyDetails{Status: rec.Status, ExpiresAt: rec.ActiveUntil}
	if rec.PricingPlanID != nil {
		plan, err := s.plans.PlanByID(ctx, *rec.PricingPlanID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
		details.PricingPlan = plan
	}
	return details, nil
}

// Plans lists the purchasable plans.
func (s *Service) Plans(ctx context.Context) ([]*keys.Plan, error) {
	return s.plans.ListPlans(ctx)
}

// NewAPIKey mints a key id: "sk_" plus 32 lowercase hex characters derived
// from a fresh v4 UUID.
func NewAPIKey() string {
	return "sk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
