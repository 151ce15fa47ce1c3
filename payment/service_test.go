package payment

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unicitynetwork/aggregator-proxy/db"
	"github.com/unicitynetwork/aggregator-proxy/keys"
	"github.com/unicitynetwork/aggregator-proxy/timeutil"
	"github.com/unicitynetwork/aggregator-proxy/tokensdk"
)

type fakeTxRunner struct{}

func (fakeTxRunner) WithTx(_ context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

type fakeKeyStore struct {
	mu       sync.Mutex
	records  map[string]*keys.Record
	lockErr  error
	upgraded map[string]int64
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{
		records:  make(map[string]*keys.Record),
		upgraded: make(map[string]int64),
	}
}

func (f *fakeKeyStore) GetKey(_ context.Context, apiKey string) (*keys.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[apiKey]
	if !ok {
		return nil, db.ErrNotFound
	}
	return rec, nil
}

func (f *fakeKeyStore) CreateKey(_ context.Context, apiKey, description string) (*keys.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := &keys.Record{ID: int64(len(f.records) + 1), APIKey: apiKey, Description: description, Status: keys.StatusActive}
	f.records[apiKey] = rec
	return rec, nil
}

func (f *fakeKeyStore) LockKeyForUpdate(_ context.Context, _ pgx.Tx, apiKey string) (*keys.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lockErr != nil {
		return nil, f.lockErr
	}
	rec, ok := f.records[apiKey]
	if !ok {
		return nil, db.ErrNotFound
	}
	return rec, nil
}

func (f *fakeKeyStore) UpgradeKey(_ context.Context, _ pgx.Tx, apiKey string, planID int64, activeUntil time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[apiKey]
	if !ok {
		return db.ErrNotFound
	}
	rec.PricingPlanID = &planID
	rec.ActiveUntil = &activeUntil
	f.upgraded[apiKey] = planID
	return nil
}

type fakePlanStore struct {
	plans map[int64]*keys.Plan
}

func (f *fakePlanStore) PlanByID(_ context.Context, id int64) (*keys.Plan, error) {
	p, ok := f.plans[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return p, nil
}

func (f *fakePlanStore) ListPlans(context.Context) ([]*keys.Plan, error) {
	var out []*keys.Plan
	for _, p := range f.plans {
		out = append(out, p)
	}
	return out, nil
}

type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*db.PaymentSession
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[uuid.UUID]*db.PaymentSession)}
}

func (f *fakeSessionStore) CreateSession(_ context.Context, _ pgx.Tx, s *db.PaymentSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.sessions {
		if existing.APIKey == s.APIKey && existing.Status == db.SessionPending {
			return errors.New("unique index violation: pending session exists")
		}
	}
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeSessionStore) CancelPendingSessions(_ context.Context, _ pgx.Tx, apiKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.APIKey == apiKey && s.Status == db.SessionPending {
			s.Status = db.SessionFailed
		}
	}
	return nil
}

func (f *fakeSessionStore) SessionByID(_ context.Context, id uuid.UUID) (*db.PaymentSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessionStore) UpdateSessionStatus(_ context.Context, _ pgx.Tx, id uuid.UUID, status db.SessionStatus, completedAt *time.Time, tokenReceived []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.Status != db.SessionPending {
		return db.ErrNotFound
	}
	s.Status = status
	s.CompletedAt = completedAt
	if tokenReceived != nil {
		s.TokenReceived = tokenReceived
	}
	return nil
}

func (f *fakeSessionStore) ExpirePendingSessions(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, s := range f.sessions {
		if s.Status == db.SessionPending && s.ExpiresAt.Before(now) {
			s.Status = db.SessionExpired
			n++
		}
	}
	return n, nil
}

func (f *fakeSessionStore) pendingFor(apiKey string) []*db.PaymentSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*db.PaymentSession
	for _, s := range f.sessions {
		if s.APIKey == apiKey && s.Status == db.SessionPending {
			out = append(out, s)
		}
	}
	return out
}

type fakeInvalidator struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeInvalidator) Invalidate(apiKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, apiKey)
}

type fakeGateway struct {
	submitErr error
	proofErr  error
}

func (f *fakeGateway) SubmitCommitment(context.Context, json.RawMessage) error {
	return f.submitErr
}

func (f *fakeGateway) WaitInclusionProof(context.Context, json.RawMessage) (json.RawMessage, error) {
	if f.proofErr != nil {
		return nil, f.proofErr
	}
	return json.RawMessage(`{"path":["a"]}`), nil
}

type fakeFinalizer struct {
	amount *big.Int
	err    error
}

func (f *fakeFinalizer) FinalizeTransfer(_ context.Context, in tokensdk.FinalizeInput) (*tokensdk.ReceivedToken, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &tokensdk.ReceivedToken{JSON: []byte(`{"token":{}}`), Amount: f.amount}, nil
}

type testEnv struct {
	svc       *Service
	keyStore  *fakeKeyStore
	plans     *fakePlanStore
	sessions  *fakeSessionStore
	cache     *fakeInvalidator
	gateway   *fakeGateway
	finalizer *fakeFinalizer
	clock     *timeutil.FakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	deriver, err := tokensdk.NewSecretDeriver([]byte("test-secret"))
	require.NoError(t, err)
	env := &testEnv{
		keyStore: newFakeKeyStore(),
		plans: &fakePlanStore{plans: map[int64]*keys.Plan{
			3: {ID: 3, Name: "pro", RequestsPerSecond: 20, RequestsPerDay: 500000, Price: big.NewInt(10_000_000)},
		}},
		sessions:  newFakeSessionStore(),
		cache:     &fakeInvalidator{},
		gateway:   &fakeGateway{},
		finalizer: &fakeFinalizer{amount: big.NewInt(10_000_000)},
		clock:     timeutil.NewFakeClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)),
	}
	env.svc = NewService(&ServiceConfig{
		Txs:       fakeTxRunner{},
		KeyStore:  env.keyStore,
		Plans:     env.plans,
		Sessions:  env.sessions,
		Cache:     env.cache,
		Deriver:   deriver,
		Gateway:   env.gateway,
		Finalizer: env.finalizer,
		Clock:     env.clock,
	})
	return env
}

func (e *testEnv) initiate(t *testing.T, apiKey string) *InitiateResult {
	t.Helper()
	result, err := e.svc.Initiate(context.Background(), &InitiateRequest{
		APIKey:       apiKey,
		TargetPlanID: 3,
		TokenID:      []byte{1, 2, 3},
		TokenType:    []byte{9},
	})
	require.NoError(t, err)
	return result
}

func TestInitiate_MintsKeyWhenAbsent(t *testing.T) {
	env := newTestEnv(t)

	result := env.initiate(t, "")
	assert.Regexp(t, `^sk_[0-9a-f]{32}$`, result.APIKey)
	assert.Equal(t, "10000000", result.AmountRequired.String())
	assert.Contains(t, result.PaymentAddress, "DIRECT://")
	assert.Equal(t, env.clock.Now().Add(15*time.Minute), result.ExpiresAt)
}

func TestInitiate_UnknownKeyRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Initiate(context.Background(), &InitiateRequest{
		APIKey: "sk_missing", TargetPlanID: 3, TokenID: []byte{1}, TokenType: []byte{1},
	})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestInitiate_RevokedKeyRejected(t *testing.T) {
	env := newTestEnv(t)
	env.keyStore.records["sk_revoked"] = &keys.Record{APIKey: "sk_revoked", Status: keys.StatusRevoked}
	_, err := env.svc.Initiate(context.Background(), &InitiateRequest{
		APIKey: "sk_revoked", TargetPlanID: 3, TokenID: []byte{1}, TokenType: []byte{1},
	})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestInitiate_UnknownPlanRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Initiate(context.Background(), &InitiateRequest{
		TargetPlanID: 42, TokenID: []byte{1}, TokenType: []byte{1},
	})
	assert.ErrorIs(t, err, ErrUnknownPlan)
}

func TestInitiate_CancelsPreviousPendingSession(t *testing.T) {
	env := newTestEnv(t)

	first := env.initiate(t, "")
	second := env.initiate(t, first.APIKey)
	assert.NotEqual(t, first.SessionID, second.SessionID)

	pending := env.sessions.pendingFor(first.APIKey)
	require.Len(t, pending, 1, "at most one pending session per key")
	assert.Equal(t, second.SessionID, pending[0].ID)

	superseded, err := env.sessions.SessionByID(context.Background(), first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionFailed, superseded.Status)
}

func TestInitiate_LockConflictSurfaces(t *testing.T) {
	env := newTestEnv(t)
	rec, err := env.keyStore.CreateKey(context.Background(), "sk_locked", "")
	require.NoError(t, err)
	env.keyStore.lockErr = db.ErrLockConflict

	_, err = env.svc.Initiate(context.Background(), &InitiateRequest{
		APIKey: rec.APIKey, TargetPlanID: 3, TokenID: []byte{1}, TokenType: []byte{1},
	})
	assert.ErrorIs(t, err, db.ErrLockConflict)
}

func TestInitiate_AppliesUnusedPortionDiscount(t *testing.T) {
	env := newTestEnv(t)

	// Key already holds plan 3 with exactly 15 days left after the grace.
	until := env.clock.Now().Add(15 * time.Minute).Add(15 * 24 * time.Hour)
	planID := int64(3)
	env.keyStore.records["sk_holder"] = &keys.Record{
		APIKey: "sk_holder", Status: keys.StatusActive, PricingPlanID: &planID, ActiveUntil: &until,
	}

	result := env.initiate(t, "sk_holder")
	assert.Equal(t, "5000000", result.AmountRequired.String())
}

func TestComplete_Success(t *testing.T) {
	env := newTestEnv(t)
	initiated := env.initiate(t, "")

	result, err := env.svc.Complete(context.Background(), &CompleteRequest{
		SessionID:          initiated.SessionID,
		TransferCommitment: json.RawMessage(`{"recipient":"` + initiated.PaymentAddress + `"}`),
		SourceToken:        json.RawMessage(`{"coins":[]}`),
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, int64(3), result.NewPlanID)
	assert.Equal(t, initiated.APIKey, result.APIKey)

	session, err := env.sessions.SessionByID(context.Background(), initiated.SessionID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionCompleted, session.Status)
	require.NotNil(t, session.CompletedAt)

	rec, err := env.keyStore.GetKey(context.Background(), initiated.APIKey)
	require.NoError(t, err)
	require.NotNil(t, rec.ActiveUntil)
	assert.Equal(t, env.clock.Now().Add(30*24*time.Hour), *rec.ActiveUntil)

	assert.Contains(t, env.cache.keys, initiated.APIKey, "cache must be invalidated on upgrade")
}

func TestComplete_UnknownSession(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Complete(context.Background(), &CompleteRequest{SessionID: uuid.New()})
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestComplete_NotPending(t *testing.T) {
	env := newTestEnv(t)
	initiated := env.initiate(t, "")
	_, err := env.svc.Complete(context.Background(), &CompleteRequest{
		SessionID:          initiated.SessionID,
		TransferCommitment: json.RawMessage(`{"recipient":"` + initiated.PaymentAddress + `"}`),
		SourceToken:        json.RawMessage(`{"coins":[]}`),
	})
	require.NoError(t, err)

	_, err = env.svc.Complete(context.Background(), &CompleteRequest{SessionID: initiated.SessionID})
	assert.ErrorIs(t, err, ErrSessionNotPending)
}

func TestComplete_ExpiredSessionMarkedExpired(t *testing.T) {
	env := newTestEnv(t)
	initiated := env.initiate(t, "")

	env.clock.Advance(16 * time.Minute)
	_, err := env.svc.Complete(context.Background(), &CompleteRequest{SessionID: initiated.SessionID})
	assert.ErrorIs(t, err, ErrSessionExpired)

	session, err := env.sessions.SessionByID(context.Background(), initiated.SessionID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionExpired, session.Status)
}

func TestComplete_InsufficientAmount(t *testing.T) {
	env := newTestEnv(t)
	initiated := env.initiate(t, "")
	env.finalizer.amount = new(big.Int).Sub(initiated.AmountRequired, big.NewInt(1))

	result, err := env.svc.Complete(context.Background(), &CompleteRequest{
		SessionID:          initiated.SessionID,
		TransferCommitment: json.RawMessage(`{"recipient":"` + initiated.PaymentAddress + `"}`),
		SourceToken:        json.RawMessage(`{"coins":[]}`),
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "Insufficient payment amount")

	session, err := env.sessions.SessionByID(context.Background(), initiated.SessionID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionFailed, session.Status)
	assert.NotEmpty(t, session.TokenReceived, "the received token is stored for reconciliation")
}

func TestComplete_VerificationFailureFailsSession(t *testing.T) {
	env := newTestEnv(t)
	initiated := env.initiate(t, "")
	env.finalizer.err = errors.New("predicate mismatch")

	result, err := env.svc.Complete(context.Background(), &CompleteRequest{
		SessionID:          initiated.SessionID,
		TransferCommitment: json.RawMessage(`{}`),
		SourceToken:        json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	assert.False(t, result.Success)

	session, err := env.sessions.SessionByID(context.Background(), initiated.SessionID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionFailed, session.Status)
}

func TestComplete_SubmitFailureFailsSession(t *testing.T) {
	env := newTestEnv(t)
	initiated := env.initiate(t, "")
	env.gateway.submitErr = errors.New("aggregator timeout")

	result, err := env.svc.Complete(context.Background(), &CompleteRequest{
		SessionID: initiated.SessionID,
	})
	require.NoError(t, err)
	assert.False(t, result.Success)

	session, err := env.sessions.SessionByID(context.Background(), initiated.SessionID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionFailed, session.Status)
}

func TestStatus_Projection(t *testing.T) {
	env := newTestEnv(t)
	initiated := env.initiate(t, "")

	status, err := env.svc.Status(context.Background(), initiated.SessionID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionPending, status.Status)
	assert.Equal(t, initiated.AmountRequired.String(), status.AmountRequired.String())
	assert.Nil(t, status.CompletedAt)

	_, err = env.svc.Status(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestKeyDetails(t *testing.T) {
	env := newTestEnv(t)
	planID := int64(3)
	until := env.clock.Now().Add(10 * 24 * time.Hour)
	env.keyStore.records["sk_full"] = &keys.Record{
		APIKey: "sk_full", Status: keys.StatusActive, PricingPlanID: &planID, ActiveUntil: &until,
	}
	env.keyStore.records["sk_bare"] = &keys.Record{APIKey: "sk_bare", Status: keys.StatusActive}
	env.keyStore.records["sk_gone"] = &keys.Record{APIKey: "sk_gone", Status: keys.StatusRevoked}

	full, err := env.svc.KeyDetails(context.Background(), "sk_full")
	require.NoError(t, err)
	require.NotNil(t, full.PricingPlan)
	assert.Equal(t, int64(3), full.PricingPlan.ID)

	bare, err := env.svc.KeyDetails(context.Background(), "sk_bare")
	require.NoError(t, err)
	assert.Nil(t, bare.PricingPlan)

	_, err = env.svc.KeyDetails(context.Background(), "sk_gone")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, err = env.svc.KeyDetails(context.Background(), "sk_unknown")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestSweeper_ExpiresOverdueSessions(t *testing.T) {
	env := newTestEnv(t)
	initiated := env.initiate(t, "")

	env.clock.Advance(20 * time.Minute)
	swept, err := env.sessions.ExpirePendingSessions(context.Background(), env.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	session, err := env.sessions.SessionByID(context.Background(), initiated.SessionID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionExpired, session.Status)
}
