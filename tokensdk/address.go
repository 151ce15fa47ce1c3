// Package tokensdk is the boundary to the state-transition network: address
// derivation for receiving token transfers, commitment submission to the
// aggregator, and transfer finalization. The proxy core treats these as
// opaque operations.
package tokensdk

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/pkg/errors"
)

// AddressDeriver derives a receive address bound to a receiver nonce and a
// token class. The address is deterministic given its inputs and cannot be
// derived without the server secret.
type AddressDeriver interface {
	Derive(receiverNonce, tokenID, tokenType []byte) (string, error)
}

// SecretDeriver derives addresses from a server-held secret.
type SecretDeriver struct {
	secret []byte
}

// NewSecretDeriver creates a deriver over the given server secret.
func NewSecretDeriver(secret []byte) (*SecretDeriver, error) {
	if len(secret) == 0 {
		return nil, errors.New("server secret must not be empty")
	}
	return &SecretDeriver{secret: secret}, nil
}

// Derive computes the receive address for a payment session. The receiver
// predicate is keyed on (secret, nonce, tokenId, tokenType), so each session
// gets its own address and only the server can spend into it.
func (d *SecretDeriver) Derive(receiverNonce, tokenID, tokenType []byte) (string, error) {
	if len(receiverNonce) == 0 {
		return "", errors.New("receiver nonce must not be empty")
	}
	mac := hmac.New(sha256.New, d.secret)
	mac.Write(receiverNonce)
	mac.Write(tokenID)
	mac.Write(tokenType)
	return "DIRECT://" + hex.EncodeToString(mac.Sum(nil)), nil
}
