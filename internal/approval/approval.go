// Package approval implements the transfer approval gate consulted by the
// bridges before an outbound transfer: an ECDSA approver signature or a
// multisig confirmation over the same request digest.
package approval

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"yar/internal/revert"
)

var (
	ErrSignatureExpired = revert.New(revert.KindValidation, "signature expired")
	ErrInvalidSignature = revert.New(revert.KindUnauthorized, "invalid signature")
	ErrNotApproved      = revert.New(revert.KindUnauthorized, "not approved")
)

// Request is the outbound transfer an approver signs off on.
type Request struct {
	ChainID       uint64         `json:"chainId"`
	Bridge        common.Address `json:"bridge"`
	Selector      [4]byte        `json:"selector"`
	Sender        common.Address `json:"sender"`
	Token         common.Address `json:"token"`
	IDs           []*big.Int     `json:"ids"`
	Amounts       []*big.Int     `json:"amounts"`
	TargetChainID uint64         `json:"targetChainId"`
	Recipient     common.Address `json:"recipient"`
	FeeToken      common.Address `json:"feeToken"`
	Fee           *big.Int       `json:"fee"`
	Expiry        uint64         `json:"expiry"`
}

// Digest is keccak256 of the tightly packed request fields.
func (r Request) Digest() common.Hash {
	var buf []byte
	buf = append(buf, word(new(big.Int).SetUint64(r.ChainID))...)
	buf = append(buf, r.Bridge.Bytes()...)
	buf = append(buf, r.Selector[:]...)
	buf = append(buf, r.Sender.Bytes()...)
	buf = append(buf, r.Token.Bytes()...)
	for _, id := range r.IDs {
		buf = append(buf, word(id)...)
	}
	for _, amount := range r.Amounts {
		buf = append(buf, word(amount)...)
	}
	buf = append(buf, word(new(big.Int).SetUint64(r.TargetChainID))...)
	buf = append(buf, r.Recipient.Bytes()...)
	buf = append(buf, r.FeeToken.Bytes()...)
	buf = append(buf, word(r.Fee)...)
	buf = append(buf, word(new(big.Int).SetUint64(r.Expiry))...)
	return crypto.Keccak256Hash(buf)
}

func word(v *big.Int) []byte {
	if v == nil {
		return make([]byte, 32)
	}
	return common.LeftPadBytes(v.Bytes(), 32)
}

// Authorization accompanies a transfer request.
type Authorization struct {
	Signature []byte `json:"signature,omitempty"`
}

// Gate decides whether a transfer request may proceed.
type Gate interface {
	Authorize(now time.Time, req Request, auth Authorization) error
}

// Signer signs requests with the approver key.
type Signer struct {
	key *ecdsa.PrivateKey
}

// NewSigner wraps key.
func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key}
}

// Address returns the approver address.
func (s *Signer) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// Sign returns a 65-byte personal-sign signature over the request digest.
func (s *Signer) Sign(req Request) ([]byte, error) {
	digest := req.Digest()
	sig, err := crypto.Sign(accounts.TextHash(digest.Bytes()), s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Recover returns the address that signed req.
func Recover(req Request, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	digest := req.Digest()
	pub, err := crypto.SigToPub(accounts.TextHash(digest.Bytes()), normalized)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignatureGate accepts requests signed by Approver before their expiry.
type SignatureGate struct {
	Approver common.Address
}

// Authorize implements Gate.
func (g SignatureGate) Authorize(now time.Time, req Request, auth Authorization) error {
	if req.Expiry <= uint64(now.Unix()) {
		return ErrSignatureExpired
	}
	signer, err := Recover(req, auth.Signature)
	if err != nil {
		return err
	}
	if signer != g.Approver {
		return ErrInvalidSignature
	}
	return nil
}
