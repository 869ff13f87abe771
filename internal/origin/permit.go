package origin

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"yar/internal/chain"
	"yar/internal/envelope"
)

// EIP-712 domain names.
const (
	DomainRequest   = "YarRequest"
	DomainConnector = "YarConnector"
	domainVersion   = "1"
)

// Permit authorizes one send on behalf of the envelope's sender.
type Permit struct {
	Nonce     uint64
	Deadline  uint64
	Signature []byte
}

var permitTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Permit": {
		{Name: "nonce", Type: "uint256"},
		{Name: "signatureExpired", Type: "uint256"},
		{Name: "crossCallData", Type: "CrossCallData"},
	},
	"CrossCallData": {
		{Name: "initialChainId", Type: "uint256"},
		{Name: "sender", Type: "address"},
		{Name: "app", Type: "address"},
		{Name: "targetChainId", Type: "uint256"},
		{Name: "target", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "data", Type: "bytes"},
		{Name: "feeAmount", Type: "uint256"},
	},
}

// PermitDigest returns the EIP-712 digest a sender signs to permit env.
// The domain binds the chain id and the verifying contract.
func PermitDigest(domainName string, chainID uint64, verifyingContract common.Address, nonce, deadline uint64, env envelope.Envelope) (common.Hash, error) {
	typedData := apitypes.TypedData{
		Types:       permitTypes,
		PrimaryType: "Permit",
		Domain: apitypes.TypedDataDomain{
			Name:              domainName,
			Version:           domainVersion,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).SetUint64(chainID)),
			VerifyingContract: verifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"nonce":            strconv.FormatUint(nonce, 10),
			"signatureExpired": strconv.FormatUint(deadline, 10),
			"crossCallData": map[string]interface{}{
				"initialChainId": strconv.FormatUint(env.InitialChainID, 10),
				"sender":         env.Sender.Hex(),
				"app":            env.PayerOrSender().Hex(),
				"targetChainId":  strconv.FormatUint(env.TargetChainID, 10),
				"target":         env.Target.Hex(),
				"value":          envelope.Amount(env.Value).String(),
				"data":           []byte(env.Data),
				"feeAmount":      envelope.Amount(env.FeeAmount).String(),
			},
		},
	}
	digest, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash permit: %w", err)
	}
	return common.BytesToHash(digest), nil
}

// SignPermit signs a permit for env with key.
func SignPermit(key *ecdsa.PrivateKey, domainName string, chainID uint64, verifyingContract common.Address, nonce, deadline uint64, env envelope.Envelope) ([]byte, error) {
	digest, err := PermitDigest(domainName, chainID, verifyingContract, nonce, deadline, env)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign permit: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverSigner returns the address that produced sig over digest. Both
// 0/1 and 27/28 recovery ids are accepted.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SendWithPermit registers env on behalf of env.Sender, authorized by a
// signed permit instead of the caller's identity.
func (o *Origin) SendWithPermit(ctx *chain.CallContext, env envelope.Envelope, permit Permit) (envelope.Envelope, error) {
	env = o.normalize(env)

	if uint64(ctx.Time().Unix()) > permit.Deadline {
		return envelope.Envelope{}, ErrPermitExpired
	}
	expected := o.permitNonces[env.Sender]
	if permit.Nonce != expected {
		return envelope.Envelope{}, ErrNonceUsed
	}
	digest, err := PermitDigest(o.cfg.DomainName, ctx.ChainID(), ctx.Self(), permit.Nonce, permit.Deadline, env)
	if err != nil {
		return envelope.Envelope{}, err
	}
	signer, err := RecoverSigner(digest, permit.Signature)
	if err != nil || signer != env.Sender {
		return envelope.Envelope{}, ErrInvalidSignature
	}

	o.permitNonces[env.Sender] = expected + 1
	ctx.Journal(func() { o.permitNonces[env.Sender] = expected })

	return o.send(ctx, env)
}
