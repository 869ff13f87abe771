package approval

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Unix(1_700_000_000, 0)

func request() Request {
	return Request{
		ChainID:       199,
		Bridge:        common.HexToAddress("0xb1"),
		Selector:      [4]byte{0xde, 0xad, 0xbe, 0xef},
		Sender:        common.HexToAddress("0xa11ce"),
		Token:         common.HexToAddress("0x70"),
		IDs:           []*big.Int{big.NewInt(0)},
		Amounts:       []*big.Int{big.NewInt(1000)},
		TargetChainID: 1178,
		Recipient:     common.HexToAddress("0xb0b"),
		Fee:           big.NewInt(5),
		Expiry:        uint64(now.Add(time.Hour).Unix()),
	}
}

func TestDigestBindsFields(t *testing.T) {
	base := request()
	mutations := map[string]func(r *Request){
		"chain":     func(r *Request) { r.ChainID++ },
		"bridge":    func(r *Request) { r.Bridge = common.HexToAddress("0xb2") },
		"selector":  func(r *Request) { r.Selector[0] = 0 },
		"sender":    func(r *Request) { r.Sender = common.HexToAddress("0x01") },
		"amount":    func(r *Request) { r.Amounts = []*big.Int{big.NewInt(1001)} },
		"target":    func(r *Request) { r.TargetChainID = 1 },
		"recipient": func(r *Request) { r.Recipient = common.HexToAddress("0x02") },
		"fee":       func(r *Request) { r.Fee = big.NewInt(6) },
		"expiry":    func(r *Request) { r.Expiry++ },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			r := request()
			mutate(&r)
			assert.NotEqual(t, base.Digest(), r.Digest())
		})
	}
}

func TestSignatureGate(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewSigner(key)
	gate := SignatureGate{Approver: signer.Address()}

	req := request()
	sig, err := signer.Sign(req)
	require.NoError(t, err)

	recovered, err := Recover(req, sig)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), recovered)

	assert.NoError(t, gate.Authorize(now, req, Authorization{Signature: sig}))

	tampered := req
	tampered.Amounts = []*big.Int{big.NewInt(1_000_000)}
	assert.ErrorIs(t, gate.Authorize(now, tampered, Authorization{Signature: sig}), ErrInvalidSignature)

	assert.ErrorIs(t, gate.Authorize(now.Add(2*time.Hour), req, Authorization{Signature: sig}), ErrSignatureExpired)
	assert.ErrorIs(t, gate.Authorize(now, req, Authorization{Signature: sig[:10]}), ErrInvalidSignature)

	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	foreign, err := NewSigner(other).Sign(req)
	require.NoError(t, err)
	assert.ErrorIs(t, gate.Authorize(now, req, Authorization{Signature: foreign}), ErrInvalidSignature)
}

func TestMultisig(t *testing.T) {
	a, b, c := common.HexToAddress("0x0a"), common.HexToAddress("0x0b"), common.HexToAddress("0x0c")
	wallet, err := NewMultisig([]common.Address{a, b, c}, 2)
	require.NoError(t, err)
	gate := MultisigGate{Wallet: wallet}

	req := request()
	callID := req.Digest()

	assert.ErrorIs(t, gate.Authorize(now, req, Authorization{}), ErrNotApproved)
	assert.ErrorIs(t, wallet.Confirm(a, callID), ErrUnknownCall)
	assert.ErrorIs(t, wallet.Propose(common.HexToAddress("0x0d"), callID), ErrNotOwner)

	require.NoError(t, wallet.Propose(a, callID))
	assert.False(t, wallet.IsOwnerExecuted(callID))
	assert.ErrorIs(t, wallet.Confirm(a, callID), ErrAlreadyConfirmed)

	require.NoError(t, wallet.Confirm(b, callID))
	assert.True(t, wallet.IsOwnerExecuted(callID))
	assert.Equal(t, 2, wallet.Confirmations(callID))
	assert.NoError(t, gate.Authorize(now, req, Authorization{}))
	assert.ErrorIs(t, gate.Authorize(now.Add(2*time.Hour), req, Authorization{}), ErrSignatureExpired)
}

func TestNewMultisigQuorum(t *testing.T) {
	a := common.HexToAddress("0x0a")
	_, err := NewMultisig([]common.Address{a}, 2)
	assert.ErrorIs(t, err, ErrInvalidQuorum)
	_, err = NewMultisig([]common.Address{a, a}, 2)
	assert.ErrorIs(t, err, ErrInvalidQuorum)
	_, err = NewMultisig([]common.Address{a}, 0)
	assert.ErrorIs(t, err, ErrInvalidQuorum)
}
