package main

import (
	"bytes"
	"encoding/json"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yar/internal/approval"
	"yar/internal/auth"
	"yar/internal/bridge"
	"yar/internal/envelope"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := newApp(strings.NewReader(stdin), &out).Run(append([]string{"yarctl"}, args...))
	return out.String(), err
}

func TestEnvelopeHash(t *testing.T) {
	env := envelope.Envelope{
		Mode:           envelope.ModeHub,
		InitialChainID: 100,
		Sender:         common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		TargetChainID:  199,
		Target:         common.HexToAddress("0x00000000000000000000000000000000000000b2"),
		Value:          big.NewInt(5),
		FeeAmount:      big.NewInt(1000),
		Nonce:          7,
	}
	in, err := json.Marshal(env)
	require.NoError(t, err)

	out, err := run(t, string(in), "envelope", "hash")
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, env.Hash().Hex(), got["hash"])
	assert.Equal(t, env.IntentHash().Hex(), got["intent_hash"])
}

func TestEnvelopeHashRejectsInvalid(t *testing.T) {
	_, err := run(t, `{"mode":"hub","sender":"0x00000000000000000000000000000000000000a1"}`, "envelope", "hash")
	assert.ErrorIs(t, err, envelope.ErrZeroTargetChain)

	_, err = run(t, `{"mode":"hub","bogus":1}`, "envelope", "hash")
	assert.Error(t, err)
}

func TestBridgeIssuedAddress(t *testing.T) {
	deployer := common.HexToAddress("0x0000000000000000000000000000000000000b10")
	token := common.HexToAddress("0x00000000000000000000000000000000000000c3")

	out, err := run(t, "", "bridge", "issued-address",
		"--bridge", deployer.Hex(), "--kind", "erc721",
		"--origin-chain", "199", "--origin-token", token.Hex())
	require.NoError(t, err)
	assert.Equal(t, bridge.IssuedAssetAddress(deployer, bridge.KindERC721, 199, token).Hex(), strings.TrimSpace(out))

	_, err = run(t, "", "bridge", "issued-address",
		"--bridge", "nope", "--origin-chain", "199", "--origin-token", token.Hex())
	assert.Error(t, err)
}

func TestApprovalSignAndVerify(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyHex := common.Bytes2Hex(crypto.FromECDSA(key))

	req := approval.Request{
		ChainID:       100,
		Bridge:        common.HexToAddress("0x0000000000000000000000000000000000000b10"),
		Sender:        common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		Token:         common.HexToAddress("0x00000000000000000000000000000000000000c3"),
		Amounts:       []*big.Int{big.NewInt(400)},
		TargetChainID: 1178,
		Recipient:     common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		Fee:           big.NewInt(0),
		Expiry:        uint64(time.Now().Add(time.Hour).Unix()),
	}
	in, err := json.Marshal(req)
	require.NoError(t, err)

	out, err := run(t, string(in), "approval", "sign", "--key", keyHex)
	require.NoError(t, err)
	var signed map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &signed))
	approver := crypto.PubkeyToAddress(key.PublicKey)
	assert.Equal(t, approver.Hex(), signed["approver"])
	assert.Equal(t, req.Digest().Hex(), signed["digest"])

	out, err = run(t, string(in), "approval", "verify",
		"--approver", approver.Hex(), "--signature", signed["signature"])
	require.NoError(t, err)
	assert.Equal(t, "ok", strings.TrimSpace(out))

	_, err = run(t, string(in), "approval", "verify",
		"--approver", req.Sender.Hex(), "--signature", signed["signature"])
	assert.ErrorIs(t, err, approval.ErrInvalidSignature)
}

func TestTokenIssue(t *testing.T) {
	relayer := common.HexToAddress("0x00000000000000000000000000000000000000d4")

	out, err := run(t, "", "token", "issue",
		"--secret", "s3cret", "--relayer", relayer.Hex(), "--scope", string(auth.ScopeDeposit))
	require.NoError(t, err)

	issuer, err := auth.NewTokenIssuer([]byte("s3cret"), "yar", time.Hour)
	require.NoError(t, err)
	claims, err := issuer.Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, relayer, claims.RelayerAddress())
	assert.True(t, claims.Allows(auth.ScopeDeposit))
	assert.False(t, claims.Allows(auth.ScopeExecute))
}
