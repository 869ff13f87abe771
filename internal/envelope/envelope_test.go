package envelope

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() Envelope {
	return Envelope{
		Mode:           ModeHub,
		InitialChainID: 31337,
		Sender:         common.HexToAddress("0x1000000000000000000000000000000000000001"),
		Payer:          common.HexToAddress("0x2000000000000000000000000000000000000002"),
		TargetChainID:  111,
		Target:         common.HexToAddress("0x3000000000000000000000000000000000000003"),
		Value:          big.NewInt(1_000),
		Data:           []byte{0xde, 0xad, 0xbe, 0xef},
		FeeAmount:      big.NewInt(5),
		Nonce:          7,
	}
}

func TestHashBindsEveryField(t *testing.T) {
	base := sample()
	baseHash := base.Hash()

	mutations := []struct {
		name   string
		mutate func(e *Envelope)
	}{
		{"mode", func(e *Envelope) { e.Mode = ModeDirect }},
		{"initial chain", func(e *Envelope) { e.InitialChainID++ }},
		{"sender", func(e *Envelope) { e.Sender = common.HexToAddress("0x9") }},
		{"payer", func(e *Envelope) { e.Payer = common.HexToAddress("0x9") }},
		{"target chain", func(e *Envelope) { e.TargetChainID++ }},
		{"target", func(e *Envelope) { e.Target = common.HexToAddress("0x9") }},
		{"value", func(e *Envelope) { e.Value = big.NewInt(1_001) }},
		{"data", func(e *Envelope) { e.Data = []byte{0xde, 0xad} }},
		{"fee", func(e *Envelope) { e.FeeAmount = big.NewInt(6) }},
		{"nonce", func(e *Envelope) { e.Nonce++ }},
	}

	for _, m := range mutations {
		t.Run(m.name, func(t *testing.T) {
			e := base.Clone()
			m.mutate(&e)
			assert.NotEqual(t, baseHash, e.Hash())
		})
	}
}

func TestHashIsDeterministic(t *testing.T) {
	a := sample()
	b := sample()
	assert.Equal(t, a.Hash(), b.Hash())
	assert.Equal(t, a.Hash(), a.Clone().Hash())
}

func TestIntentHashIgnoresNonce(t *testing.T) {
	a := sample()
	b := sample()
	b.Nonce = 99
	assert.Equal(t, a.IntentHash(), b.IntentHash())
	assert.NotEqual(t, a.Hash(), b.Hash())

	b.FeeAmount = big.NewInt(1)
	assert.NotEqual(t, a.IntentHash(), b.IntentHash())
}

func TestNilAmountsHashAsZero(t *testing.T) {
	a := sample()
	a.Value, a.FeeAmount = nil, nil
	b := sample()
	b.Value, b.FeeAmount = new(big.Int), new(big.Int)
	assert.Equal(t, a.Hash(), b.Hash())
}

func TestPayerDefaultsToSender(t *testing.T) {
	e := sample()
	e.Payer = common.Address{}
	assert.Equal(t, e.Sender, e.PayerOrSender())
	assert.False(t, e.Sponsored())

	withPayer := e
	withPayer.Payer = e.Sender
	assert.Equal(t, e.Hash(), withPayer.Hash())

	assert.True(t, sample().Sponsored())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(e *Envelope)
		wantErr error
	}{
		{"valid", func(e *Envelope) {}, nil},
		{"zero target chain", func(e *Envelope) { e.TargetChainID = 0 }, ErrZeroTargetChain},
		{"zero sender", func(e *Envelope) { e.Sender = common.Address{} }, ErrZeroSender},
		{"negative value", func(e *Envelope) { e.Value = big.NewInt(-1) }, ErrNegativeAmount},
		{"negative fee", func(e *Envelope) { e.FeeAmount = big.NewInt(-1) }, ErrNegativeAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := sample()
			tt.mutate(&e)
			err := e.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestJSON(t *testing.T) {
	e := sample()
	raw, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"mode":"hub"`)
	assert.Contains(t, string(raw), `"data":"0xdeadbeef"`)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, e.Hash(), decoded.Hash())
}

func TestCloneIsDeep(t *testing.T) {
	e := sample()
	c := e.Clone()
	c.Value.SetInt64(0)
	c.Data[0] = 0
	assert.Equal(t, int64(1_000), e.Value.Int64())
	assert.Equal(t, byte(0xde), e.Data[0])
}

func TestABIEncodingRoundTrips(t *testing.T) {
	e := sample()
	raw, err := e.EncodeABI()
	require.NoError(t, err)

	decoded, err := DecodeABI(raw)
	require.NoError(t, err)
	assert.Equal(t, e.Hash(), decoded.Hash())
	assert.Equal(t, e.Payer, decoded.Payer)
	assert.Equal(t, []byte(e.Data), []byte(decoded.Data))

	_, err = DecodeABI(raw[:64])
	assert.Error(t, err)
}

func TestFromTupleRejectsOversizedIDs(t *testing.T) {
	tuple := sample().Tuple()
	tuple.TargetChainId = new(big.Int).Lsh(big.NewInt(1), 64)
	_, err := FromTuple(tuple)
	assert.ErrorIs(t, err, ErrTupleRange)

	tuple = sample().Tuple()
	tuple.Mode = 9
	_, err = FromTuple(tuple)
	assert.ErrorIs(t, err, ErrTupleRange)
}
