package auth

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayerSetRotation(t *testing.T) {
	oldKey := common.HexToAddress("0x01")
	newKey := common.HexToAddress("0x02")

	set := NewRelayerSet(oldKey)
	assert.True(t, set.IsRelayer(oldKey))
	assert.False(t, set.IsRelayer(newKey))

	set.Add(newKey)
	assert.Equal(t, []common.Address{oldKey, newKey}, set.Members())

	set.Remove(oldKey)
	assert.False(t, set.IsRelayer(oldKey))
	assert.True(t, set.IsRelayer(newKey))
}

func TestTokenIssueVerify(t *testing.T) {
	issuer, err := NewTokenIssuer([]byte("secret"), "yar", time.Hour)
	require.NoError(t, err)

	relayer := common.HexToAddress("0xfeed")
	token, err := issuer.Issue(relayer, ScopeCreate, ScopeExecute)
	require.NoError(t, err)

	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, relayer, claims.RelayerAddress())
	assert.True(t, claims.Allows(ScopeCreate))
	assert.False(t, claims.Allows(ScopeDeposit))
}

func TestTokenRejections(t *testing.T) {
	issuer, err := NewTokenIssuer([]byte("secret"), "yar", time.Hour)
	require.NoError(t, err)
	other, err := NewTokenIssuer([]byte("other"), "yar", time.Hour)
	require.NoError(t, err)

	token, err := other.Issue(common.HexToAddress("0x1"), AllScopes...)
	require.NoError(t, err)
	_, err = issuer.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := NewTokenIssuer([]byte("secret"), "yar", time.Hour)
	require.NoError(t, err)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err = expired.Issue(common.HexToAddress("0x1"), ScopeDeposit)
	require.NoError(t, err)
	_, err = issuer.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = issuer.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewTokenIssuer(nil, "yar", 0)
	assert.ErrorIs(t, err, ErrEmptySecret)
}
