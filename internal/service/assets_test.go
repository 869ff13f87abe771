package service

import (
	"context"
	"math"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yar/internal/bridge"
	"yar/internal/envelope"
	"yar/internal/events"
	"yar/internal/models"
)

func TestIssuedAddressIsStoredOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryAssetStore()
	svc, err := NewAssetService(store, 16, zap.NewNop())
	require.NoError(t, err)

	ref := BridgeRef{ChainID: 1178, Address: common.HexToAddress("0xb1")}
	origin := common.HexToAddress("0x7070")

	_, err = svc.IssuedAddress(ctx, ref, 199, origin)
	require.Error(t, err, "unregistered bridge")

	svc.RegisterBridge(ref, bridge.KindERC20)
	addr, err := svc.IssuedAddress(ctx, ref, 199, origin)
	require.NoError(t, err)
	assert.Equal(t, bridge.IssuedAssetAddress(ref.Address, bridge.KindERC20, 199, origin), addr)

	again, err := svc.IssuedAddress(ctx, ref, 199, origin)
	require.NoError(t, err)
	assert.Equal(t, addr, again)

	row, err := store.GetIssuedAsset(ctx, 1178, ref.Address.Hex(), 199, origin.Hex())
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, int64(1), row.ID)
	assert.Equal(t, models.AssetKindERC20, row.Kind)
	assert.False(t, row.Deployed)
}

func TestHandleDeployedMarksAsset(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryAssetStore()
	svc, err := NewAssetService(store, 16, zap.NewNop())
	require.NoError(t, err)

	ref := BridgeRef{ChainID: 1178, Address: common.HexToAddress("0xb1")}
	svc.RegisterBridge(ref, bridge.KindERC20)
	origin := common.HexToAddress("0x7070")
	issued := bridge.IssuedAssetAddress(ref.Address, bridge.KindERC20, 199, origin)

	rec, err := events.NewRecord(ref.ChainID, ref.Address, events.NameIssuedAssetDeployed, common.HexToHash("0xdd"), 0,
		events.IssuedAssetDeployed{OriginalChainID: 199, OriginalToken: origin, Token: issued, Name: "Token", Symbol: "TKN", Decimals: 18})
	require.NoError(t, err)
	require.NoError(t, svc.HandleDeployed(ctx, rec))

	deployed, err := svc.IsDeployed(ctx, ref, 199, origin)
	require.NoError(t, err)
	assert.True(t, deployed)

	row, err := store.GetIssuedAsset(ctx, 1178, ref.Address.Hex(), 199, origin.Hex())
	require.NoError(t, err)
	assert.Equal(t, "TKN", row.Symbol)
	require.NotNil(t, row.DeployTxHash)
	assert.Equal(t, common.HexToHash("0xdd").Hex(), *row.DeployTxHash)
}

func testEnvelope(nonce uint64) envelope.Envelope {
	return envelope.Envelope{
		Mode:           envelope.ModeHub,
		InitialChainID: 199,
		Sender:         common.HexToAddress("0x1001"),
		Payer:          common.HexToAddress("0x1001"),
		TargetChainID:  1178,
		Target:         common.HexToAddress("0x3003"),
		Value:          new(big.Int),
		FeeAmount:      new(big.Int),
		Nonce:          nonce,
	}
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := NewJobService(NewMemoryJobStore(), zap.NewNop())
	env := testEnvelope(1)

	job, err := svc.GetOrCreateJob(ctx, env, common.HexToHash("0xaa"))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)

	same, err := svc.GetOrCreateJob(ctx, env, common.HexToHash("0xaa"))
	require.NoError(t, err)
	assert.Equal(t, job.ID, same.ID)

	decoded, err := svc.Envelope(job)
	require.NoError(t, err)
	assert.Equal(t, env.Hash(), decoded.Hash())

	require.NoError(t, svc.UpdateStatus(ctx, job, models.JobStatusCreated))
	require.NoError(t, svc.RecordLocked(ctx, job, big.NewInt(100)))
	require.NoError(t, svc.RecordDelivery(ctx, job, common.HexToHash("0xde")))

	active, err := svc.ActiveJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, models.JobStatusDelivered, active[0].Status)
	require.NotNil(t, active[0].DeliveryTxHash)

	require.NoError(t, svc.RecordCompleted(ctx, job, big.NewInt(40)))
	active, err = svc.ActiveJobs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, active)

	got, err := svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "100", *got.LockedFee)
	assert.Equal(t, "40", *got.UsedFee)
	assert.True(t, got.Status.Terminal())
}

func TestJobErrorsAndFailure(t *testing.T) {
	ctx := context.Background()
	svc := NewJobService(NewMemoryJobStore(), zap.NewNop())
	job, err := svc.GetOrCreateJob(ctx, testEnvelope(2), common.Hash{})
	require.NoError(t, err)

	require.NoError(t, svc.RecordError(ctx, job, "rpc down"))
	require.NoError(t, svc.RecordError(ctx, job, "rpc down"))
	require.NoError(t, svc.MarkFailed(ctx, job, "gave up"))

	got, err := svc.GetJobByEnvelope(ctx, testEnvelope(2).Hash())
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "gave up", *got.ErrorMessage)

	missing, err := svc.GetJob(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestChainIDsOutOfRange(t *testing.T) {
	ctx := context.Background()

	jobs := NewJobService(NewMemoryJobStore(), zap.NewNop())
	env := testEnvelope(3)
	env.TargetChainID = math.MaxUint64
	_, err := jobs.GetOrCreateJob(ctx, env, common.Hash{})
	assert.ErrorIs(t, err, models.ErrChainIDRange)

	svc, err := NewAssetService(NewMemoryAssetStore(), 16, zap.NewNop())
	require.NoError(t, err)
	ref := BridgeRef{ChainID: 1178, Address: common.HexToAddress("0xb1")}
	svc.RegisterBridge(ref, bridge.KindERC20)
	_, err = svc.IssuedAddress(ctx, ref, math.MaxUint64, common.HexToAddress("0x7070"))
	assert.ErrorIs(t, err, models.ErrChainIDRange)

	// Deployments announced for such chains are skipped rather than retried.
	rec, err := events.NewRecord(ref.ChainID, ref.Address, events.NameIssuedAssetDeployed, common.HexToHash("0xdd"), 0,
		events.IssuedAssetDeployed{OriginalChainID: math.MaxUint64, OriginalToken: common.HexToAddress("0x7070")})
	require.NoError(t, err)
	assert.NoError(t, svc.HandleDeployed(ctx, rec))
}

func TestRecordWaitingKeepsRetryBudget(t *testing.T) {
	ctx := context.Background()
	svc := NewJobService(NewMemoryJobStore(), zap.NewNop())
	job, err := svc.GetOrCreateJob(ctx, testEnvelope(4), common.Hash{})
	require.NoError(t, err)

	require.NoError(t, svc.RecordWaiting(ctx, job, "payer cannot cover delivery fee"))
	require.NoError(t, svc.RecordWaiting(ctx, job, "payer cannot cover delivery fee"))

	got, err := svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.RetryCount)
	assert.False(t, got.Status.Terminal())
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "payer cannot cover delivery fee", *got.ErrorMessage)
}
