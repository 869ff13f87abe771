package relayer

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yar/internal/auth"
	"yar/internal/config"
	"yar/internal/envelope"
	"yar/internal/eventbus"
	"yar/internal/events"
	"yar/internal/hub"
	"yar/internal/models"
	"yar/internal/revert"
	"yar/internal/service"
)

const (
	originChain = 199
	targetChain = 100
	hubChain    = 10_000
	gasPrice    = 1_000_000_000 // 1 gwei per gas
	gasLimit    = 1_000_000
)

var (
	relayerAddr = common.HexToAddress("0x0b")
	hubAddr     = common.HexToAddress("0x4b")
	user        = common.HexToAddress("0x1234")
	app         = common.HexToAddress("0xa99")
	target      = common.HexToAddress("0x7a")
)

type fakeDestination struct {
	mu       sync.Mutex
	chainID  uint64
	gasUsed  uint64
	failWith []error
	calls    int
	txs      map[common.Hash]*Delivery
}

func newFakeDestination(chainID uint64) *fakeDestination {
	return &fakeDestination{chainID: chainID, gasUsed: 50_000, txs: make(map[common.Hash]*Delivery)}
}

func (d *fakeDestination) ChainID() uint64 { return d.chainID }

func (d *fakeDestination) Deliver(_ context.Context, env envelope.Envelope) (*Delivery, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.failWith) > 0 {
		err := d.failWith[0]
		d.failWith = d.failWith[1:]
		return nil, err
	}
	hash := env.Hash()
	delivery := &Delivery{TxHash: crypto.Keccak256Hash(hash.Bytes()), GasUsed: d.gasUsed}
	d.txs[delivery.TxHash] = delivery
	return delivery, nil
}

func (d *fakeDestination) Delivery(_ context.Context, txHash common.Hash) (*Delivery, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txs[txHash], nil
}

func (d *fakeDestination) deliveries() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fixture struct {
	manager *Manager
	hub     *hub.Hub
	jobs    *service.JobService
	dest    *fakeDestination
}

func testConfig() *config.Config {
	return &config.Config{
		Chains: map[string]config.ChainConfig{
			"199": {ChainID: "199", DepositRateNum: 2, DepositRateDen: 1},
			"100": {ChainID: "100", DepositRateNum: 1, DepositRateDen: 1, GasPrice: "1000000000", DeliveryGasLimit: gasLimit},
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	h := hub.New(hub.Config{ChainID: hubChain, Address: hubAddr}, hub.NewMemoryStore(), auth.NewRelayerSet(relayerAddr), logger)
	jobs := service.NewJobService(service.NewMemoryJobStore(), logger)
	dest := newFakeDestination(targetChain)

	m, err := NewManager(Config{MaxRetries: 1, HubChainID: hubChain, HubAddress: hubAddr},
		LocalHub{Hub: h, Relayer: relayerAddr},
		[]Destination{dest},
		eventbus.NewMemoryBus(eventbus.DefaultPrefix, logger),
		jobs,
		service.NewFeeService(testConfig(), logger),
		nil,
		logger)
	require.NoError(t, err)
	return &fixture{manager: m, hub: h, jobs: jobs, dest: dest}
}

func (f *fixture) job(t *testing.T, env envelope.Envelope) *models.RelayJob {
	t.Helper()
	job, err := f.jobs.GetOrCreateJob(context.Background(), env, common.HexToHash("0x01"))
	require.NoError(t, err)
	return job
}

func (f *fixture) reload(t *testing.T, id string) *models.RelayJob {
	t.Helper()
	job, err := f.jobs.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func (f *fixture) balance(t *testing.T, addr common.Address) *big.Int {
	t.Helper()
	bal, err := f.hub.BalanceOf(context.Background(), addr)
	require.NoError(t, err)
	return bal
}

func hubEnvelope() envelope.Envelope {
	return envelope.Envelope{
		Mode:           envelope.ModeHub,
		InitialChainID: originChain,
		Sender:         user,
		Payer:          user,
		TargetChainID:  targetChain,
		Target:         target,
		Value:          big.NewInt(1000),
		FeeAmount:      new(big.Int),
	}
}

func TestExecutorCompletesJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.hub.Deposit(ctx, relayerAddr, user, big.NewInt(2*gasPrice*gasLimit)))

	env := hubEnvelope()
	job := f.job(t, env)
	f.manager.executor.handleJob(ctx, job.ID)

	job = f.reload(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	require.NotNil(t, job.UsedFee)
	assert.Equal(t, "50000000000000", *job.UsedFee)
	assert.Equal(t, 1, f.dest.deliveries())

	rec, err := f.hub.Transaction(ctx, env.Hash())
	require.NoError(t, err)
	assert.Equal(t, hub.StatusCompleted, rec.Status)
	assert.Equal(t, big.NewInt(gasPrice*gasLimit).String(), rec.LockedFee.String())

	// Only the used fee leaves the payer.
	want := big.NewInt(2*gasPrice*gasLimit - 50_000*gasPrice)
	assert.Equal(t, want.String(), f.balance(t, user).String())
}

func TestExecutorParksUnfundedPayer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	env := hubEnvelope()
	job := f.job(t, env)
	f.manager.executor.handleJob(ctx, job.ID)

	// Nothing is delivered for free: the job waits with its record pending.
	job = f.reload(t, job.ID)
	assert.Equal(t, models.JobStatusCreated, job.Status)
	assert.Equal(t, 0, job.RetryCount)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, ErrUnderfunded.Error())
	assert.Equal(t, 0, f.dest.deliveries())
	rec, err := f.hub.Transaction(ctx, env.Hash())
	require.NoError(t, err)
	assert.Equal(t, hub.StatusPending, rec.Status)

	// A mirrored deposit releases the job.
	dep := record(t, originChain, common.HexToAddress("0x0a"), events.NameDeposit, 0,
		events.Deposit{User: user, Amount: big.NewInt(gasPrice * gasLimit)})
	require.NoError(t, f.manager.monitor.HandleEvent(ctx, dep))
	select {
	case id := <-f.manager.monitor.ready:
		assert.Equal(t, job.ID, id)
	default:
		t.Fatal("deposit did not re-enqueue the parked job")
	}

	f.manager.executor.handleJob(ctx, job.ID)
	job = f.reload(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, f.dest.deliveries())
	rec, err = f.hub.Transaction(ctx, env.Hash())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(gasPrice*gasLimit).String(), rec.LockedFee.String())
	assert.Equal(t, big.NewInt(50_000*gasPrice).String(), rec.UsedFee.String())
}

func TestExecutorParksLockBelowMinimum(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.manager.cfg.MinFeeLock = big.NewInt(500 * gasPrice)
	require.NoError(t, f.hub.Deposit(ctx, relayerAddr, user, big.NewInt(100*gasPrice)))

	job := f.job(t, hubEnvelope())
	f.manager.executor.handleJob(ctx, job.ID)

	job = f.reload(t, job.ID)
	assert.Equal(t, models.JobStatusCreated, job.Status)
	assert.Equal(t, 0, f.dest.deliveries())
	assert.Equal(t, big.NewInt(100*gasPrice).String(), f.balance(t, user).String())
}

func TestExecutorCapsLockAtBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.manager.cfg.MinFeeLock = big.NewInt(100 * gasPrice)
	require.NoError(t, f.hub.Deposit(ctx, relayerAddr, user, big.NewInt(100*gasPrice)))

	env := hubEnvelope()
	job := f.job(t, env)
	f.manager.executor.handleJob(ctx, job.ID)

	rec, err := f.hub.Transaction(ctx, env.Hash())
	require.NoError(t, err)
	assert.Equal(t, hub.StatusCompleted, rec.Status)
	assert.Equal(t, big.NewInt(100*gasPrice).String(), rec.LockedFee.String())
	assert.Equal(t, rec.LockedFee.String(), rec.UsedFee.String())
	assert.Equal(t, 0, f.balance(t, user).Sign())
}

func TestExecutorCapsSponsoredLockAtAllowance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.manager.cfg.MinFeeLock = big.NewInt(1000 * gasPrice)
	require.NoError(t, f.hub.Deposit(ctx, relayerAddr, app, big.NewInt(2*gasPrice*gasLimit)))
	require.NoError(t, f.hub.Approve(ctx, relayerAddr, app, originChain, user, big.NewInt(1000*gasPrice)))

	env := hubEnvelope()
	env.Payer = app
	job := f.job(t, env)
	f.manager.executor.handleJob(ctx, job.ID)

	rec, err := f.hub.Transaction(ctx, env.Hash())
	require.NoError(t, err)
	assert.Equal(t, hub.StatusCompleted, rec.Status)
	assert.True(t, rec.ViaAllowance)
	assert.Equal(t, big.NewInt(1000*gasPrice).String(), rec.LockedFee.String())

	// The unused part of the lock is refunded to the allowance.
	allowance, err := f.hub.AllowanceOf(ctx, app, originChain, user)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1000*gasPrice-50_000*gasPrice).String(), allowance.String())
}

func TestExecutorDirectModeLocksNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	env := hubEnvelope()
	env.Mode = envelope.ModeDirect
	env.FeeAmount = big.NewInt(5)
	job := f.job(t, env)
	f.manager.executor.handleJob(ctx, job.ID)

	job = f.reload(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, "0", *job.UsedFee)
	assert.Equal(t, 1, f.dest.deliveries())
}

func TestExecutorResumesRecordedDelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.hub.Deposit(ctx, relayerAddr, user, big.NewInt(gasPrice*gasLimit)))

	env := hubEnvelope()
	job := f.job(t, env)
	local := LocalHub{Hub: f.hub, Relayer: relayerAddr}
	require.NoError(t, local.CreateTransaction(ctx, env, common.HexToHash("0x01")))
	require.NoError(t, local.ExecuteTransaction(ctx, env, big.NewInt(gasPrice*gasLimit)))

	// The process delivered, recorded the tx hash, then died before completing.
	delivery, err := f.dest.Deliver(ctx, env)
	require.NoError(t, err)
	require.NoError(t, f.jobs.RecordDelivery(ctx, job, delivery.TxHash))

	f.manager.executor.handleJob(ctx, job.ID)

	assert.Equal(t, 1, f.dest.deliveries())
	rec, err := f.hub.Transaction(ctx, env.Hash())
	require.NoError(t, err)
	assert.Equal(t, hub.StatusCompleted, rec.Status)
	assert.Equal(t, delivery.TxHash, rec.DeliveryTxHash)
}

func TestExecutorRetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.hub.Deposit(ctx, relayerAddr, user, big.NewInt(gasPrice*gasLimit)))
	f.dest.failWith = []error{errors.New("connection refused")}

	env := hubEnvelope()
	job := f.job(t, env)
	f.manager.executor.handleJob(ctx, job.ID)

	job = f.reload(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Nil(t, job.ErrorMessage)
	assert.Equal(t, 2, f.dest.deliveries())
}

func TestExecutorFailsPermanentErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.hub.Deposit(ctx, relayerAddr, user, big.NewInt(gasPrice*gasLimit)))
	f.dest.failWith = []error{revert.New(revert.KindDelivery, "delivery failed")}

	env := hubEnvelope()
	job := f.job(t, env)
	f.manager.executor.handleJob(ctx, job.ID)

	job = f.reload(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "delivery failed", *job.ErrorMessage)
	assert.Equal(t, 1, f.dest.deliveries())

	// The hub keeps the record executed with its fee locked.
	rec, err := f.hub.Transaction(ctx, env.Hash())
	require.NoError(t, err)
	assert.Equal(t, hub.StatusExecuted, rec.Status)
}

func TestExecutorFailsUnknownDestination(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	env := hubEnvelope()
	env.TargetChainID = 42
	job := f.job(t, env)
	f.manager.executor.handleJob(ctx, job.ID)

	job = f.reload(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, 0, f.dest.deliveries())
}

func TestExecutorSkipsTerminalJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	job := f.job(t, hubEnvelope())
	require.NoError(t, f.jobs.MarkFailed(ctx, job, "gave up"))
	f.manager.executor.handleJob(ctx, job.ID)

	assert.Equal(t, 0, f.dest.deliveries())
}

func record(t *testing.T, chainID uint64, contract common.Address, name string, index uint, payload any) events.Record {
	t.Helper()
	rec, err := events.NewRecord(chainID, contract, name, common.HexToHash("0xfeed"), index, payload)
	require.NoError(t, err)
	return rec
}

func TestMonitorMirrorsDeposits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	origin := common.HexToAddress("0x0a")

	rec := record(t, originChain, origin, events.NameDeposit, 0, events.Deposit{User: user, Amount: big.NewInt(500)})
	require.NoError(t, f.manager.monitor.HandleEvent(ctx, rec))
	// Redelivery of the same record credits nothing.
	require.NoError(t, f.manager.monitor.HandleEvent(ctx, rec))
	assert.Equal(t, "1000", f.balance(t, user).String())

	// The hub's own Deposit events are not mirrored back.
	own := record(t, hubChain, hubAddr, events.NameDeposit, 1, events.Deposit{User: user, Amount: big.NewInt(1000)})
	require.NoError(t, f.manager.monitor.HandleEvent(ctx, own))
	assert.Equal(t, "1000", f.balance(t, user).String())

	// Unconfigured chains are dropped.
	unknown := record(t, 7, origin, events.NameDeposit, 2, events.Deposit{User: user, Amount: big.NewInt(1)})
	require.NoError(t, f.manager.monitor.HandleEvent(ctx, unknown))
	assert.Equal(t, "1000", f.balance(t, user).String())
}

func TestMonitorMirrorsApprovals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	rec := record(t, originChain, common.HexToAddress("0x0a"), events.NameApprove, 0,
		events.Approve{User: app, ChainID: originChain, App: user, Amount: big.NewInt(77)})
	require.NoError(t, f.manager.monitor.HandleEvent(ctx, rec))

	allowance, err := f.hub.AllowanceOf(ctx, app, originChain, user)
	require.NoError(t, err)
	assert.Equal(t, "77", allowance.String())
}

func TestMonitorQueuesSends(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	env := hubEnvelope()

	rec := record(t, originChain, common.HexToAddress("0x0a"), events.NameSend, 0, events.Send{Envelope: env})
	require.NoError(t, f.manager.monitor.HandleEvent(ctx, rec))

	id := <-f.manager.monitor.ready
	job := f.reload(t, id)
	assert.Equal(t, env.Hash().Hex(), job.EnvelopeHash)
	assert.Equal(t, models.JobStatusPending, job.Status)
}

func TestMonitorAdoptsOrphanedHubRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	env := hubEnvelope()
	local := LocalHub{Hub: f.hub, Relayer: relayerAddr}
	require.NoError(t, local.CreateTransaction(ctx, env, common.HexToHash("0x02")))

	f.manager.monitor.poll(ctx)

	id := <-f.manager.monitor.ready
	job := f.reload(t, id)
	assert.Equal(t, env.Hash().Hex(), job.EnvelopeHash)
	assert.Equal(t, common.HexToHash("0x02").Hex(), job.OriginTxHash)
}
