package bridge

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxfill-hq/fluxfiller/pkg/logger"
	"github.com/fluxfill-hq/fluxfiller/pkg/models"
	"github.com/fluxfill-hq/fluxfiller/pkg/store"
)

// fakeOrigin is an in-memory origin chain for coordinator tests.
type fakeOrigin struct {
	deployed    map[common.Address]bool
	createCalls int
	// deployOnCreate immediately marks the vault deployed when creation
	// is requested.
	deployOnCreate bool

	nonce      uint64
	noncesSeen []uint64
	submitErrs []error
	submitted  []models.ReleaseAuthorization

	head     uint64
	deposits []models.DepositEvent
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{deployed: make(map[common.Address]bool)}
}

func (f *fakeOrigin) VaultAddress(depositor common.Address, intentID common.Hash, destChainID int) common.Address {
	salt := VaultSalt(depositor, intentID, destChainID)
	return common.BytesToAddress(salt[:20])
}

func (f *fakeOrigin) IsDeployed(_ context.Context, vault common.Address) (bool, error) {
	return f.deployed[vault], nil
}

func (f *fakeOrigin) CreateVault(_ context.Context, dep models.DepositEvent) error {
	f.createCalls++
	if f.deployOnCreate {
		f.deployed[f.VaultAddress(dep.Depositor, dep.IntentID, dep.DestinationChainID)] = true
	}
	return nil
}

func (f *fakeOrigin) ReleaseNonce(_ context.Context, _ common.Address) (uint64, error) {
	f.noncesSeen = append(f.noncesSeen, f.nonce)
	return f.nonce, nil
}

func (f *fakeOrigin) SubmitRelease(_ context.Context, _ common.Address, auth models.ReleaseAuthorization) error {
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		return err
	}
	f.submitted = append(f.submitted, auth)
	f.nonce++
	return nil
}

func (f *fakeOrigin) FilterDeposits(_ context.Context, fromBlock, toBlock uint64) ([]models.DepositEvent, error) {
	var out []models.DepositEvent
	for _, dep := range f.deposits {
		if dep.BlockNumber >= fromBlock && dep.BlockNumber <= toBlock {
			out = append(out, dep)
		}
	}
	return out, nil
}

func (f *fakeOrigin) LatestBlock(_ context.Context) (uint64, error) {
	return f.head, nil
}

const testSignerKey = "fad9c8855b740a0b7ed4c221dbad0f33a83a49cad6b3fe8d5817ac83d38b6a19"

func newTestCoordinator(t *testing.T, origin *fakeOrigin, db store.Database) *Coordinator {
	t.Helper()
	signer, err := NewReleaseSigner(testSignerKey, "IntentVault", "1", 31337, "0x0000000000000000000000000000000000000001")
	require.NoError(t, err)
	return NewCoordinator(origin, signer, db, 3, &logger.EmptyLogger{})
}

func testDeposit() models.DepositEvent {
	return models.DepositEvent{
		SourceChain:        31337,
		Depositor:          common.HexToAddress("0xaa11"),
		IntentID:           common.HexToHash("0xbeef"),
		DestinationChainID: 7001,
		BlockNumber:        42,
	}
}

// drainRetries moves scheduled retries into the pending list with an
// elapsed backoff so the next processRetryJobs pass dispatches them.
func drainRetries(c *Coordinator) int {
	n := 0
	for {
		select {
		case job := <-c.retryJobs:
			job.NextAttempt = time.Now().Add(-time.Second)
			c.pending = append(c.pending, job)
			n++
		default:
			return n
		}
	}
}

func TestCoordinatorVaultLifecycle(t *testing.T) {
	t.Run("deposit on deployed vault confirms immediately", func(t *testing.T) {
		origin := newFakeOrigin()
		dep := testDeposit()
		origin.deployed[origin.VaultAddress(dep.Depositor, dep.IntentID, dep.DestinationChainID)] = true

		c := newTestCoordinator(t, origin, store.NewMemDB())
		c.HandleDeposit(context.Background(), dep)

		job, ok := c.Job(dep.Depositor, dep.IntentID)
		require.True(t, ok)
		assert.Equal(t, models.RelayVaultConfirmed, job.State)
		assert.True(t, job.Vault.Deployed)
		assert.Equal(t, 0, origin.createCalls)
	})

	t.Run("missing vault triggers creation once", func(t *testing.T) {
		origin := newFakeOrigin()
		c := newTestCoordinator(t, origin, store.NewMemDB())
		dep := testDeposit()

		c.HandleDeposit(context.Background(), dep)

		job, _ := c.Job(dep.Depositor, dep.IntentID)
		assert.Equal(t, models.RelayVaultRequested, job.State)
		assert.Equal(t, 1, origin.createCalls)

		// A second trigger for the same deposit observes the pending
		// creation and does not redeploy.
		c.HandleDeposit(context.Background(), dep)
		assert.Equal(t, 1, origin.createCalls)

		// Once the chain shows code at the address, the poll confirms.
		origin.deployed[origin.VaultAddress(dep.Depositor, dep.IntentID, dep.DestinationChainID)] = true
		drainRetries(c)
		c.processRetryJobs(context.Background())

		job, _ = c.Job(dep.Depositor, dep.IntentID)
		assert.Equal(t, models.RelayVaultConfirmed, job.State)
		assert.Equal(t, 1, origin.createCalls)
	})
}

func TestCoordinatorRelease(t *testing.T) {
	fulfillment := func(dep models.DepositEvent) models.FulfillmentEvent {
		return models.FulfillmentEvent{
			IntentID:       dep.IntentID,
			Asset:          common.HexToAddress("0xcc22"),
			Recipient:      common.HexToAddress("0xdd33"),
			SequenceNumber: 9,
			BlockNumber:    900,
		}
	}

	t.Run("fulfillment drives release to settled", func(t *testing.T) {
		origin := newFakeOrigin()
		origin.deployOnCreate = true
		origin.nonce = 5
		c := newTestCoordinator(t, origin, store.NewMemDB())
		dep := testDeposit()

		c.HandleDeposit(context.Background(), dep)
		drainRetries(c)
		c.processRetryJobs(context.Background())
		c.HandleFulfillment(context.Background(), fulfillment(dep))

		job, _ := c.Job(dep.Depositor, dep.IntentID)
		assert.Equal(t, models.RelaySettled, job.State)
		require.Len(t, origin.submitted, 1)
		assert.Equal(t, uint64(5), origin.submitted[0].ReleaseNonce)
		assert.Equal(t, dep.IntentID, origin.submitted[0].IntentID)
		assert.NotEmpty(t, origin.submitted[0].Signature)
	})

	t.Run("retry re-fetches the release nonce", func(t *testing.T) {
		origin := newFakeOrigin()
		origin.deployOnCreate = true
		origin.nonce = 5
		origin.submitErrs = []error{fmt.Errorf("invalid release nonce")}
		c := newTestCoordinator(t, origin, store.NewMemDB())
		dep := testDeposit()

		c.HandleDeposit(context.Background(), dep)
		drainRetries(c)
		c.processRetryJobs(context.Background())
		c.HandleFulfillment(context.Background(), fulfillment(dep))

		job, _ := c.Job(dep.Depositor, dep.IntentID)
		assert.Equal(t, models.RelayReleaseSigned, job.State)

		// Another release consumed the nonce in the meantime.
		origin.nonce = 6
		drainRetries(c)
		c.processRetryJobs(context.Background())

		job, _ = c.Job(dep.Depositor, dep.IntentID)
		assert.Equal(t, models.RelaySettled, job.State)
		require.Len(t, origin.submitted, 1)
		assert.Equal(t, uint64(6), origin.submitted[0].ReleaseNonce)
		// Every signing attempt fetched a fresh nonce, never a cached one.
		assert.Equal(t, []uint64{5, 6}, origin.noncesSeen)
	})

	t.Run("fulfillment before vault confirmation waits", func(t *testing.T) {
		origin := newFakeOrigin()
		c := newTestCoordinator(t, origin, store.NewMemDB())
		dep := testDeposit()

		c.HandleDeposit(context.Background(), dep)
		c.HandleFulfillment(context.Background(), fulfillment(dep))

		job, _ := c.Job(dep.Depositor, dep.IntentID)
		assert.Equal(t, models.RelayVaultRequested, job.State)
		assert.Empty(t, origin.submitted)

		origin.deployed[origin.VaultAddress(dep.Depositor, dep.IntentID, dep.DestinationChainID)] = true
		drainRetries(c)
		c.processRetryJobs(context.Background())

		job, _ = c.Job(dep.Depositor, dep.IntentID)
		assert.Equal(t, models.RelaySettled, job.State)
		assert.Len(t, origin.submitted, 1)
	})

	t.Run("untracked fulfillment is ignored", func(t *testing.T) {
		origin := newFakeOrigin()
		c := newTestCoordinator(t, origin, store.NewMemDB())

		c.HandleFulfillment(context.Background(), models.FulfillmentEvent{
			IntentID: common.HexToHash("0x9999"),
		})
		assert.Empty(t, origin.submitted)
	})

	t.Run("cursor advances only once the fulfillment is recorded", func(t *testing.T) {
		origin := newFakeOrigin()
		origin.deployOnCreate = true
		db := store.NewMemDB()
		c := newTestCoordinator(t, origin, db)
		dep := testDeposit()
		ev := fulfillment(dep)

		c.HandleDeposit(context.Background(), dep)
		drainRetries(c)
		c.processRetryJobs(context.Background())

		// A delivered but unhandled event leaves the cursor behind, so a
		// restart re-scans it instead of losing the fulfillment.
		dest := &fakeDest{events: []models.FulfillmentEvent{ev}}
		w := NewDestinationWatcher(dest, db, time.Second, 4, &logger.EmptyLogger{})
		require.NoError(t, w.poll(context.Background()))
		<-w.fulfillments
		cursor, _, err := loadDestCursor(db)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), cursor)

		c.HandleFulfillment(context.Background(), ev)

		job, _ := c.Job(dep.Depositor, dep.IntentID)
		assert.Equal(t, models.RelaySettled, job.State)
		cursor, _, err = loadDestCursor(db)
		require.NoError(t, err)
		assert.Equal(t, ev.SequenceNumber, cursor)

		// Now fully processed: a re-poll finds nothing to replay.
		require.NoError(t, w.poll(context.Background()))
		assert.Empty(t, w.fulfillments)
	})

	t.Run("untracked fulfillment still advances the cursor", func(t *testing.T) {
		db := store.NewMemDB()
		c := newTestCoordinator(t, newFakeOrigin(), db)

		c.HandleFulfillment(context.Background(), models.FulfillmentEvent{
			IntentID:       common.HexToHash("0x9999"),
			SequenceNumber: 4,
		})
		cursor, _, err := loadDestCursor(db)
		require.NoError(t, err)
		assert.Equal(t, uint64(4), cursor)
	})
}

func TestCoordinatorPersistence(t *testing.T) {
	db := store.NewMemDB()
	origin := newFakeOrigin()
	c := newTestCoordinator(t, origin, db)
	dep := testDeposit()

	c.HandleDeposit(context.Background(), dep)

	// A fresh coordinator over the same store resumes the transfer.
	restored := newTestCoordinator(t, origin, db)
	require.NoError(t, restored.Load())

	job, ok := restored.Job(dep.Depositor, dep.IntentID)
	require.True(t, ok)
	assert.Equal(t, models.RelayVaultRequested, job.State)
	assert.Len(t, restored.pending, 1, "in-flight transfer rescheduled on restart")
}

func TestShouldRetryError(t *testing.T) {
	cases := []struct {
		err       string
		retry     bool
		errorType string
	}{
		{"connection refused", true, "network_error"},
		{"context deadline exceeded", true, "network_error"},
		{"vault 0xabc not yet deployed", true, "vault_pending"},
		{"invalid release nonce", true, "nonce_error"},
		{"execution reverted: bad caller", false, "contract_error"},
		{"intent already released", false, "already_processed"},
		{"something odd", true, "unknown_error"},
	}
	for _, tc := range cases {
		retry, errorType := ShouldRetryError(fmt.Errorf("%s", tc.err))
		assert.Equal(t, tc.retry, retry, tc.err)
		assert.Equal(t, tc.errorType, errorType, tc.err)
	}
}

func TestCalculateBackoff(t *testing.T) {
	assert.Equal(t, 10*time.Second, CalculateBackoff(0))
	assert.Equal(t, 20*time.Second, CalculateBackoff(1))
	assert.Equal(t, 80*time.Second, CalculateBackoff(3))
	// Capped at two minutes.
	assert.Equal(t, 2*time.Minute, CalculateBackoff(4))
	assert.Equal(t, 2*time.Minute, CalculateBackoff(10))
}

func TestVaultSalt(t *testing.T) {
	dep := testDeposit()

	a := VaultSalt(dep.Depositor, dep.IntentID, dep.DestinationChainID)
	b := VaultSalt(dep.Depositor, dep.IntentID, dep.DestinationChainID)
	assert.Equal(t, a, b)

	c := VaultSalt(dep.Depositor, dep.IntentID, dep.DestinationChainID+1)
	assert.NotEqual(t, a, c)
	d := VaultSalt(dep.Depositor, common.HexToHash("0x1234"), dep.DestinationChainID)
	assert.NotEqual(t, a, d)
}
