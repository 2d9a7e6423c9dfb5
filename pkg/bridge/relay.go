package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fluxfill-hq/fluxfiller/pkg/logger"
	"github.com/fluxfill-hq/fluxfiller/pkg/metrics"
	"github.com/fluxfill-hq/fluxfiller/pkg/models"
	"github.com/fluxfill-hq/fluxfiller/pkg/store"
)

// Coordinator drives each cross-chain transfer through its state
// machine: deposit observed, vault created and confirmed, destination
// fulfillment observed, release signed and submitted. Every transition
// is persisted, so a restart resumes in-flight transfers where they
// stopped.
type Coordinator struct {
	origin     OriginChain
	signer     *ReleaseSigner
	db         store.Database
	logger     logger.Logger
	maxRetries int

	retryJobs chan models.RetryJob
	pending   []models.RetryJob

	mu   sync.Mutex
	jobs map[string]*models.RelayJob
}

// NewCoordinator creates a coordinator. maxRetries bounds attempts per
// transient failure before a transfer is parked for operator review.
func NewCoordinator(origin OriginChain, signer *ReleaseSigner, db store.Database, maxRetries int, log logger.Logger) *Coordinator {
	return &Coordinator{
		origin:     origin,
		signer:     signer,
		db:         db,
		logger:     log,
		maxRetries: maxRetries,
		retryJobs:  make(chan models.RetryJob, 100), // Buffer for retry jobs
		jobs:       make(map[string]*models.RelayJob),
	}
}

func relayKey(depositor common.Address, intentID common.Hash) string {
	return store.RelayPrefix + depositor.Hex() + ":" + intentID.Hex()
}

// Load restores persisted relay jobs and reschedules the non-terminal
// ones for an immediate attempt.
func (c *Coordinator) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.db.IteratePrefix([]byte(store.RelayPrefix), func(key, value []byte) bool {
		var job models.RelayJob
		if err := json.Unmarshal(value, &job); err != nil {
			c.logger.ErrorWith(logger.Relay, "skipping corrupt relay record %s: %v", key, err)
			return true
		}
		c.jobs[relayKey(job.Deposit.Depositor, job.Deposit.IntentID)] = &job
		if job.State != models.RelaySettled {
			c.pending = append(c.pending, models.RetryJob{
				Job:         job,
				NextAttempt: time.Now(),
				ErrorType:   "restart",
			})
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to load relay jobs: %v", err)
	}

	c.logger.InfoWith(logger.Relay, "restored %d relay jobs, %d in flight", len(c.jobs), len(c.pending))
	return nil
}

// Run consumes watcher events and retry ticks until the context is
// cancelled.
func (c *Coordinator) Run(ctx context.Context, deposits <-chan models.DepositEvent, fulfillments <-chan models.FulfillmentEvent) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.InfoWith(logger.Relay, "relay coordinator shutting down")
			return
		case dep, ok := <-deposits:
			if !ok {
				deposits = nil
				continue
			}
			c.HandleDeposit(ctx, dep)
		case ev, ok := <-fulfillments:
			if !ok {
				fulfillments = nil
				continue
			}
			c.HandleFulfillment(ctx, ev)
		case job := <-c.retryJobs:
			c.pending = append(c.pending, job)
		case <-ticker.C:
			c.processRetryJobs(ctx)
		}
	}
}

// Job returns the current state of a transfer, if tracked.
func (c *Coordinator) Job(depositor common.Address, intentID common.Hash) (models.RelayJob, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[relayKey(depositor, intentID)]
	if !ok {
		return models.RelayJob{}, false
	}
	return *job, true
}

// HandleDeposit registers a deposit and drives vault creation. Safe to
// call repeatedly for the same deposit: an existing job past the
// initial state is re-checked, never re-created.
func (c *Coordinator) HandleDeposit(ctx context.Context, dep models.DepositEvent) {
	key := relayKey(dep.Depositor, dep.IntentID)

	c.mu.Lock()
	job, exists := c.jobs[key]
	if !exists {
		job = &models.RelayJob{
			Deposit: dep,
			State:   models.RelayDeposited,
			Vault: models.Vault{
				Address: c.origin.VaultAddress(dep.Depositor, dep.IntentID, dep.DestinationChainID),
			},
		}
		c.jobs[key] = job
		c.persistLocked(job)
	}
	c.mu.Unlock()

	if exists {
		c.logger.DebugWith(logger.Relay, "deposit %s already tracked in state %s", dep.IntentID.Hex(), job.State)
	}
	c.advanceVault(ctx, job, 0)
}

// advanceVault moves a job from deposit toward a confirmed vault.
// CreateVault is only issued from the initial state; once requested,
// later attempts poll for deployment instead of re-triggering.
func (c *Coordinator) advanceVault(ctx context.Context, job *models.RelayJob, retryCount int) {
	c.mu.Lock()
	state := job.State
	vault := job.Vault.Address
	c.mu.Unlock()

	switch state {
	case models.RelayDeposited, models.RelayVaultRequested:
	default:
		return
	}

	deployed, err := c.origin.IsDeployed(ctx, vault)
	if err != nil {
		c.scheduleRetry(*job, retryCount, err)
		return
	}
	if deployed {
		c.transition(job, models.RelayVaultConfirmed, func(j *models.RelayJob) {
			j.Vault.Deployed = true
		})
		c.maybeRelease(ctx, job)
		return
	}

	if state == models.RelayVaultRequested {
		c.scheduleRetry(*job, retryCount, fmt.Errorf("vault %s not yet deployed", vault.Hex()))
		return
	}

	if err := c.origin.CreateVault(ctx, job.Deposit); err != nil {
		c.scheduleRetry(*job, retryCount, err)
		return
	}
	c.transition(job, models.RelayVaultRequested, nil)
	c.scheduleRetry(*job, retryCount, fmt.Errorf("vault %s creation pending", vault.Hex()))
}

// HandleFulfillment records a destination fulfillment and drives the
// release. Fulfillments for untracked transfers are ignored. The
// destination cursor is only advanced after the fulfillment is durably
// recorded on the job (or finally ignored): a crash before that point
// leaves the cursor behind the event, so the watcher re-scans it on
// restart instead of losing it.
func (c *Coordinator) HandleFulfillment(ctx context.Context, ev models.FulfillmentEvent) {
	c.mu.Lock()
	var job *models.RelayJob
	for _, j := range c.jobs {
		if j.Deposit.IntentID == ev.IntentID {
			job = j
			break
		}
	}
	c.mu.Unlock()

	if job == nil {
		c.logger.NoticeWith(logger.Relay, "fulfillment for untracked intent %s ignored", ev.IntentID.Hex())
		c.ackFulfillment(ev)
		return
	}

	c.mu.Lock()
	state := job.State
	c.mu.Unlock()

	switch state {
	case models.RelayVaultConfirmed:
		c.transition(job, state, func(j *models.RelayJob) {
			j.Fulfillment = &ev
		})
		c.ackFulfillment(ev)
		c.maybeRelease(ctx, job)
	case models.RelayDeposited, models.RelayVaultRequested:
		// Fulfillment raced ahead of vault confirmation. Record it; the
		// release runs once the vault confirms.
		c.transition(job, state, func(j *models.RelayJob) {
			j.Fulfillment = &ev
		})
		c.ackFulfillment(ev)
		c.advanceVault(ctx, job, 0)
	default:
		c.logger.DebugWith(logger.Relay, "fulfillment for intent %s ignored in state %s", ev.IntentID.Hex(), state)
		c.ackFulfillment(ev)
	}
}

// ackFulfillment marks an event as processed by advancing the
// destination watcher cursor.
func (c *Coordinator) ackFulfillment(ev models.FulfillmentEvent) {
	if err := saveDestCursor(c.db, ev.SequenceNumber, ev.BlockNumber); err != nil {
		c.logger.ErrorWith(logger.Relay, "failed to advance destination cursor to %d: %v", ev.SequenceNumber, err)
	}
}

// maybeRelease starts the release once the vault is confirmed and a
// fulfillment has been recorded.
func (c *Coordinator) maybeRelease(ctx context.Context, job *models.RelayJob) {
	c.mu.Lock()
	ready := job.State == models.RelayVaultConfirmed && job.Fulfillment != nil
	c.mu.Unlock()
	if !ready {
		return
	}
	c.transition(job, models.RelayDestinationFulfilled, nil)
	c.processRelease(ctx, job, 0)
}

// processRelease signs and submits a release authorization. The
// release nonce is fetched from the vault immediately before signing
// on every attempt, including retries, because the vault invalidates
// signatures over any earlier nonce.
func (c *Coordinator) processRelease(ctx context.Context, job *models.RelayJob, retryCount int) {
	c.mu.Lock()
	vault := job.Vault.Address
	fulfillment := job.Fulfillment
	c.mu.Unlock()

	if fulfillment == nil {
		c.logger.ErrorWith(logger.Relay, "release requested for intent %s without fulfillment", job.Deposit.IntentID.Hex())
		return
	}

	nonce, err := c.origin.ReleaseNonce(ctx, vault)
	if err != nil {
		c.scheduleRetry(*job, retryCount, err)
		return
	}

	auth, err := c.signer.SignRelease(fulfillment.IntentID, fulfillment.Asset, fulfillment.Recipient, nonce)
	if err != nil {
		c.logger.ErrorWith(logger.Relay, "failed to sign release for intent %s: %v", fulfillment.IntentID.Hex(), err)
		return
	}
	c.transition(job, models.RelayReleaseSigned, nil)

	if err := c.origin.SubmitRelease(ctx, vault, auth); err != nil {
		c.scheduleRetry(*job, retryCount, err)
		return
	}
	c.transition(job, models.RelayReleaseSubmitted, nil)
	c.transition(job, models.RelaySettled, nil)

	c.logger.NoticeWith(logger.Relay, "release settled: intent %s recipient %s nonce %d",
		fulfillment.IntentID.Hex(), fulfillment.Recipient.Hex(), nonce)
}

// transition records and persists a state change.
func (c *Coordinator) transition(job *models.RelayJob, state models.RelayState, mutate func(*models.RelayJob)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if mutate != nil {
		mutate(job)
	}
	if job.State != state {
		c.logger.InfoWith(logger.Relay, "relay %s: %s -> %s", job.Deposit.IntentID.Hex(), job.State, state)
		job.State = state
		metrics.RelayTransitions.WithLabelValues(string(state)).Inc()
	}
	c.persistLocked(job)
}

func (c *Coordinator) persistLocked(job *models.RelayJob) {
	job.UpdatedAt = time.Now()
	raw, err := json.Marshal(job)
	if err != nil {
		c.logger.ErrorWith(logger.Relay, "failed to encode relay job %s: %v", job.Deposit.IntentID.Hex(), err)
		return
	}
	key := relayKey(job.Deposit.Depositor, job.Deposit.IntentID)
	if err := c.db.Put([]byte(key), raw); err != nil {
		c.logger.ErrorWith(logger.Relay, "failed to persist relay job %s: %v", job.Deposit.IntentID.Hex(), err)
	}
}

// ShouldRetryError classifies chain errors. Returns whether a retry is
// worthwhile and a label for metrics.
func ShouldRetryError(err error) (bool, string) {
	errStr := err.Error()

	if strings.Contains(errStr, "already released") ||
		strings.Contains(errStr, "already settled") {
		return false, "already_processed"
	}

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "EOF") {
		return true, "network_error"
	}

	if strings.Contains(errStr, "not yet deployed") ||
		strings.Contains(errStr, "creation pending") {
		return true, "vault_pending"
	}

	if strings.Contains(errStr, "nonce too low") ||
		strings.Contains(errStr, "stale nonce") ||
		strings.Contains(errStr, "invalid release nonce") {
		// Safe to retry: the nonce is re-fetched before re-signing.
		return true, "nonce_error"
	}

	if strings.Contains(errStr, "execution reverted") ||
		strings.Contains(errStr, "invalid opcode") {
		return false, "contract_error"
	}

	return true, "unknown_error"
}

// CalculateBackoff returns the delay before the given retry attempt.
func CalculateBackoff(retryCount int) time.Duration {
	// Exponential backoff (2^retry * 10 seconds), capped at 2 minutes.
	backoff := time.Duration(math.Pow(2, float64(retryCount))) * 10 * time.Second
	maxBackoff := 2 * time.Minute
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

// scheduleRetry queues another attempt for a job after a transient
// failure, or parks the transfer when the error is permanent or the
// retry budget is spent. Waiting for vault deployment is open-ended
// and does not consume the budget.
func (c *Coordinator) scheduleRetry(job models.RelayJob, retryCount int, cause error) {
	shouldRetry, errorType := ShouldRetryError(cause)
	if !shouldRetry {
		c.logger.ErrorWith(logger.Relay, "relay %s failed permanently (%s): %v",
			job.Deposit.IntentID.Hex(), errorType, cause)
		return
	}
	if retryCount >= c.maxRetries && errorType != "vault_pending" {
		c.logger.ErrorWith(logger.Relay, "max retries reached for relay %s, giving up (error: %s)",
			job.Deposit.IntentID.Hex(), errorType)
		metrics.MaxRetriesReached.WithLabelValues(errorType).Inc()
		return
	}

	backoff := CalculateBackoff(retryCount)
	metrics.RelayRetries.WithLabelValues(errorType).Inc()
	c.logger.InfoWith(logger.Relay, "scheduling retry for relay %s in %v (error: %s)",
		job.Deposit.IntentID.Hex(), backoff, errorType)

	select {
	case c.retryJobs <- models.RetryJob{
		Job:         job,
		RetryCount:  retryCount + 1,
		NextAttempt: time.Now().Add(backoff),
		ErrorType:   errorType,
	}:
	default:
		c.logger.ErrorWith(logger.Relay, "retry queue full, dropping retry for relay %s", job.Deposit.IntentID.Hex())
	}
}

// processRetryJobs re-dispatches pending jobs whose backoff elapsed.
func (c *Coordinator) processRetryJobs(ctx context.Context) {
	// Drain freshly scheduled retries into the pending list first.
	for {
		select {
		case job := <-c.retryJobs:
			c.pending = append(c.pending, job)
			continue
		default:
		}
		break
	}

	now := time.Now()
	remaining := c.pending[:0]
	ready := make([]models.RetryJob, 0)

	for _, retry := range c.pending {
		if now.Before(retry.NextAttempt) {
			remaining = append(remaining, retry)
			continue
		}
		ready = append(ready, retry)
	}
	c.pending = remaining

	for _, retry := range ready {
		c.dispatchRetry(ctx, retry)
	}
}

// dispatchRetry resumes a job from its persisted state.
func (c *Coordinator) dispatchRetry(ctx context.Context, retry models.RetryJob) {
	key := relayKey(retry.Job.Deposit.Depositor, retry.Job.Deposit.IntentID)

	c.mu.Lock()
	job, ok := c.jobs[key]
	var state models.RelayState
	if ok {
		state = job.State
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	switch state {
	case models.RelayDeposited, models.RelayVaultRequested:
		c.advanceVault(ctx, job, retry.RetryCount)
	case models.RelayVaultConfirmed:
		c.maybeRelease(ctx, job)
	case models.RelayDestinationFulfilled, models.RelayReleaseSigned, models.RelayReleaseSubmitted:
		c.processRelease(ctx, job, retry.RetryCount)
	case models.RelaySettled:
	}
}
