// Package validator checks submitted work results against the
// tracked templates the pool has handed out: a fast, synchronous
// prevalidation pass (merkle-root lookup, version/timestamp/user/
// nonce/prev-block-hash checks) followed by the CPU-bound SHA-256d
// proof-of-work check, offloaded to a fixed worker pool.
package validator

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/pooldance/pool-dance/internal/hexutil"
	"github.com/pooldance/pool-dance/internal/model"
)

// BlockHashResolver is the subset of the upstream RPC client needed to
// resolve a block height into its hash.
type BlockHashResolver interface {
	GetBlockHash(ctx context.Context, height uint64) (string, error)
}

const workerPoolSize = 4

// Validator holds the two generations of tracked-work tables (current
// and previous block) and the fixed worker pool that performs the
// proof-of-work check.
type Validator struct {
	rpc    BlockHashResolver
	target [32]byte

	mu              sync.RWMutex
	current         map[string]*model.TrackedWork
	previous        map[string]*model.TrackedWork
	blockNum        uint64
	blockHash       string
	blockHashPrev   string

	jobs chan phase2Job
	quit chan struct{}
	wg   sync.WaitGroup
}

type phase2Job struct {
	data   string
	result chan<- phase2Result
}

type phase2Result struct {
	status model.ValidationStatus
	reason string
}

// New builds a Validator targeting targetHex (64 hex chars, as passed
// through from the pool's configured share target) and starts its
// fixed-size worker pool.
func New(rpc BlockHashResolver, targetHex string) (*Validator, error) {
	targetBytes, err := hexutil.ToBytes(targetHex)
	if err != nil {
		return nil, fmt.Errorf("invalid target: %w", err)
	}
	if len(targetBytes) != 32 {
		return nil, fmt.Errorf("invalid target: want 32 bytes, got %d", len(targetBytes))
	}

	v := &Validator{
		rpc:      rpc,
		current:  make(map[string]*model.TrackedWork),
		previous: make(map[string]*model.TrackedWork),
		jobs:     make(chan phase2Job),
		quit:     make(chan struct{}),
	}
	copy(v.target[:], targetBytes)

	for i := 0; i < workerPoolSize; i++ {
		v.wg.Add(1)
		go v.worker()
	}

	return v, nil
}

// Close stops the worker pool.
func (v *Validator) Close() {
	close(v.quit)
	v.wg.Wait()
}

func mapKey(merkleRoot string) string {
	sum := blake3.Sum256([]byte(merkleRoot))
	return string(sum[:])
}

// TrackWorkSent records a template handed out to user so a later
// submission against it can be validated.
func (v *Validator) TrackWorkSent(user string, data string) error {
	if len(data) != 256 {
		return fmt.Errorf("work data is invalid, incorrect length")
	}

	merkleRoot, err := hexutil.Field(data, 72, 136)
	if err != nil {
		return fmt.Errorf("extract merkle root: %w", err)
	}
	version, err := hexutil.Field(data, 0, 8)
	if err != nil {
		return fmt.Errorf("extract version: %w", err)
	}
	timestamp, err := hexutil.Field(data, 136, 144)
	if err != nil {
		return fmt.Errorf("extract timestamp: %w", err)
	}

	tracked := model.NewTrackedWork(merkleRoot, user, version, timestamp)

	v.mu.Lock()
	v.current[mapKey(merkleRoot)] = tracked
	v.mu.Unlock()

	return nil
}

// NotifyNewBlock rotates the current tracked-work generation into
// "previous" (submissions against it become at best STALE) and
// resolves the new block's hash for prev-block-hash comparison.
func (v *Validator) NotifyNewBlock(ctx context.Context, block uint64) {
	v.mu.Lock()
	v.blockHashPrev = v.blockHash
	v.previous = v.current
	v.current = make(map[string]*model.TrackedWork)
	v.blockNum = block
	v.mu.Unlock()

	go v.resolveCurrentBlockHash(ctx, block)
}

// resolveCurrentBlockHash calls getblockhash for block and retries on
// error until it succeeds or block is superseded by a later
// NotifyNewBlock. Run on its own goroutine and looping iteratively
// (rather than the source's direct self-recursion, safe there only
// because it re-arms a callback inside an event loop instead of
// making a blocking call) so a sustained upstream outage can't freeze
// the block monitor's single polling goroutine or grow the call stack
// without bound.
func (v *Validator) resolveCurrentBlockHash(ctx context.Context, block uint64) {
	for {
		select {
		case <-v.quit:
			return
		default:
		}

		v.mu.RLock()
		stale := v.blockNum != block
		v.mu.RUnlock()
		if stale {
			return
		}

		rawHash, err := v.rpc.GetBlockHash(ctx, block)
		if err != nil {
			continue
		}

		reordered, err := hexutil.ReorderBlockHash(rawHash)
		if err != nil {
			return
		}

		v.mu.Lock()
		if v.blockNum == block {
			v.blockHash = reordered
		}
		v.mu.Unlock()
		return
	}
}

// Validate runs prevalidation synchronously and, if it passes, hands
// the CPU-bound proof-of-work check to the worker pool, blocking until
// a worker picks it up and completes. reason is only meaningful when
// status != model.StatusSuccess.
func (v *Validator) Validate(client model.ClientInfo, data string) (status model.ValidationStatus, reason string) {
	tracked, possiblyStale, prevalidateErr := v.prevalidate(client, data)
	if prevalidateErr != nil {
		return prevalidateErr.status, prevalidateErr.Error()
	}

	resultCh := make(chan phase2Result, 1)
	v.jobs <- phase2Job{data: data, result: resultCh}
	result := <-resultCh

	if result.status != model.StatusSuccess {
		return result.status, result.reason
	}

	if possiblyStale || tracked.PossiblyStale() {
		return model.StatusStale, "Block hash belongs to previous block. Stale!"
	}

	return model.StatusSuccess, ""
}

type validationError struct {
	status model.ValidationStatus
	reason string
}

func (e *validationError) Error() string { return e.reason }

func newValidationError(status model.ValidationStatus, reason string) *validationError {
	return &validationError{status: status, reason: reason}
}

// prevalidate performs every check that doesn't require the
// proof-of-work computation. It returns the TrackedWork record the
// submission matched, whether it was only found in the previous
// generation, and an error (nil on success) — mirroring the source's
// "returns error-status by out-parameter" convention (see
// prevalidate_work_result's documented return-value ambiguity).
func (v *Validator) prevalidate(client model.ClientInfo, data string) (*model.TrackedWork, bool, *validationError) {
	if len(data) != 256 {
		return nil, false, newValidationError(model.StatusInvalid, "Work data is invalid, incorrect length")
	}

	merkleRoot, err := hexutil.Field(data, 72, 136)
	if err != nil {
		return nil, false, newValidationError(model.StatusInvalid, "Work result for an unknown work item")
	}

	key := mapKey(merkleRoot)

	v.mu.RLock()
	tracked, ok := v.current[key]
	blockHash := v.blockHash
	blockHashPrev := v.blockHashPrev
	v.mu.RUnlock()

	possiblyStale := false
	if !ok {
		v.mu.RLock()
		tracked, ok = v.previous[key]
		v.mu.RUnlock()
		if !ok {
			return nil, false, newValidationError(model.StatusInvalid, "Work result for an unknown work item")
		}
		tracked.MarkPossiblyStale()
		possiblyStale = true
	}

	version, err := hexutil.Field(data, 0, 8)
	if err != nil || version != tracked.Version {
		return nil, false, newValidationError(model.StatusInvalid, "Version mismatch")
	}

	timestamp, err := hexutil.Field(data, 136, 144)
	if err != nil || timestamp != tracked.Timestamp {
		return nil, false, newValidationError(model.StatusInvalid, "Timestamp mismatch")
	}

	nonce, err := extractNonce(data)
	if err != nil {
		return nil, false, newValidationError(model.StatusInvalid, err.Error())
	}
	switch tracked.TryRecordNonce(nonce) {
	case model.NonceDuplicate, model.NonceCapacityExceeded:
		return nil, false, newValidationError(model.StatusDuplicated, "Duplicate work result")
	}

	if client.User != tracked.User {
		return nil, false, newValidationError(model.StatusInvalid, "User mismatch")
	}

	expectedHash := blockHash
	if possiblyStale {
		expectedHash = blockHashPrev
	}
	prevBlockHash, err := hexutil.Field(data, 8, 72)
	if err != nil || prevBlockHash != expectedHash {
		return nil, false, newValidationError(model.StatusInvalid, "Previous block hash mismatch")
	}

	return tracked, possiblyStale, nil
}

func (v *Validator) worker() {
	defer v.wg.Done()

	for {
		select {
		case <-v.quit:
			return
		case job := <-v.jobs:
			job.result <- v.runPhase2(job.data)
		}
	}
}

// runPhase2 performs the blocking half of validation: byte-swap each
// 32-bit word of the header, double-SHA256 it, and compare the
// digest against the pool target under the byte-reversed convention
// the source uses throughout.
func (v *Validator) runPhase2(data string) phase2Result {
	header := data[:160]

	swapped, err := hexutil.SwapWordsHex(header)
	if err != nil {
		return phase2Result{status: model.StatusInvalid, reason: fmt.Sprintf("invalid hex string: %v", err)}
	}

	headerBin, err := hexutil.ToBytes(swapped)
	if err != nil {
		return phase2Result{status: model.StatusInvalid, reason: fmt.Sprintf("invalid hex string: %v", err)}
	}

	first := sha256.Sum256(headerBin)
	second := sha256.Sum256(first[:])

	if hexutil.CompareInvertedHashes(second[:], v.target[:]) > 0 {
		return phase2Result{status: model.StatusInvalid, reason: "Block hash is not less than target"}
	}

	return phase2Result{status: model.StatusSuccess}
}

func extractNonce(data string) (uint32, error) {
	nonceHex, err := hexutil.Field(data, 152, 160)
	if err != nil {
		return 0, fmt.Errorf("extract nonce: %w", err)
	}
	swapped, err := hexutil.SwapWordsHex(nonceHex)
	if err != nil {
		return 0, fmt.Errorf("extract nonce: %w", err)
	}
	nonceBytes, err := hexutil.ToBytes(swapped)
	if err != nil {
		return 0, fmt.Errorf("extract nonce: %w", err)
	}
	var nonce uint32
	for _, b := range nonceBytes {
		nonce = nonce<<8 | uint32(b)
	}
	return nonce, nil
}
