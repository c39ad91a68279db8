// Package blockmonitor polls the upstream node's block height on a
// fixed interval and notifies a callback whenever it increases.
package blockmonitor

import (
	"context"
	"sync"
	"time"

	"github.com/pooldance/pool-dance/internal/logging"
)

// BlockCounter is the subset of the upstream RPC client the monitor needs.
type BlockCounter interface {
	GetBlockCount(ctx context.Context) (uint64, error)
}

// State is the monitor's polling state machine.
type State int

const (
	// Stopped: no poll scheduled, no call in flight.
	Stopped State = iota
	// Polling: waiting for the next tick.
	Polling
	// AwaitingResponse: a getblockcount call is in flight.
	AwaitingResponse
)

// Monitor polls BlockCounter every latency and invokes onChange with
// the new height whenever it strictly increases.
type Monitor struct {
	rpc     BlockCounter
	latency time.Duration
	onChange func(block uint64)

	mu           sync.Mutex
	state        State
	currentBlock uint64
	timer        *time.Timer
	cancel       context.CancelFunc
}

// New builds a Monitor. onChange is invoked synchronously on the
// monitor's own goroutine; callers needing to do more work should
// dispatch it further themselves.
func New(rpc BlockCounter, latency time.Duration, onChange func(block uint64)) *Monitor {
	if latency <= 0 {
		latency = 250 * time.Millisecond
	}
	return &Monitor{rpc: rpc, latency: latency, onChange: onChange, state: Stopped}
}

// Start is idempotent: calling it while already running has no effect.
// It triggers an immediate first poll, matching the source's
// block_monitor_start calling checkBlock directly rather than waiting
// one latency period.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.state != Stopped {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.state = AwaitingResponse
	m.mu.Unlock()

	go m.poll(ctx)
}

// Stop is idempotent: calling it while already stopped has no effect.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.state == Stopped {
		m.mu.Unlock()
		return
	}
	m.state = Stopped
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (m *Monitor) running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state != Stopped
}

func (m *Monitor) poll(ctx context.Context) {
	block, err := m.rpc.GetBlockCount(ctx)
	if err != nil {
		logging.Warnf("getblockcount failed: %v", err)
	} else {
		m.mu.Lock()
		changed := block > m.currentBlock
		if changed {
			m.currentBlock = block
		}
		m.mu.Unlock()

		if changed && m.running() {
			m.onChange(block)
		}
	}

	if !m.running() {
		return
	}

	m.mu.Lock()
	if m.state == Stopped {
		m.mu.Unlock()
		return
	}
	m.state = Polling
	m.timer = time.AfterFunc(m.latency, func() {
		m.mu.Lock()
		if m.state == Stopped {
			m.mu.Unlock()
			return
		}
		m.state = AwaitingResponse
		m.mu.Unlock()
		m.poll(ctx)
	})
	m.mu.Unlock()
}

// CurrentBlock returns the highest block height observed so far.
func (m *Monitor) CurrentBlock() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentBlock
}

// StateNow reports the monitor's current polling state, mainly for tests.
func (m *Monitor) StateNow() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
