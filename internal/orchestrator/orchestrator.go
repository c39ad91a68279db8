// Package orchestrator wires the pool's components together: the
// upstream work cache, block monitor, pool server, work validator,
// round manager, and the optional enrichments (stats API/cache, APM,
// policy, notify, profiling). It owns the "serve work" pairing loop
// and the new-block notification cascade, replacing the source's
// global state in main() with a single constructed value.
package orchestrator

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pooldance/pool-dance/internal/apm"
	"github.com/pooldance/pool-dance/internal/blockmonitor"
	"github.com/pooldance/pool-dance/internal/config"
	"github.com/pooldance/pool-dance/internal/eventdispatcher"
	"github.com/pooldance/pool-dance/internal/logging"
	"github.com/pooldance/pool-dance/internal/model"
	"github.com/pooldance/pool-dance/internal/notify"
	"github.com/pooldance/pool-dance/internal/policy"
	"github.com/pooldance/pool-dance/internal/poolserver"
	"github.com/pooldance/pool-dance/internal/profiling"
	"github.com/pooldance/pool-dance/internal/roundmanager"
	"github.com/pooldance/pool-dance/internal/statsapi"
	"github.com/pooldance/pool-dance/internal/statscache"
	"github.com/pooldance/pool-dance/internal/upstream"
	"github.com/pooldance/pool-dance/internal/validator"
)

// shareTarget is the compile-time pool share target (spec.md §6):
// difficulty-1, the easiest possible target. The pool rewrites every
// outgoing template's target to this value; the upstream-supplied
// target is never exposed to miners.
const shareTarget = "ffffffffffffffffffffffffffffffffffffffffffffffffffffffff00000000"

// Orchestrator owns every long-lived component and the glue between
// them. All mutable cross-component state funnels through serveMu,
// the Go analogue of the source's single-threaded main loop.
type Orchestrator struct {
	cfg *config.Config

	upstreamClient  *upstream.Client
	upstreamService *upstream.Service
	blockMonitor    *blockmonitor.Monitor
	poolServer      *poolserver.Server
	validator       *validator.Validator
	dispatcher      *eventdispatcher.Dispatcher
	roundManager    *roundmanager.RoundManager
	policy          *policy.Server
	notifier        *notify.Notifier
	apm             *apm.Agent
	statsCache      *statscache.Cache
	statsAPI        *statsapi.Server
	profiler        *profiling.Server

	serveMu      sync.Mutex
	currentBlock atomic.Uint64
}

// New constructs every component and wires their callbacks, but
// starts nothing; call Start to begin serving.
func New(cfg *config.Config) (*Orchestrator, error) {
	if err := logging.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	dispatcher, err := eventdispatcher.New(cfg.PoolDance.EventLog)
	if err != nil {
		return nil, fmt.Errorf("init event dispatcher: %w", err)
	}

	upstreamClient := upstream.NewClient(cfg.UpstreamService.URL, cfg.UpstreamService.User, cfg.UpstreamService.Password)

	v, err := validator.New(upstreamClient, shareTarget)
	if err != nil {
		return nil, fmt.Errorf("init validator: %w", err)
	}

	o := &Orchestrator{
		cfg:          cfg,
		upstreamClient: upstreamClient,
		validator:    v,
		dispatcher:   dispatcher,
		roundManager: roundmanager.New(cfg.RoundManager.RoundFile, dispatcher),
		policy:       policy.New(cfg.Policy),
		notifier:     notify.New(cfg.Notify),
		apm:          apm.New(cfg.APM),
		profiler:     profiling.NewServer(&cfg.Profiling),
	}

	o.upstreamService = upstream.NewService(upstreamClient, cfg.UpstreamService.WorkCacheSize, o.onHasWork)
	o.poolServer = poolserver.New(
		fmt.Sprintf("%s:%d", cfg.PoolServer.ListenAddr, cfg.PoolServer.ListenPort),
		o.onGetwork,
		o.onPutwork,
	)
	o.blockMonitor = blockmonitor.New(upstreamClient, cfg.BlockMonitor.Latency, o.onBlockChange)

	statsCache, err := statscache.New(cfg.StatsCache, dispatcher)
	if err != nil {
		return nil, fmt.Errorf("init stats cache: %w", err)
	}
	o.statsCache = statsCache

	var statsSource statsapi.StatsSource
	if statsCache != nil {
		statsSource = statsCache
	}
	o.statsAPI = statsapi.New(cfg.StatsAPI, statsSource, o.blockMonitor, dispatcher)

	return o, nil
}

// Start begins every component, in the order the source's main()
// brings them up: persisted state first (round journal), then the
// client-facing listener, then the background prefetch and polling
// loops, then the optional enrichments.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.roundManager.Start(); err != nil {
		return fmt.Errorf("start round manager: %w", err)
	}
	if err := o.poolServer.Start(); err != nil {
		return fmt.Errorf("start pool server: %w", err)
	}

	o.upstreamService.Start(ctx)
	o.blockMonitor.Start(ctx)
	o.policy.Start()

	if err := o.statsAPI.Start(); err != nil {
		return fmt.Errorf("start stats API: %w", err)
	}
	if err := o.profiler.Start(); err != nil {
		return fmt.Errorf("start profiling: %w", err)
	}
	if err := o.apm.Start(); err != nil {
		logging.Warnf("APM start failed, continuing without it: %v", err)
	}

	logging.Infof("pool-dance listening on %s:%d", o.cfg.PoolServer.ListenAddr, o.cfg.PoolServer.ListenPort)
	return nil
}

// Stop shuts components down in dependency order: refuse new miner
// connections first, then stop the background polling loops, then
// flush the two File Loggers so nothing queued is lost, then close
// the remaining enrichments.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if err := o.poolServer.Stop(ctx); err != nil {
		logging.Warnf("pool server shutdown: %v", err)
	}
	o.blockMonitor.Stop()

	o.validator.Close()

	if err := o.dispatcher.Close(); err != nil {
		logging.Warnf("event dispatcher close: %v", err)
	}
	if err := o.roundManager.Close(); err != nil {
		logging.Warnf("round manager close: %v", err)
	}

	o.policy.Stop()
	if err := o.statsAPI.Stop(ctx); err != nil {
		logging.Warnf("stats API shutdown: %v", err)
	}
	if err := o.profiler.Stop(); err != nil {
		logging.Warnf("profiling server shutdown: %v", err)
	}
	if err := o.statsCache.Close(); err != nil {
		logging.Warnf("stats cache close: %v", err)
	}
	o.apm.Stop()

	return logging.Sync()
}

// onHasWork is the upstream service's "a template just arrived"
// callback; it wakes the serve-work pairing loop.
func (o *Orchestrator) onHasWork() {
	o.serveWork(context.Background())
}

// onGetwork is the pool server's "a miner is soliciting work"
// callback. It always drives the pairing loop; serveWork itself is
// what starves a banned IP of work, so this must not skip the call
// just because the triggering request happens to be banned — doing
// so used to also stall every other request already queued (notably
// the batch NotifyNewBlock flushes from /lp, see its comment).
func (o *Orchestrator) onGetwork(req *poolserver.Request) {
	o.dispatcher.NotifyWorkRequested(req.Client)
	o.serveWork(context.Background())
}

// serveWork repeatedly pairs a queued getwork request with a
// prefetched template, overwriting the template's target with the
// pool's share target and tracking it for later validation. Guarded
// by serveMu so the callback arriving from the upstream service and
// the callback arriving from the pool server never race each other.
// A request from a banned IP is dequeued and dropped without a
// response, leaving its connection parked until the miner gives up.
func (o *Orchestrator) serveWork(ctx context.Context) {
	o.serveMu.Lock()
	defer o.serveMu.Unlock()

	for o.poolServer.NeedWork() && o.upstreamService.HasWork() {
		req, ok := o.poolServer.DequeueWork()
		if !ok {
			// Every queued request had already disconnected.
			continue
		}

		if o.policy.IsBanned(remoteIP(req.Client.RemoteAddr)) {
			continue
		}

		tmpl, ok := o.upstreamService.TakeWork(ctx)
		if !ok {
			// Lost a race with another drain of the same cache; the
			// request is dropped, same as a source pairing attempt
			// that finds the cache already empty. onHasWork will
			// re-drive the loop once a fresh template arrives, but
			// this particular request has no further queue to wait
			// in, so it is left to the miner's HTTP client to retry.
			return
		}

		tmpl.Target = shareTarget

		if err := o.validator.TrackWorkSent(req.Client.User, tmpl.Data); err != nil {
			logging.Warnf("track work sent: %v", err)
		}

		o.dispatcher.NotifyWorkServed(req.Client)
		req.Respond(tmpl)
	}
}

// onPutwork is the pool server's "a miner submitted a completed
// template" callback. The response to the miner is sent as soon as
// validation completes; a successful share is additionally forwarded
// upstream as a block candidate on its own goroutine, the second of
// the two independent completions the source's refcount tracked.
func (o *Orchestrator) onPutwork(result *model.WorkResult) {
	o.dispatcher.NotifyWorkSubmitted(result.Client)

	ip := remoteIP(result.Client.RemoteAddr)
	if o.policy.IsBanned(ip) {
		poolserver.RespondPutwork(result, false, "banned")
		return
	}

	status, reason := o.validator.Validate(result.Client, result.Data)
	o.dispatcher.NotifyWorkValidated(result.Client, status, reason)
	o.apm.RecordShareSubmission(result.Client.User, status.String())

	accepted := status == model.StatusSuccess
	o.policy.ApplySharePolicy(ip, accepted)

	poolserver.RespondPutwork(result, accepted, reason)

	if accepted {
		go o.submitBlockCandidate(result.Client, result.Data)
	}
}

// submitBlockCandidate forwards a valid share upstream. If upstream
// confirms it as a new block, the round is closed out: the event
// dispatcher and round manager are notified, and an optional
// Discord/Telegram alert is sent.
func (o *Orchestrator) submitBlockCandidate(client model.ClientInfo, data string) {
	ctx := context.Background()

	ok, err := o.upstreamClient.SubmitWork(ctx, data)
	if err != nil {
		logging.Warnf("submit work upstream: %v", err)
		return
	}
	if !ok {
		return
	}

	block := o.currentBlock.Load() + 1
	o.dispatcher.NotifyBlockFound(block, client)
	o.apm.RecordBlockFound(block, client.User)
	o.notifier.NotifyBlockFound(block, "", client.User)
}

// onBlockChange is the block monitor's "a new block arrived" callback.
// It runs the same four-call notification cascade regardless of who
// found the block: drop every component's view of the previous block,
// rebuild the upstream cache, and flush parked long-polls.
func (o *Orchestrator) onBlockChange(block uint64) {
	ctx := context.Background()

	o.upstreamService.NotifyNewBlock(ctx)
	o.poolServer.NotifyNewBlock(block)
	o.validator.NotifyNewBlock(ctx, block)
	o.dispatcher.NotifyCurrentBlock(block)

	o.currentBlock.Store(block)

	o.serveWork(ctx)
}

func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
