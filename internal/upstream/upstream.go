// Package upstream talks JSON-RPC to the Bitcoin node backing the
// pool and maintains a bounded, refill-on-drain cache of prefetched
// work templates.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pooldance/pool-dance/internal/logging"
	"github.com/pooldance/pool-dance/internal/model"
)

type rpcRequest struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
	ID     int           `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     int             `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return e.Message
}

// Client is a minimal JSON-RPC-over-HTTP-basic-auth client for the
// subset of Bitcoin Core RPCs the pool needs.
type Client struct {
	url      string
	user     string
	password string
	http     *http.Client
	nextID   int
	mu       sync.Mutex
}

// NewClient builds a Client against url, authenticating with user/password.
func NewClient(url, user, password string) *Client {
	return &Client{
		url:      url,
		user:     user,
		password: password,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	if params == nil {
		params = []interface{}{}
	}

	body, err := json.Marshal(rpcRequest{Method: method, Params: params, ID: id})
	if err != nil {
		return nil, fmt.Errorf("marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.user, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("%s: %w", method, rpcResp.Error)
	}

	return rpcResp.Result, nil
}

// GetBlockCount fetches the current chain height.
func (c *Client) GetBlockCount(ctx context.Context) (uint64, error) {
	result, err := c.call(ctx, "getblockcount", nil)
	if err != nil {
		return 0, err
	}
	var n uint64
	if err := json.Unmarshal(result, &n); err != nil {
		return 0, fmt.Errorf("getblockcount: %w", err)
	}
	return n, nil
}

// GetBlockHash fetches the block hash at height, as raw upstream hex
// (callers reorder it for comparison, see hexutil.ReorderBlockHash).
func (c *Client) GetBlockHash(ctx context.Context, height uint64) (string, error) {
	result, err := c.call(ctx, "getblockhash", []interface{}{height})
	if err != nil {
		return "", err
	}
	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", fmt.Errorf("getblockhash: %w", err)
	}
	return hash, nil
}

// GetWork fetches a new work template.
func (c *Client) GetWork(ctx context.Context) (model.Template, error) {
	result, err := c.call(ctx, "getwork", nil)
	if err != nil {
		return model.Template{}, err
	}
	var tmpl model.Template
	if err := json.Unmarshal(result, &tmpl); err != nil {
		return model.Template{}, fmt.Errorf("getwork: %w", err)
	}
	return tmpl, nil
}

// SubmitWork submits a completed template upstream. The boolean
// result reports whether it was accepted as a new block.
func (c *Client) SubmitWork(ctx context.Context, data string) (bool, error) {
	result, err := c.call(ctx, "getwork", []interface{}{data})
	if err != nil {
		return false, err
	}
	var accepted bool
	if err := json.Unmarshal(result, &accepted); err != nil {
		return false, fmt.Errorf("getwork(submit): %w", err)
	}
	return accepted, nil
}

// Service maintains a bounded LIFO cache of prefetched templates,
// topped up to cacheSize whenever it drains below that level. A new
// cache generation is started on every notify-new-block, discarding
// whatever was queued for the previous block.
type Service struct {
	client    *Client
	cacheSize int
	onHasWork func()

	mu           sync.Mutex
	queue        []model.Template
	inFlight     int
	generation   uint64
}

// NewService builds a Service around client. onHasWork, if non-nil, is
// invoked (outside any lock) every time a template is pushed onto the
// queue, mirroring the source's has_work callback that wakes the
// pairing loop.
func NewService(client *Client, cacheSize int, onHasWork func()) *Service {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	return &Service{client: client, cacheSize: cacheSize, onHasWork: onHasWork}
}

// Start kicks off the initial fill of the cache.
func (s *Service) Start(ctx context.Context) {
	s.fillQueue(ctx)
}

// HasWork reports whether a template is ready to hand out.
func (s *Service) HasWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) > 0
}

// TakeWork pops the most recently fetched template (LIFO, matching
// the source's push-head/pop-head queue) and triggers a refill.
func (s *Service) TakeWork(ctx context.Context) (model.Template, bool) {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return model.Template{}, false
	}
	tmpl := s.queue[0]
	s.queue = s.queue[1:]
	s.mu.Unlock()

	s.fillQueue(ctx)

	return tmpl, true
}

// NotifyNewBlock discards whatever was cached for the previous block
// and refills against the new one.
func (s *Service) NotifyNewBlock(ctx context.Context) {
	s.mu.Lock()
	s.queue = nil
	s.inFlight = 0
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	s.fillQueueForGeneration(ctx, gen)
}

func (s *Service) fillQueue(ctx context.Context) {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	s.fillQueueForGeneration(ctx, gen)
}

// fillQueueForGeneration issues getwork calls until in-flight+queued
// reaches cacheSize, same as the source's fill_work_queue. Replies
// belonging to a stale generation (a block arrived while the call was
// outstanding) are dropped rather than queued.
func (s *Service) fillQueueForGeneration(ctx context.Context, gen uint64) {
	for {
		s.mu.Lock()
		if s.generation != gen {
			s.mu.Unlock()
			return
		}
		if s.inFlight+len(s.queue) >= s.cacheSize {
			s.mu.Unlock()
			return
		}
		s.inFlight++
		s.mu.Unlock()

		go s.fetchOne(ctx, gen)
	}
}

func (s *Service) fetchOne(ctx context.Context, gen uint64) {
	tmpl, err := s.client.GetWork(ctx)

	s.mu.Lock()
	stale := s.generation != gen
	if !stale {
		// NotifyNewBlock already reset inFlight for the new generation.
		s.inFlight--
	}
	s.mu.Unlock()

	if err != nil {
		logging.Warnf("getwork failed: %v", err)
		s.fillQueueForGeneration(ctx, gen)
		return
	}

	if stale {
		return
	}

	s.mu.Lock()
	s.queue = append([]model.Template{tmpl}, s.queue...)
	s.mu.Unlock()

	if s.onHasWork != nil {
		s.onHasWork()
	}

	s.fillQueueForGeneration(ctx, gen)
}
