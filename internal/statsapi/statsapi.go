// Package statsapi exposes a read-only gin JSON API over pool
// statistics plus a gorilla/websocket endpoint that live-tails the
// Event Dispatcher for dashboards.
package statsapi

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/pooldance/pool-dance/internal/config"
	"github.com/pooldance/pool-dance/internal/eventdispatcher"
	"github.com/pooldance/pool-dance/internal/logging"
)

// StatsSource is the subset of statscache's read API the stats
// endpoint needs. A nil StatsSource (statscache disabled) degrades
// /api/stats to zeroed counters rather than an error.
type StatsSource interface {
	ShareCounts() (valid, invalid int64, err error)
	BlocksFound() (int64, error)
	RoundShares() (map[string]int64, error)
}

// BlockSource reports the pool's current view of chain height.
type BlockSource interface {
	CurrentBlock() uint64
}

// StatsResponse is the /api/stats payload.
type StatsResponse struct {
	ValidShares   int64            `json:"valid_shares"`
	InvalidShares int64            `json:"invalid_shares"`
	BlocksFound   int64            `json:"blocks_found"`
	CurrentBlock  uint64           `json:"current_block"`
	RoundShares   map[string]int64 `json:"round_shares"`
	Now           int64            `json:"now"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the stats API + live event-log websocket endpoint.
type Server struct {
	cfg    config.StatsAPIConfig
	stats  StatsSource
	blocks BlockSource
	router *gin.Engine
	server *http.Server

	clients   sync.Map // clientID -> *wsClient
	clientSeq uint64
}

type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsClient) send(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

// New builds a Server and subscribes its /ws fan-out to every kind of
// event the dispatcher carries. stats may be nil if statscache is
// disabled.
func New(cfg config.StatsAPIConfig, stats StatsSource, blocks BlockSource, dispatcher *eventdispatcher.Dispatcher) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{cfg: cfg, stats: stats, blocks: blocks, router: router}
	s.setupRoutes()

	for _, kind := range []eventdispatcher.EventKind{
		eventdispatcher.WorkRequested,
		eventdispatcher.WorkServed,
		eventdispatcher.WorkSubmitted,
		eventdispatcher.WorkValidated,
		eventdispatcher.CurrentBlock,
		eventdispatcher.BlockFound,
	} {
		dispatcher.Subscribe(kind, s.broadcast)
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if len(s.cfg.CORSOrigins) == 0 {
			c.Header("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range s.cfg.CORSOrigins {
				if allowed == origin {
					c.Header("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	s.router.GET("/api/stats", s.handleStats)
	s.router.GET("/ws", s.handleWebsocket)
	s.router.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
}

// Start begins serving, if enabled.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}

	s.server = &http.Server{Addr: s.cfg.Bind, Handler: s.router}
	logging.Infof("stats API listening on %s", s.cfg.Bind)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Errorf("stats API server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts down the stats API and closes every open websocket.
func (s *Server) Stop(ctx context.Context) error {
	s.clients.Range(func(key, value interface{}) bool {
		value.(*wsClient).conn.Close()
		return true
	})
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleStats(c *gin.Context) {
	resp := StatsResponse{Now: time.Now().Unix()}

	if s.blocks != nil {
		resp.CurrentBlock = s.blocks.CurrentBlock()
	}
	if s.stats != nil {
		if valid, invalid, err := s.stats.ShareCounts(); err == nil {
			resp.ValidShares, resp.InvalidShares = valid, invalid
		}
		if found, err := s.stats.BlocksFound(); err == nil {
			resp.BlocksFound = found
		}
		if round, err := s.stats.RoundShares(); err == nil {
			resp.RoundShares = round
		}
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleWebsocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warnf("websocket upgrade error: %v", err)
		return
	}

	id := atomic.AddUint64(&s.clientSeq, 1)
	client := &wsClient{conn: conn}
	s.clients.Store(id, client)

	defer func() {
		s.clients.Delete(id)
		conn.Close()
	}()

	// Read-only feed: block on incoming frames only to detect
	// disconnects (ping/close), same idiom as a pure server-push feed.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) broadcast(ev eventdispatcher.Event) {
	s.clients.Range(func(_, value interface{}) bool {
		client := value.(*wsClient)
		if err := client.send(ev); err != nil {
			logging.Debugf("websocket write error: %v", err)
		}
		return true
	})
}
