// Package policy applies per-IP connection limiting and banning: a
// miner whose invalid-share ratio climbs too high, over a configured
// window of submissions, is banned for a configured duration.
package policy

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pooldance/pool-dance/internal/config"
	"github.com/pooldance/pool-dance/internal/logging"
)

const resetInterval = 1 * time.Hour

// IPStats tracks per-IP connection and share statistics.
type IPStats struct {
	mu            sync.Mutex
	lastBeat      int64
	bannedAt      int64
	validShares   int32
	invalidShares int32
	connLimit     int32
	banned        int32
}

// Server enforces config.PolicyConfig against per-IP statistics.
type Server struct {
	cfg config.PolicyConfig

	statsMu sync.RWMutex
	stats   map[string]*IPStats

	quit chan struct{}
	wg   sync.WaitGroup
}

// New builds a policy Server. Call Start to begin the background
// stats-reset loop.
func New(cfg config.PolicyConfig) *Server {
	return &Server{
		cfg:   cfg,
		stats: make(map[string]*IPStats),
		quit:  make(chan struct{}),
	}
}

// Start launches the background loop that clears stale per-IP entries
// and lifts expired bans.
func (s *Server) Start() {
	if !s.cfg.Enabled {
		return
	}
	s.wg.Add(1)
	go s.resetLoop()
}

// Stop halts the background loop.
func (s *Server) Stop() {
	close(s.quit)
	s.wg.Wait()
}

func (s *Server) resetLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(resetInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.resetStats()
		}
	}
}

func (s *Server) resetStats() {
	now := time.Now().UnixMilli()
	banTimeout := s.cfg.BanDuration.Milliseconds()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	for ip, st := range s.stats {
		st.mu.Lock()
		if st.bannedAt > 0 && now-st.bannedAt >= banTimeout {
			st.bannedAt = 0
			if atomic.CompareAndSwapInt32(&st.banned, 1, 0) {
				logging.Infof("ban expired for %s", ip)
			}
		}
		if now-st.lastBeat >= resetInterval.Milliseconds() && st.banned == 0 {
			st.mu.Unlock()
			delete(s.stats, ip)
			continue
		}
		st.mu.Unlock()
	}
}

func (s *Server) getStats(ip string) *IPStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	st, ok := s.stats[ip]
	if !ok {
		st = &IPStats{lastBeat: time.Now().UnixMilli(), connLimit: int32(s.cfg.MaxConnectionsPerIP)}
		s.stats[ip] = st
		return st
	}
	st.lastBeat = time.Now().UnixMilli()
	return st
}

// IsBanned reports whether ip is currently banned.
func (s *Server) IsBanned(ip string) bool {
	if !s.cfg.Enabled {
		return false
	}
	return atomic.LoadInt32(&s.getStats(ip).banned) > 0
}

// ApplyConnectionLimit decrements ip's remaining connection allowance
// and reports whether the new connection is within the configured
// per-IP limit.
func (s *Server) ApplyConnectionLimit(ip string) bool {
	if !s.cfg.Enabled || s.cfg.MaxConnectionsPerIP <= 0 {
		return true
	}

	st := s.getStats(ip)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.connLimit--
	return st.connLimit >= 0
}

// ApplySharePolicy records a validated submission's outcome and bans
// ip once, over a window of InvalidShareWindow submissions, the
// invalid ratio reaches InvalidShareRatio. Returns false if ip was
// just banned as a result.
func (s *Server) ApplySharePolicy(ip string, valid bool) bool {
	if !s.cfg.Enabled {
		return true
	}

	st := s.getStats(ip)
	st.mu.Lock()

	if valid {
		st.validShares++
	} else {
		st.invalidShares++
	}

	total := st.validShares + st.invalidShares
	if int(total) < s.cfg.InvalidShareWindow {
		st.mu.Unlock()
		return true
	}

	ratio := float64(st.invalidShares) / float64(total)
	st.validShares, st.invalidShares = 0, 0
	st.mu.Unlock()

	if ratio >= s.cfg.InvalidShareRatio {
		logging.Warnf("banning %s: invalid share ratio %.2f >= %.2f", ip, ratio, s.cfg.InvalidShareRatio)
		s.BanIP(ip)
		return false
	}
	return true
}

// BanIP bans ip for the configured duration.
func (s *Server) BanIP(ip string) {
	if !s.cfg.Enabled {
		return
	}

	st := s.getStats(ip)
	st.mu.Lock()
	st.bannedAt = time.Now().UnixMilli()
	st.mu.Unlock()

	if atomic.CompareAndSwapInt32(&st.banned, 0, 1) {
		logging.Infof("banned IP: %s", ip)
	}
}

// Stats returns the total number of tracked IPs and how many are
// currently banned.
func (s *Server) Stats() (total, banned int) {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()

	total = len(s.stats)
	for _, st := range s.stats {
		if atomic.LoadInt32(&st.banned) > 0 {
			banned++
		}
	}
	return total, banned
}
