package orchestrator

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pooldance/pool-dance/internal/config"
	"github.com/pooldance/pool-dance/internal/model"
)

// fakeUpstream is a minimal JSON-RPC-over-HTTP-basic-auth node
// standing in for bitcoind: getblockcount, getblockhash, and the two
// getwork forms (solicit and submit).
type fakeUpstream struct {
	blockCount  uint64
	blockHash   string
	workData    string
	workTarget  string
	submitAccept bool
}

type rpcIn struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     int               `json:"id"`
}

func (f *fakeUpstream) handler(w http.ResponseWriter, r *http.Request) {
	var in rpcIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var result interface{}
	switch in.Method {
	case "getblockcount":
		result = f.blockCount
	case "getblockhash":
		result = f.blockHash
	case "getwork":
		if len(in.Params) == 0 {
			result = model.Template{Data: f.workData, Target: f.workTarget, Midstate: "m", Hash1: "h"}
		} else {
			result = f.submitAccept
		}
	default:
		http.Error(w, "unknown method", http.StatusBadRequest)
		return
	}

	resp := struct {
		Result interface{} `json:"result"`
		Error  interface{} `json:"error"`
		ID     int         `json:"id"`
	}{Result: result, ID: in.ID}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freePort: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T, upstreamURL string) *config.Config {
	t.Helper()
	return &config.Config{
		PoolDance: config.PoolDanceConfig{EventLog: ""},
		PoolServer: config.PoolServerConfig{
			ListenAddr: "127.0.0.1",
			ListenPort: freePort(t),
		},
		UpstreamService: config.UpstreamServiceConfig{
			URL:           upstreamURL,
			User:          "rpcuser",
			Password:      "rpcpass",
			WorkCacheSize: 2,
		},
		BlockMonitor: config.BlockMonitorConfig{Latency: 30 * time.Millisecond},
		RoundManager: config.RoundManagerConfig{RoundFile: filepath.Join(t.TempDir(), "round.log")},
		Log:          config.LogConfig{Level: "error", Format: "console"},
		StatsAPI:     config.StatsAPIConfig{Enabled: false},
		StatsCache:   config.StatsCacheConfig{Enabled: false},
		APM:          config.APMConfig{Enabled: false},
		Policy:       config.PolicyConfig{Enabled: false},
		Notify:       config.NotifyConfig{},
		Profiling:    config.ProfilingConfig{Enabled: false},
	}
}

func hex64(prefix string) string {
	return prefix + strings.Repeat("0", 64-len(prefix))
}

// buildHeader constructs a 256-hex-char work data string with the
// given fields; the trailing nonce/padding bytes are irrelevant to
// the tests in this file, none of which rely on a genuine
// proof-of-work match against the pool's real share target.
func buildHeader(version, prevBlockHash, merkleRoot, timestamp string) string {
	bits := "1d00ffff"
	nonce := "00000001"
	padding := strings.Repeat("0", 256-(8+64+64+8+8+8))
	return version + prevBlockHash + merkleRoot + timestamp + bits + nonce + padding
}

func rpcPost(t *testing.T, addr string, body string) map[string]interface{} {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://"+addr+"/", strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.SetBasicAuth("alice", "x")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func startOrchestrator(t *testing.T, cfg *config.Config) (*Orchestrator, string) {
	t.Helper()
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		o.Stop(context.Background())
	})
	addr := net.JoinHostPort(cfg.PoolServer.ListenAddr, strconv.Itoa(cfg.PoolServer.ListenPort))
	return o, addr
}

func TestServeWorkPairsRequestWithTemplate(t *testing.T) {
	tmplData := buildHeader("00000001", hex64("aa"), hex64("bb"), "4f000000")

	fu := &fakeUpstream{blockHash: hex64("cc"), workData: tmplData, workTarget: "deadbeef"}
	ts := httptest.NewServer(http.HandlerFunc(fu.handler))
	defer ts.Close()

	cfg := testConfig(t, ts.URL)
	_, addr := startOrchestrator(t, cfg)

	// Let the upstream prefetch fill before soliciting work.
	time.Sleep(200 * time.Millisecond)

	out := rpcPost(t, addr, `{"method":"getwork","params":[],"id":1}`)

	result, ok := out["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected response: %+v", out)
	}
	if result["Data"] != tmplData {
		t.Errorf("Data = %v, want %v", result["Data"], tmplData)
	}
	if result["Target"] != shareTarget {
		t.Errorf("Target = %v, want pool share target", result["Target"])
	}
}

func TestOnPutworkInvalidWorkIsJournaled(t *testing.T) {
	fu := &fakeUpstream{blockHash: hex64("cc"), workData: buildHeader("00000001", hex64("aa"), hex64("bb"), "4f000000")}
	ts := httptest.NewServer(http.HandlerFunc(fu.handler))
	defer ts.Close()

	cfg := testConfig(t, ts.URL)
	_, addr := startOrchestrator(t, cfg)

	out := rpcPost(t, addr, `{"method":"getwork","params":["deadbeef"],"id":2}`)
	if out["result"] != false {
		t.Errorf("result = %v, want false for malformed work", out["result"])
	}
	if errMsg, _ := out["error"].(string); errMsg == "" {
		t.Errorf("expected a non-empty error reason, got %+v", out)
	}

	waitFor(t, func() bool {
		content, err := os.ReadFile(cfg.RoundManager.RoundFile)
		return err == nil && strings.Contains(string(content), "SHARE")
	}, 2*time.Second)

	content, err := os.ReadFile(cfg.RoundManager.RoundFile)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(content), "SHARE") {
		t.Errorf("round file does not contain a SHARE record:\n%s", content)
	}
}

func TestBlockMonitorUpdatesBlocknumHeader(t *testing.T) {
	fu := &fakeUpstream{blockCount: 5, blockHash: hex64("cc"), workData: buildHeader("00000001", hex64("aa"), hex64("bb"), "4f000000")}
	ts := httptest.NewServer(http.HandlerFunc(fu.handler))
	defer ts.Close()

	cfg := testConfig(t, ts.URL)
	o, addr := startOrchestrator(t, cfg)

	waitFor(t, func() bool { return o.blockMonitor.CurrentBlock() == 5 }, 2*time.Second)

	req, err := http.NewRequest(http.MethodPost, "http://"+addr+"/", strings.NewReader(`{"method":"getwork","params":[],"id":3}`))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.SetBasicAuth("alice", "x")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Blocknum"); got != "5" {
		t.Errorf("X-Blocknum = %q, want %q", got, "5")
	}
	if got := resp.Header.Get("X-Long-Polling"); got != "/lp" {
		t.Errorf("X-Long-Polling = %q, want /lp", got)
	}
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}
