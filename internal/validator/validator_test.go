package validator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pooldance/pool-dance/internal/hexutil"
	"github.com/pooldance/pool-dance/internal/model"
)

// maxTarget accepts any proof-of-work hash, so tests can focus on the
// prevalidation logic without having to mine a qualifying nonce.
const maxTarget = "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"

type fakeHashResolver struct {
	mu        sync.Mutex
	hash      string
	err       error
	failTimes int
}

func (f *fakeHashResolver) GetBlockHash(ctx context.Context, height uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTimes > 0 {
		f.failTimes--
		return "", fmt.Errorf("transient upstream error")
	}
	if f.err != nil {
		return "", f.err
	}
	return f.hash, nil
}

// waitForBlockHash polls until NotifyNewBlock's background resolution
// for block has landed, since it runs on its own goroutine.
func waitForBlockHash(t *testing.T, v *Validator, block uint64, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		v.mu.RLock()
		num, hash := v.blockNum, v.blockHash
		v.mu.RUnlock()
		if num == block && hash == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("block hash for block %d never resolved to %q", block, want)
}

// hex64 returns a 64-char hex string built from a short, distinct
// prefix so different fields/merkle-roots are easy to tell apart.
func hex64(prefix string) string {
	return prefix + strings.Repeat("0", 64-len(prefix))
}

// buildHeader constructs a 256-hex-char work data string (80-byte
// header plus padding) with the given fields and a fixed nonce;
// against maxTarget any nonce satisfies the proof-of-work check.
func buildHeader(version, prevBlockHash, merkleRoot, timestamp string) string {
	bits := "1d00ffff"
	nonce := "00000001"
	padding := strings.Repeat("0", 256-(8+64+64+8+8+8))
	return version + prevBlockHash + merkleRoot + timestamp + bits + nonce + padding
}

// reorderedToRaw inverts hexutil.ReorderBlockHash so that
// NotifyNewBlock's call to GetBlockHash, followed by the validator's
// own reordering, lands back on want.
func reorderedToRaw(t *testing.T, want string) string {
	t.Helper()
	raw, err := hexutil.ReorderBlockHash(want)
	if err != nil {
		t.Fatalf("reorderedToRaw: %v", err)
	}
	return raw
}

func newTestValidator(t *testing.T, blockHash string) *Validator {
	t.Helper()
	v, err := New(&fakeHashResolver{hash: reorderedToRaw(t, blockHash)}, maxTarget)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(v.Close)
	return v
}

func TestValidateAcceptsValidShare(t *testing.T) {
	prevBlockHash := hex64("aa")
	v := newTestValidator(t, prevBlockHash)
	v.NotifyNewBlock(context.Background(), 100)
	waitForBlockHash(t, v, 100, prevBlockHash)

	merkleRoot := hex64("bb")
	data := buildHeader("00000001", prevBlockHash, merkleRoot, "4f000000")

	if err := v.TrackWorkSent("alice", data); err != nil {
		t.Fatalf("TrackWorkSent: %v", err)
	}

	status, reason := v.Validate(model.ClientInfo{User: "alice"}, data)
	if status != model.StatusSuccess {
		t.Fatalf("status = %v (%s), want StatusSuccess", status, reason)
	}
}

func TestValidateRejectsDuplicate(t *testing.T) {
	prevBlockHash := hex64("aa")
	v := newTestValidator(t, prevBlockHash)
	v.NotifyNewBlock(context.Background(), 100)
	waitForBlockHash(t, v, 100, prevBlockHash)

	data := buildHeader("00000001", prevBlockHash, hex64("cc"), "4f000000")
	if err := v.TrackWorkSent("alice", data); err != nil {
		t.Fatalf("TrackWorkSent: %v", err)
	}

	client := model.ClientInfo{User: "alice"}
	if status, _ := v.Validate(client, data); status != model.StatusSuccess {
		t.Fatalf("first submission status = %v, want StatusSuccess", status)
	}
	if status, _ := v.Validate(client, data); status != model.StatusDuplicated {
		t.Fatalf("repeat submission status = %v, want StatusDuplicated", status)
	}
}

func TestValidateUnknownWork(t *testing.T) {
	v := newTestValidator(t, hex64("aa"))
	v.NotifyNewBlock(context.Background(), 100)

	data := buildHeader("00000001", hex64("00"), hex64("dd"), "4f000000")

	status, _ := v.Validate(model.ClientInfo{User: "alice"}, data)
	if status != model.StatusInvalid {
		t.Fatalf("status = %v, want StatusInvalid", status)
	}
}

func TestValidateUserMismatch(t *testing.T) {
	prevBlockHash := hex64("aa")
	v := newTestValidator(t, prevBlockHash)
	v.NotifyNewBlock(context.Background(), 100)

	data := buildHeader("00000001", prevBlockHash, hex64("ff"), "4f000000")
	if err := v.TrackWorkSent("alice", data); err != nil {
		t.Fatalf("TrackWorkSent: %v", err)
	}

	status, _ := v.Validate(model.ClientInfo{User: "mallory"}, data)
	if status != model.StatusInvalid {
		t.Fatalf("status = %v, want StatusInvalid", status)
	}
}

func TestValidateStaleAfterNewBlock(t *testing.T) {
	blockHash100 := hex64("aa")
	blockHash101 := hex64("bb")

	v, err := New(&fakeHashResolver{hash: reorderedToRaw(t, blockHash100)}, maxTarget)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(v.Close)
	v.NotifyNewBlock(context.Background(), 100)
	waitForBlockHash(t, v, 100, blockHash100)

	merkleRoot := hex64("ee")
	data := buildHeader("00000001", blockHash100, merkleRoot, "4f000000")
	if err := v.TrackWorkSent("alice", data); err != nil {
		t.Fatalf("TrackWorkSent: %v", err)
	}

	v.rpc = &fakeHashResolver{hash: reorderedToRaw(t, blockHash101)}
	v.NotifyNewBlock(context.Background(), 101)
	waitForBlockHash(t, v, 101, blockHash101)

	status, _ := v.Validate(model.ClientInfo{User: "alice"}, data)
	if status != model.StatusStale {
		t.Fatalf("status = %v, want StatusStale", status)
	}
}

// TestResolveCurrentBlockHashRetriesOnError exercises NotifyNewBlock's
// background getblockhash retry: a resolver that fails a few times
// before succeeding must still converge, without NotifyNewBlock itself
// blocking on the retries.
func TestResolveCurrentBlockHashRetriesOnError(t *testing.T) {
	blockHash := hex64("aa")
	resolver := &fakeHashResolver{hash: reorderedToRaw(t, blockHash), failTimes: 3}

	v, err := New(resolver, maxTarget)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(v.Close)

	done := make(chan struct{})
	go func() {
		v.NotifyNewBlock(context.Background(), 100)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("NotifyNewBlock blocked on the retrying resolver")
	}

	waitForBlockHash(t, v, 100, blockHash)
}
