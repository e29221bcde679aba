package stress_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/luciancaetano/ariarpc"
	"github.com/luciancaetano/ariarpc/ws"
)

// startTestServer starts a peer whose aria2.tellStatus echoes its params back
// after a random-ish delay, so replies come back out of order.
func startTestServer(t *testing.T, ctx context.Context) *ws.Peer {
	rateLimitConfig := &ws.RateLimitConfig{
		MessagesPerSecond: 100000,
		Burst:             200000,
		Enabled:           true,
	}

	var connected atomic.Int64
	server := ws.NewPeer(ws.NewPeerConfig("127.0.0.1:0", rateLimitConfig, ws.AllOrigins(), func(*ws.PeerConn) {
		connected.Add(1)
	}, nil))

	server.Handle("aria2.tellStatus", func(ctx context.Context, conn *ws.PeerConn, params json.RawMessage) (any, error) {
		var p []any
		if err := json.Unmarshal(params, &p); err != nil || len(p) < 2 {
			return nil, &ariarpc.Error{Code: ariarpc.JSONRPCInvalidParams, Message: "missing gid"}
		}
		gid, _ := p[1].(string)
		time.Sleep(time.Duration(len(gid)%7) * time.Millisecond)
		return map[string]any{"gid": gid, "status": "active"}, nil
	})

	if err := server.Start(ctx); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	return server
}

type result struct {
	ok, rejected, mismatched, failed atomic.Int64
}

func (r *result) record(call *ariarpc.Call, wantGID string) {
	switch {
	case ariarpc.IsAdmission(call.Error):
		r.rejected.Add(1)
	case call.Error != nil:
		r.failed.Add(1)
	default:
		var status struct {
			GID string `json:"gid"`
		}
		if err := call.Decode(&status); err != nil || status.GID != wantGID {
			r.mismatched.Add(1)
			return
		}
		r.ok.Add(1)
	}
}

// TestStressReplyMatching fires many exempt calls over one connection and
// checks every reply reaches the call that asked for it.
func TestStressReplyMatching(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	server := startTestServer(t, ctx)
	defer server.Stop(context.Background())

	client := ws.Dial(ctx, ws.DefaultConfig(server.URL()))
	defer client.Close()

	const numCalls = 20000
	var (
		res result
		wg  sync.WaitGroup
	)

	startTime := time.Now()
	for i := 0; i < numCalls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			gid := fmt.Sprintf("%016x", i)
			call := <-client.Go(ctx, "aria2.tellStatus", []any{"token:", gid}, ariarpc.Exempt()).Done
			res.record(call, gid)
		}(i)
	}
	wg.Wait()
	duration := time.Since(startTime)

	log.Printf("\n=== Reply Matching Results ===")
	log.Printf("Duration: %v", duration)
	log.Printf("Calls: %d", numCalls)
	log.Printf("Matched: %d", res.ok.Load())
	log.Printf("Mismatched: %d", res.mismatched.Load())
	log.Printf("Failed: %d", res.failed.Load())
	log.Printf("Calls/sec: %.2f", float64(numCalls)/duration.Seconds())

	if res.mismatched.Load() != 0 {
		t.Errorf("%d replies reached the wrong call", res.mismatched.Load())
	}
	if res.ok.Load() != numCalls {
		t.Errorf("only %d/%d calls succeeded", res.ok.Load(), numCalls)
	}
}

// TestStressAdmissionUnderLoad runs many clients that each burst more calls
// than the ceiling allows and checks the ceiling is never exceeded.
func TestStressAdmissionUnderLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	server := startTestServer(t, ctx)
	defer server.Stop(context.Background())

	const (
		numClients     = 200
		callsPerClient = 50
	)

	var (
		res     result
		maxSeen atomic.Int64
		wg      sync.WaitGroup
	)

	startTime := time.Now()
	for c := 0; c < numClients; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()

			cfg := ws.DefaultConfig(server.URL())
			cfg.RetryDelay = 10 * time.Millisecond
			client := ws.Dial(ctx, cfg)
			defer client.Close()

			var calls sync.WaitGroup
			for j := 0; j < callsPerClient; j++ {
				gid := fmt.Sprintf("%08x%08x", c, j)
				call := client.Go(ctx, "aria2.tellStatus", []any{"token:", gid})

				if n := int64(client.InFlight()); n > maxSeen.Load() {
					maxSeen.Store(n)
				}

				calls.Add(1)
				go func() {
					defer calls.Done()
					res.record(<-call.Done, gid)
				}()
			}
			calls.Wait()
		}(c)
	}
	wg.Wait()
	duration := time.Since(startTime)

	total := int64(numClients * callsPerClient)
	log.Printf("\n=== Admission Results ===")
	log.Printf("Duration: %v", duration)
	log.Printf("Clients: %d", numClients)
	log.Printf("Calls: %d", total)
	log.Printf("Succeeded: %d", res.ok.Load())
	log.Printf("Rejected: %d", res.rejected.Load())
	log.Printf("Failed: %d", res.failed.Load())
	log.Printf("Highest in-flight seen: %d", maxSeen.Load())

	if maxSeen.Load() > ariarpc.DefaultMaxInFlight {
		t.Errorf("in-flight count reached %d, ceiling is %d", maxSeen.Load(), ariarpc.DefaultMaxInFlight)
	}
	if res.mismatched.Load() != 0 {
		t.Errorf("%d replies reached the wrong call", res.mismatched.Load())
	}
	if got := res.ok.Load() + res.rejected.Load(); got != total {
		t.Errorf("%d calls neither succeeded nor were rejected (failed %d)", total-got, res.failed.Load())
	}
	if res.rejected.Load() == 0 {
		t.Error("bursts above the ceiling should see rejections")
	}
}
