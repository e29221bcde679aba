package e2e_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/ariarpc"
	"github.com/luciancaetano/ariarpc/aria2"
	"github.com/luciancaetano/ariarpc/ws"
)

func TestRawJSONRPC(t *testing.T) {
	t.Parallel()

	peer := startPeer(t)
	peer.Handle("aria2.getVersion", func(ctx context.Context, conn *ws.PeerConn, params json.RawMessage) (any, error) {
		return map[string]string{"version": "1.37.0"}, nil
	})

	conn, _, err := newDialer().Dial(peer.URL(), nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	tests := []struct {
		name string
		send string
		want string
	}{
		{
			name: "call",
			send: `{"jsonrpc":"2.0","id":7,"method":"aria2.getVersion","params":["token:"]}`,
			want: `{"jsonrpc":"2.0","id":7,"result":{"version":"1.37.0"}}`,
		},
		{
			name: "unknown method",
			send: `{"jsonrpc":"2.0","id":8,"method":"aria2.nope"}`,
			want: `{"jsonrpc":"2.0","id":8,"error":{"code":-32601,"message":"Method not found"}}`,
		},
		{
			name: "parse error",
			send: `{"jsonrpc":`,
			want: `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error"}}`,
		},
	}

	for _, tt := range tests {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.send)); err != nil {
			t.Fatalf("%s: Failed to send: %v", tt.name, err)
		}

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, response, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("%s: Failed to read: %v", tt.name, err)
		}

		var got, want any
		if err := json.Unmarshal(response, &got); err != nil {
			t.Fatalf("%s: invalid reply %s: %v", tt.name, response, err)
		}
		json.Unmarshal([]byte(tt.want), &want)
		gotJSON, _ := json.Marshal(got)
		wantJSON, _ := json.Marshal(want)
		if string(gotJSON) != string(wantJSON) {
			t.Errorf("%s: reply = %s, want %s", tt.name, gotJSON, wantJSON)
		}
	}
}

func TestAria2Session(t *testing.T) {
	t.Parallel()

	peer := startPeer(t)
	peer.Handle("aria2.addUri", func(ctx context.Context, conn *ws.PeerConn, params json.RawMessage) (any, error) {
		var p []any
		if err := json.Unmarshal(params, &p); err != nil || len(p) < 2 || p[0] != "token:s3cret" {
			return nil, &ariarpc.Error{Code: 1, Message: "Unauthorized"}
		}
		go peer.Notify(context.Background(), "aria2.onDownloadStart", []any{map[string]string{"gid": "2089b05ecca3d829"}})
		return "2089b05ecca3d829", nil
	})
	peer.Handle("aria2.tellStatus", func(ctx context.Context, conn *ws.PeerConn, params json.RawMessage) (any, error) {
		return map[string]any{
			"gid": "2089b05ecca3d829", "status": "active", "dir": "/downloads",
			"totalLength": "4096", "completedLength": "1024",
			"files": []map[string]any{{"index": "1", "path": "/downloads/debian.iso", "length": "4096", "completedLength": "1024", "selected": "true"}},
		}, nil
	})

	client := aria2.Dial(context.Background(), clientConfig(peer.URL()), "s3cret")
	defer client.Close()

	started := make(chan string, 1)
	client.OnDownloadStart(func(e aria2.Event) { started <- e.GID })

	ctx := testContext(t)
	gid, err := client.AddURI(ctx, []string{"http://example.org/debian.iso"}, nil)
	if err != nil {
		t.Fatalf("AddURI: %v", err)
	}
	if gid != "2089b05ecca3d829" {
		t.Errorf("gid = %q", gid)
	}

	select {
	case got := <-started:
		if got != gid {
			t.Errorf("started gid = %q, want %q", got, gid)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no DownloadStart event")
	}

	status, err := client.TellStatus(ctx, gid, nil)
	if err != nil {
		t.Fatalf("TellStatus: %v", err)
	}
	if status.CompletedLength != 1024 || status.TotalLength != 4096 {
		t.Errorf("lengths = %d/%d", status.CompletedLength, status.TotalLength)
	}
	if name := aria2.TitleName(status.Files[0], status.Dir); name != "debian.iso" {
		t.Errorf("title = %q", name)
	}

	wrong := aria2.Dial(context.Background(), clientConfig(peer.URL()), "wrong")
	defer wrong.Close()

	_, err = wrong.AddURI(ctx, []string{"http://x"}, nil)
	var rpcErr *ariarpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.Message != "Unauthorized" {
		t.Errorf("wrong secret error = %v", err)
	}
}

func TestAdmissionCeiling(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var releaseOnce sync.Once
	releaseAll := func() { releaseOnce.Do(func() { close(release) }) }

	peer := startPeer(t)
	t.Cleanup(releaseAll)
	peer.Handle("aria2.tellActive", func(ctx context.Context, conn *ws.PeerConn, params json.RawMessage) (any, error) {
		<-release
		return []any{}, nil
	})
	peer.Handle("aria2.getVersion", func(ctx context.Context, conn *ws.PeerConn, params json.RawMessage) (any, error) {
		return map[string]string{"version": "1.37.0"}, nil
	})

	client := ws.Dial(context.Background(), clientConfig(peer.URL()))
	defer client.Close()
	waitReady(t, client.Ready)

	ctx := testContext(t)
	var calls []*ariarpc.Call
	for range ariarpc.DefaultMaxInFlight {
		calls = append(calls, client.Go(ctx, "aria2.tellActive", []any{"token:"}))
	}
	if n := client.InFlight(); n != ariarpc.DefaultMaxInFlight {
		t.Fatalf("InFlight = %d, want %d", n, ariarpc.DefaultMaxInFlight)
	}

	rejected := <-client.Go(ctx, "aria2.tellActive", []any{"token:"}).Done
	if !ariarpc.IsAdmission(rejected.Error) {
		t.Fatalf("ninth call error = %v, want admission error", rejected.Error)
	}

	var version map[string]string
	if err := client.Call(ctx, "aria2.getVersion", nil, &version, ariarpc.Exempt()); err != nil {
		t.Fatalf("exempt call during saturation: %v", err)
	}

	releaseAll()
	for i, call := range calls {
		done := <-call.Done
		if done.Error != nil {
			t.Fatalf("call %d: %v", i, done.Error)
		}
	}
	if n := client.InFlight(); n != 0 {
		t.Errorf("InFlight after replies = %d, want 0", n)
	}
	if err := client.Call(ctx, "aria2.tellActive", []any{"token:"}, nil); err != nil {
		t.Errorf("call after capacity freed: %v", err)
	}
}
