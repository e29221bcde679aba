package aria2

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/luciancaetano/ariarpc"
	"github.com/luciancaetano/ariarpc/internal/protocol"
	"github.com/luciancaetano/ariarpc/ws"
)

const methodPrefix = "aria2."

// Client calls the aria2 RPC interface over an ariarpc.Client.
//
// Every method except the status queries is sent exempt from the in-flight
// ceiling. TellStatus, TellActive, TellWaiting and TellStopped are counted,
// so polling loops can be throttled by admission; pass ariarpc.Exempt() to
// force one through.
type Client struct {
	rpc    ariarpc.Client
	token  string
	coerce bool
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithCoerce sets whether Request and System run ws.Coerce over the generic
// results they return. It is on by default. Typed methods are unaffected.
func WithCoerce(on bool) Option {
	return func(c *Client) {
		c.coerce = on
	}
}

// New wraps rpc. secret is the value of aria2's --rpc-secret.
func New(rpc ariarpc.Client, secret string, opts ...Option) *Client {
	c := &Client{
		rpc:    rpc,
		token:  "token:" + secret,
		coerce: true,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to the aria2 endpoint described by cfg; see ws.Dial. The
// transport-level cfg.Coerce is switched off because typed results decode
// aria2's string-encoded numbers themselves. Use WithCoerce to control the
// generic results of Request and System.
func Dial(ctx context.Context, cfg ws.Config, secret string, opts ...Option) *Client {
	cfg.Coerce = false
	cfg.Preprocess = nil
	c := New(ws.Dial(ctx, cfg), secret, opts...)
	if cfg.Logger != nil {
		c.logger = cfg.Logger
	}
	return c
}

// RPC returns the underlying client.
func (c *Client) RPC() ariarpc.Client {
	return c.rpc
}

// Close closes the underlying client.
func (c *Client) Close() error {
	return c.rpc.Close()
}

// Request calls aria2.<method> with the secret prepended to params. The
// reply is returned as generic JSON, with short numeric and boolean strings
// converted by ws.Coerce unless WithCoerce(false) was given. Requests are
// exempt unless opts say otherwise.
func (c *Client) Request(ctx context.Context, method string, params []any, opts ...ariarpc.CallOption) (any, error) {
	var raw json.RawMessage
	if err := c.call(ctx, method, c.params(params...), &raw, true, opts...); err != nil {
		return nil, err
	}
	return c.decode(raw)
}

// System calls a system.* method such as system.multicall. No secret is
// prepended and nil or empty params are omitted. The result is decoded like
// Request's.
func (c *Client) System(ctx context.Context, method string, params []any) (any, error) {
	var p any
	if len(params) > 0 {
		p = params
	}

	var raw json.RawMessage
	if err := c.rpc.Call(ctx, method, p, &raw, ariarpc.Exempt()); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return c.decode(raw)
}

func (c *Client) params(args ...any) []any {
	return append([]any{c.token}, args...)
}

func (c *Client) call(ctx context.Context, method string, params []any, result any, exempt bool, opts ...ariarpc.CallOption) error {
	opts = append([]ariarpc.CallOption{ariarpc.WithExempt(exempt)}, opts...)
	if err := c.rpc.Call(ctx, methodPrefix+method, params, result, opts...); err != nil {
		return fmt.Errorf("aria2.%s: %w", method, err)
	}
	return nil
}

// ok calls a method whose result is the string "OK".
func (c *Client) ok(ctx context.Context, method string, args ...any) error {
	var result string
	return c.call(ctx, method, c.params(args...), &result, true)
}

func (c *Client) gid(ctx context.Context, method string, args ...any) (string, error) {
	var gid string
	if err := c.call(ctx, method, c.params(args...), &gid, true); err != nil {
		return "", err
	}
	return gid, nil
}

// AddURI adds a download from uris, which must all point at the same file.
// position is only sent together with options.
func (c *Client) AddURI(ctx context.Context, uris []string, options Options, position ...int) (string, error) {
	args := []any{uris}
	args = appendOptions(args, options, position)
	return c.gid(ctx, "addUri", args...)
}

// AddTorrent adds a download from the content of a .torrent file. options
// are only sent together with uris, and position only with options.
func (c *Client) AddTorrent(ctx context.Context, torrent []byte, uris []string, options Options, position ...int) (string, error) {
	args := []any{base64.StdEncoding.EncodeToString(torrent)}
	if uris != nil {
		args = append(args, uris)
		args = appendOptions(args, options, position)
	}
	return c.gid(ctx, "addTorrent", args...)
}

// AddMetalink adds the downloads described by a .metalink file and returns
// their GIDs. position is only sent together with options.
func (c *Client) AddMetalink(ctx context.Context, metalink []byte, options Options, position ...int) ([]string, error) {
	args := []any{base64.StdEncoding.EncodeToString(metalink)}
	args = appendOptions(args, options, position)

	var gids []string
	if err := c.call(ctx, "addMetalink", c.params(args...), &gids, true); err != nil {
		return nil, err
	}
	return gids, nil
}

func appendOptions(args []any, options Options, position []int) []any {
	if options == nil {
		return args
	}
	args = append(args, options)
	if len(position) > 0 {
		args = append(args, position[0])
	}
	return args
}

func (c *Client) Remove(ctx context.Context, gid string) (string, error) {
	return c.gid(ctx, "remove", gid)
}

func (c *Client) ForceRemove(ctx context.Context, gid string) (string, error) {
	return c.gid(ctx, "forceRemove", gid)
}

func (c *Client) Pause(ctx context.Context, gid string) (string, error) {
	return c.gid(ctx, "pause", gid)
}

func (c *Client) PauseAll(ctx context.Context) error {
	return c.ok(ctx, "pauseAll")
}

func (c *Client) ForcePause(ctx context.Context, gid string) (string, error) {
	return c.gid(ctx, "forcePause", gid)
}

func (c *Client) ForcePauseAll(ctx context.Context) error {
	return c.ok(ctx, "forcePauseAll")
}

func (c *Client) Unpause(ctx context.Context, gid string) (string, error) {
	return c.gid(ctx, "unpause", gid)
}

func (c *Client) UnpauseAll(ctx context.Context) error {
	return c.ok(ctx, "unpauseAll")
}

// TellStatus returns the status of one download. A non-nil keys restricts
// the reply to those fields.
func (c *Client) TellStatus(ctx context.Context, gid string, keys []string, opts ...ariarpc.CallOption) (*Status, error) {
	args := []any{gid}
	if keys != nil {
		args = append(args, keys)
	}

	var status Status
	if err := c.call(ctx, "tellStatus", c.params(args...), &status, false, opts...); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) GetURIs(ctx context.Context, gid string) ([]URI, error) {
	var uris []URI
	if err := c.call(ctx, "getUris", c.params(gid), &uris, true); err != nil {
		return nil, err
	}
	return uris, nil
}

func (c *Client) GetFiles(ctx context.Context, gid string) ([]File, error) {
	var files []File
	if err := c.call(ctx, "getFiles", c.params(gid), &files, true); err != nil {
		return nil, err
	}
	return files, nil
}

func (c *Client) GetPeers(ctx context.Context, gid string) ([]Peer, error) {
	var peers []Peer
	if err := c.call(ctx, "getPeers", c.params(gid), &peers, true); err != nil {
		return nil, err
	}
	return peers, nil
}

func (c *Client) GetServers(ctx context.Context, gid string) ([]Server, error) {
	var servers []Server
	if err := c.call(ctx, "getServers", c.params(gid), &servers, true); err != nil {
		return nil, err
	}
	return servers, nil
}

// TellActive returns the status of every active download.
func (c *Client) TellActive(ctx context.Context, keys []string, opts ...ariarpc.CallOption) ([]Status, error) {
	args := []any{}
	if keys != nil {
		args = append(args, keys)
	}
	return c.statuses(ctx, "tellActive", args, opts)
}

// TellWaiting returns waiting and paused downloads. A negative offset counts
// from the end of the queue.
func (c *Client) TellWaiting(ctx context.Context, offset, num int, keys []string, opts ...ariarpc.CallOption) ([]Status, error) {
	args := []any{offset, num}
	if keys != nil {
		args = append(args, keys)
	}
	return c.statuses(ctx, "tellWaiting", args, opts)
}

// TellStopped returns stopped downloads. A negative offset counts from the
// end of the list.
func (c *Client) TellStopped(ctx context.Context, offset, num int, keys []string, opts ...ariarpc.CallOption) ([]Status, error) {
	args := []any{offset, num}
	if keys != nil {
		args = append(args, keys)
	}
	return c.statuses(ctx, "tellStopped", args, opts)
}

func (c *Client) statuses(ctx context.Context, method string, args []any, opts []ariarpc.CallOption) ([]Status, error) {
	var out []Status
	if err := c.call(ctx, method, c.params(args...), &out, false, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ChangePosition moves a download in the queue and returns its new position.
func (c *Client) ChangePosition(ctx context.Context, gid string, pos int, how Whence) (int, error) {
	var result int
	if err := c.call(ctx, "changePosition", c.params(gid, pos, how), &result, true); err != nil {
		return 0, err
	}
	return result, nil
}

// ChangeURI removes delURIs from and adds addURIs to the file at fileIndex
// (1-based). It returns how many URIs were deleted and added.
func (c *Client) ChangeURI(ctx context.Context, gid string, fileIndex int, delURIs, addURIs []string, position ...int) (deleted, added int, err error) {
	args := []any{gid, fileIndex, nonNil(delURIs), nonNil(addURIs)}
	if len(position) > 0 {
		args = append(args, position[0])
	}

	var result [2]int
	if err := c.call(ctx, "changeUri", c.params(args...), &result, true); err != nil {
		return 0, 0, err
	}
	return result[0], result[1], nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (c *Client) GetOption(ctx context.Context, gid string) (Options, error) {
	var options Options
	if err := c.call(ctx, "getOption", c.params(gid), &options, true); err != nil {
		return nil, err
	}
	return options, nil
}

func (c *Client) ChangeOption(ctx context.Context, gid string, options Options) error {
	return c.ok(ctx, "changeOption", gid, options)
}

func (c *Client) GetGlobalOption(ctx context.Context) (Options, error) {
	var options Options
	if err := c.call(ctx, "getGlobalOption", c.params(), &options, true); err != nil {
		return nil, err
	}
	return options, nil
}

func (c *Client) ChangeGlobalOption(ctx context.Context, options Options) error {
	return c.ok(ctx, "changeGlobalOption", options)
}

func (c *Client) GetGlobalStat(ctx context.Context) (*GlobalStat, error) {
	var stat GlobalStat
	if err := c.call(ctx, "getGlobalStat", c.params(), &stat, true); err != nil {
		return nil, err
	}
	return &stat, nil
}

// PurgeDownloadResult drops every completed, failed and removed download
// from memory.
func (c *Client) PurgeDownloadResult(ctx context.Context) error {
	return c.ok(ctx, "purgeDownloadResult")
}

// RemoveDownloadResult drops one completed, failed or removed download from
// memory.
func (c *Client) RemoveDownloadResult(ctx context.Context, gid string) error {
	return c.ok(ctx, "removeDownloadResult", gid)
}

func (c *Client) GetVersion(ctx context.Context) (*Version, error) {
	var version Version
	if err := c.call(ctx, "getVersion", c.params(), &version, true); err != nil {
		return nil, err
	}
	return &version, nil
}

func (c *Client) GetSessionInfo(ctx context.Context) (*SessionInfo, error) {
	var info SessionInfo
	if err := c.call(ctx, "getSessionInfo", c.params(), &info, true); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) Shutdown(ctx context.Context) error {
	return c.ok(ctx, "shutdown")
}

func (c *Client) ForceShutdown(ctx context.Context) error {
	return c.ok(ctx, "forceShutdown")
}

// SaveSession writes the current session to the file given by --save-session.
func (c *Client) SaveSession(ctx context.Context) error {
	return c.ok(ctx, "saveSession")
}

// ListMethods returns every RPC method aria2 supports. It needs no secret.
func (c *Client) ListMethods(ctx context.Context) ([]string, error) {
	return c.system(ctx, "system.listMethods")
}

// ListNotifications returns every push notification aria2 may send.
func (c *Client) ListNotifications(ctx context.Context) ([]string, error) {
	return c.system(ctx, "system.listNotifications")
}

func (c *Client) system(ctx context.Context, method string) ([]string, error) {
	var names []string
	if err := c.rpc.Call(ctx, method, nil, &names, ariarpc.Exempt()); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return names, nil
}

// OnNotify registers fn for the push named event, e.g. EventDownloadStart.
// fn receives the first element of the push params; pushes without one are
// dropped.
func (c *Client) OnNotify(event string, fn func(Event)) {
	method := methodPrefix + "on" + event
	c.rpc.OnNotify(method, func(params json.RawMessage) {
		var events []Event
		if err := json.Unmarshal(params, &events); err != nil || len(events) == 0 {
			c.logger.Debug("ignoring push without event", "method", method, "params", string(params))
			return
		}
		fn(events[0])
	})
}

func (c *Client) OnDownloadStart(fn func(Event))      { c.OnNotify(EventDownloadStart, fn) }
func (c *Client) OnDownloadPause(fn func(Event))      { c.OnNotify(EventDownloadPause, fn) }
func (c *Client) OnDownloadStop(fn func(Event))       { c.OnNotify(EventDownloadStop, fn) }
func (c *Client) OnDownloadComplete(fn func(Event))   { c.OnNotify(EventDownloadComplete, fn) }
func (c *Client) OnDownloadError(fn func(Event))      { c.OnNotify(EventDownloadError, fn) }
func (c *Client) OnBtDownloadComplete(fn func(Event)) { c.OnNotify(EventBtDownloadComplete, fn) }

func (c *Client) decode(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	if !c.coerce {
		return v, nil
	}
	return protocol.Coerce(v), nil
}
