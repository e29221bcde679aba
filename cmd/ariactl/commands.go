package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/luciancaetano/ariarpc"
	"github.com/luciancaetano/ariarpc/aria2"
)

func (a *app) call(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("call: missing method")
	}

	method := args[0]
	params := make([]any, 0, len(args)-1)
	for _, arg := range args[1:] {
		params = append(params, parseParam(arg))
	}

	var (
		result any
		err    error
	)
	if strings.HasPrefix(method, "system.") {
		result, err = a.aria2.System(ctx, method, params)
	} else {
		result, err = a.aria2.Request(ctx, strings.TrimPrefix(method, "aria2."), params)
	}
	if err != nil {
		return err
	}
	return printJSON(out, result)
}

// gidLength is the length of an aria2 GID in hex digits.
const gidLength = 16

// parseParam decodes arg as JSON, falling back to the literal string so
// that GIDs and URIs need no quoting. A GID made only of decimal digits is
// still a valid JSON number, so anything GID-shaped is kept as a string.
func parseParam(arg string) any {
	if isGID(arg) {
		return arg
	}

	dec := json.NewDecoder(strings.NewReader(arg))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return arg
	}
	return v
}

func isGID(s string) bool {
	if len(s) != gidLength {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) version(ctx context.Context, out io.Writer) error {
	v, err := a.aria2.GetVersion(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "aria2 %s\n", v.Version)
	if len(v.EnabledFeatures) > 0 {
		fmt.Fprintf(out, "features: %s\n", strings.Join(v.EnabledFeatures, ", "))
	}
	return nil
}

type watchEvent struct {
	name string
	gid  string
}

// watch prints one line per download event until ctx ends. Titles are
// looked up outside the push handlers, which run on the read path.
func (a *app) watch(ctx context.Context, out io.Writer) error {
	events := make(chan watchEvent, 64)
	for _, name := range []string{
		aria2.EventDownloadStart,
		aria2.EventDownloadPause,
		aria2.EventDownloadStop,
		aria2.EventDownloadComplete,
		aria2.EventDownloadError,
		aria2.EventBtDownloadComplete,
	} {
		a.aria2.OnNotify(name, func(e aria2.Event) {
			select {
			case events <- watchEvent{name: name, gid: e.GID}:
			default:
				a.log.Warn("dropping event, output is behind", "event", name, "gid", e.GID)
			}
		})
	}
	a.log.Info("watching downloads", "url", a.cfg.RPC.URL)

	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-events:
			fmt.Fprintf(out, "%s\t%s\t%s\n", e.name, e.gid, a.title(ctx, e.gid))
		}
	}
}

func (a *app) title(ctx context.Context, gid string) string {
	status, err := a.aria2.TellStatus(ctx, gid, []string{"dir", "files"}, ariarpc.Exempt())
	if err != nil {
		a.log.Debug("looking up title", "gid", gid, "error", err)
		return ""
	}
	if len(status.Files) == 0 {
		return ""
	}
	return aria2.TitleName(status.Files[0], status.Dir)
}

