package mock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/vfaronov/turq/h1"
	"github.com/vfaronov/turq/logutil"
	"github.com/vfaronov/turq/rules"
	"github.com/vfaronov/turq/util/httpx"
)

// emptyProgram answers cycles that start before any rules were installed.
var emptyProgram, _ = rules.Compile("<none>", "")

// handler drives one connection: it owns the socket and the codec, and runs
// the request/response loop until the connection is done.
type handler struct {
	ctx    context.Context
	conn   net.Conn
	store  *rules.Store
	clock  clockwork.Clock
	connID uint64

	hconn *h1.Conn
	log   *logrus.Entry
}

func (h *handler) handle(parent *logrus.Logger) {
	defer h.conn.Close()

	// Each connection gets its own logger so that debug() in a script can
	// raise the level for this connection alone. Lines carry a per-connection
	// prefix instead of a field, so they stay grep-able.
	logger := logrus.New()
	logger.SetOutput(parent.Out)
	logger.SetFormatter(logutil.NewPrefixFormatter(parent.Formatter, fmt.Sprintf("[conn %d] ", h.connID)))
	logger.SetLevel(parent.GetLevel())
	h.log = logrus.NewEntry(logger)

	h.log.Infof("new connection from %s", h.conn.RemoteAddr())

	h.hconn = h1.NewConn(h1.RoleServer, h.conn)
	h.hconn.StateHook = func(side string, from, to h1.State) {
		h.log.Debugf("%s state: %s -> %s", side, from, to)
	}

	if err := h.serveCycles(); err != nil {
		h.log.Errorf("error in request cycle: %s", err)
		h.sendFatalError(err)
	}
	h.log.Debug("closing connection")
}

func (h *handler) serveCycles() error {
	for {
		ev, err := h.hconn.NextEvent()
		if err != nil {
			return err
		}
		switch ev := ev.(type) {
		case h1.ConnectionClosed:
			return nil
		case h1.Request:
			if err := h.serveOne(ev); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unexpected %T at start of cycle", ev)
		}

		if h.hconn.OurState() == h1.StateDone && h.hconn.TheirState() == h1.StateDone &&
			h.hconn.KeepAlive() && h.ctx.Err() == nil {
			if err := h.hconn.StartNextCycle(); err != nil {
				return err
			}
			continue
		}
		return nil
	}
}

func (h *handler) serveOne(ev h1.Request) error {
	h.log.Infof("> %s %s HTTP/%s", ev.Method, ev.Target, ev.HTTPVersion)
	for _, f := range ev.Headers.Fields() {
		h.log.Debugf("+ %s: %s", f.Name, f.Value)
	}

	// one rules snapshot per cycle; hot reloads apply from the next cycle on
	prog := h.store.Current()
	if prog == nil {
		prog = emptyProgram
	}

	req := rules.NewRequest(ev, h)
	rctx := rules.NewContext(h, req, h.log, h.clock)
	return rctx.Run(prog)
}

// ReceiveEvent, SendEvent, SendRaw, OurState and TheirState make handler
// the rules engine's transport.

func (h *handler) ReceiveEvent() (h1.Event, error) {
	return h.hconn.NextEvent()
}

func (h *handler) SendEvent(ev h1.Event) error {
	switch ev := ev.(type) {
	case h1.Response:
		reason := ev.Reason
		if reason == "" {
			reason = httpx.DefaultReason(ev.StatusCode)
		}
		h.log.Infof("< HTTP/%s %d %s", ev.HTTPVersion, ev.StatusCode, reason)
		h.logHeaders(&ev.Headers)
	case h1.InformationalResponse:
		h.log.Infof("< HTTP/%s %d %s", ev.HTTPVersion, ev.StatusCode, httpx.DefaultReason(ev.StatusCode))
		h.logHeaders(&ev.Headers)
	}
	return h.hconn.Send(ev)
}

func (h *handler) logHeaders(headers *h1.Headers) {
	for _, f := range headers.Fields() {
		h.log.Debugf("+ %s: %s", f.Name, f.Value)
	}
}

func (h *handler) SendRaw(data []byte) error {
	h.log.Debugf("sending %d raw bytes", len(data))
	return h.hconn.SendRaw(data)
}

func (h *handler) OurState() h1.State {
	return h.hconn.OurState()
}

func (h *handler) TheirState() h1.State {
	return h.hconn.TheirState()
}

// sendFatalError makes a best effort to tell the client what went wrong,
// then closes down without slamming the connection shut: half-close first,
// drain briefly, so the client gets to read the response before any RST.
func (h *handler) sendFatalError(cause error) {
	if h.hconn.OurState() == h1.StateIdle || h.hconn.OurState() == h1.StateSendHeaders {
		statusCode := 500
		var remoteErr *h1.RemoteProtocolError
		if errors.As(cause, &remoteErr) && remoteErr.StatusHint != 0 {
			statusCode = remoteErr.StatusHint
		}

		var headers h1.Headers
		headers.Set("Date", httpx.Date(h.clock.Now()))
		headers.Set("Content-Type", "text/plain")
		headers.Set("Connection", "close")
		err := h.SendEvent(h1.Response{
			StatusCode:  statusCode,
			Reason:      httpx.DefaultReason(statusCode),
			HTTPVersion: "1.1",
			Headers:     headers,
		})
		if err == nil {
			err = h.hconn.Send(h1.Data{Bytes: []byte(fmt.Sprintf("Error: %s\r\n", cause))})
		}
		if err == nil && h.hconn.OurState() == h1.StateSendBody {
			err = h.hconn.Send(h1.EndOfMessage{})
		}
		if err != nil {
			h.log.Errorf("cannot send error response: %s", err)
			return
		}
	}

	if cw, ok := h.conn.(interface{ CloseWrite() error }); ok {
		if cw.CloseWrite() == nil {
			h.drain()
		}
	}
}

// drain reads and discards whatever the client is still sending, so that
// the error response is not lost to a TCP reset.
func (h *handler) drain() {
	h.conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 4096)
	for {
		if _, err := h.conn.Read(buf); err != nil {
			if err != io.EOF {
				h.log.Debugf("drain: %s", err)
			}
			return
		}
	}
}
