// Package h1 is an event-based HTTP/1.1 codec. It turns a byte stream into
// Request/Response/Data/EndOfMessage events and back, tracking framing
// state for both peers, in either the server or the client role. It does no
// I/O scheduling of its own: reads block, writes go straight through.
package h1

import (
	"bufio"
	"io"

	"github.com/vfaronov/turq/util/httpx"
)

type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// State of one side of the connection. Each message walks
// Idle -> SendHeaders -> SendBody -> Done; after Done the cycle either
// restarts (keep-alive) or the side moves to MustClose/Closed.
type State int

const (
	StateIdle State = iota
	StateSendHeaders
	StateSendBody
	StateDone
	StateMustClose
	StateClosed
	StateSwitched
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSendHeaders:
		return "SEND_HEADERS"
	case StateSendBody:
		return "SEND_BODY"
	case StateDone:
		return "DONE"
	case StateMustClose:
		return "MUST_CLOSE"
	case StateClosed:
		return "CLOSED"
	case StateSwitched:
		return "SWITCHED"
	case StateError:
		return "ERROR"
	}
	return "UNKNOWN"
}

type framingKind int

const (
	framingNone framingKind = iota
	framingContentLength
	framingChunked
	framingToClose
	// framingHead allows no body bytes (sending Data is a local protocol
	// error) while leaving the framing headers (Content-Length,
	// Transfer-Encoding) as the caller set them.
	framingHead
)

type framing struct {
	kind      framingKind
	remaining int64 // content-length bytes left, or current chunk remainder
}

const (
	maxLineLen     = 8192
	maxHeaderCount = 100
	readChunkSize  = 16384
)

// Conn is an HTTP/1.1 codec bound to one byte stream. It tracks framing
// state for both sides and translates between bytes and events. It performs
// blocking reads; the caller owns all concurrency.
type Conn struct {
	role Role
	r    *bufio.Reader
	w    io.Writer

	ourState   State
	theirState State

	// StateHook, if set, observes every state transition ("us"/"them").
	StateHook func(side string, from, to State)

	requestMethod  string // method of the in-flight request
	ourKeepAlive   bool
	theirKeepAlive bool
	peerVersion    string

	readFraming  framing
	writeFraming framing
	trailersNext bool // chunked read: zero chunk seen, trailer section next
}

func NewConn(role Role, rw io.ReadWriter) *Conn {
	return &Conn{
		role:           role,
		r:              bufio.NewReaderSize(rw, readChunkSize),
		w:              rw,
		ourState:       StateIdle,
		theirState:     StateIdle,
		ourKeepAlive:   true,
		theirKeepAlive: true,
	}
}

func (c *Conn) OurState() State {
	return c.ourState
}

func (c *Conn) TheirState() State {
	return c.theirState
}

func (c *Conn) setOurState(s State) {
	if c.ourState != s && c.StateHook != nil {
		c.StateHook("us", c.ourState, s)
	}
	c.ourState = s
}

func (c *Conn) setTheirState(s State) {
	if c.theirState != s && c.StateHook != nil {
		c.StateHook("them", c.theirState, s)
	}
	c.theirState = s
}

// NextEvent reads and returns the next event from the peer. It blocks until
// a full event is available.
func (c *Conn) NextEvent() (Event, error) {
	switch c.theirState {
	case StateIdle:
		if c.role == RoleServer {
			return c.readRequest()
		}
		return c.readResponse()
	case StateSendBody:
		return c.readBody()
	case StateClosed:
		return ConnectionClosed{}, nil
	default:
		return nil, localError("no events to receive in state " + c.theirState.String())
	}
}

// Send serialises one outgoing event onto the wire.
func (c *Conn) Send(ev Event) error {
	switch ev := ev.(type) {
	case Request:
		return c.sendRequest(ev)
	case InformationalResponse:
		return c.sendInformational(ev)
	case Response:
		return c.sendResponse(ev)
	case Data:
		return c.sendData(ev)
	case EndOfMessage:
		return c.sendEOM(ev)
	default:
		return localError("cannot send this event type")
	}
}

// SendRaw bypasses the codec and writes bytes directly to the stream. Meant
// for protocol switches after a 101 response; the connection cannot be
// reused for HTTP afterwards.
func (c *Conn) SendRaw(data []byte) error {
	if c.ourState != StateSwitched {
		c.setOurState(StateSwitched)
	}
	_, err := c.w.Write(data)
	return err
}

// KeepAlive reports whether both sides have agreed to reuse the connection
// for another cycle.
func (c *Conn) KeepAlive() bool {
	return c.ourKeepAlive && c.theirKeepAlive
}

// StartNextCycle resets both sides to Idle for the next request on a
// persistent connection. Valid only when both sides are Done and keep-alive
// is in effect.
func (c *Conn) StartNextCycle() error {
	if c.ourState != StateDone || c.theirState != StateDone {
		return localError("cannot start next cycle in states " +
			c.ourState.String() + "/" + c.theirState.String())
	}
	if !c.KeepAlive() {
		return localError("cannot start next cycle: connection will close")
	}
	c.setOurState(StateIdle)
	c.setTheirState(StateIdle)
	c.requestMethod = ""
	c.peerVersion = ""
	c.ourKeepAlive = true
	c.theirKeepAlive = true
	c.readFraming = framing{}
	c.writeFraming = framing{}
	c.trailersNext = false
	return nil
}

func defaultReason(statusCode int) string {
	return httpx.DefaultReason(statusCode)
}
