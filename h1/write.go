package h1

import (
	"strconv"
	"strings"

	"github.com/vfaronov/turq/util/httpx"
)

// sendRequest serialises an outgoing request (client role). Body framing is
// taken from the headers: Content-Length, Transfer-Encoding: chunked, or no
// body at all.
func (c *Conn) sendRequest(ev Request) error {
	if c.role != RoleClient {
		return localError("only clients send requests")
	}
	if c.ourState != StateIdle {
		return localError("cannot send request in state " + c.ourState.String())
	}

	var sb strings.Builder
	sb.WriteString(ev.Method)
	sb.WriteByte(' ')
	sb.WriteString(ev.Target)
	sb.WriteString(" HTTP/1.1\r\n")
	if err := writeHeaderSection(&sb, &ev.Headers); err != nil {
		return err
	}
	if _, err := c.w.Write([]byte(sb.String())); err != nil {
		return err
	}

	c.requestMethod = ev.Method
	if ev.Headers.TokenListContains("Transfer-Encoding", "chunked") {
		c.writeFraming = framing{kind: framingChunked}
		c.setOurState(StateSendBody)
	} else if ev.Headers.Has("Content-Length") {
		n, err := parseContentLength(&ev.Headers)
		if err != nil {
			return localError("bad Content-Length on outgoing request")
		}
		c.writeFraming = framing{kind: framingContentLength, remaining: n}
		if n == 0 {
			c.setOurState(StateDone)
		} else {
			c.setOurState(StateSendBody)
		}
	} else {
		c.writeFraming = framing{kind: framingNone}
		c.setOurState(StateDone)
	}
	return nil
}

func (c *Conn) sendInformational(ev InformationalResponse) error {
	if c.role != RoleServer {
		return localError("only servers send responses")
	}
	if c.ourState != StateSendHeaders {
		return localError("cannot send interim response in state " + c.ourState.String())
	}
	if ev.StatusCode < 100 || ev.StatusCode > 199 {
		return localError("interim response status must be 1xx")
	}

	var sb strings.Builder
	sb.WriteString("HTTP/1.1 ")
	sb.WriteString(strconv.Itoa(ev.StatusCode))
	sb.WriteByte(' ')
	sb.WriteString(defaultReason(ev.StatusCode))
	sb.WriteString("\r\n")
	if err := writeHeaderSection(&sb, &ev.Headers); err != nil {
		return err
	}
	_, err := c.w.Write([]byte(sb.String()))
	return err
}

// sendResponse serialises the final response status line and headers, and
// decides how the body will be framed on the wire. When the script streamed
// no explicit framing, chunked is chosen for HTTP/1.1 peers and
// close-delimited for HTTP/1.0.
func (c *Conn) sendResponse(ev Response) error {
	if c.role != RoleServer {
		return localError("only servers send responses")
	}
	// Idle is allowed so the driver can answer malformed requests that
	// never produced a Request event.
	if c.ourState != StateSendHeaders && c.ourState != StateIdle {
		return localError("cannot send response in state " + c.ourState.String())
	}
	if ev.StatusCode < 100 || ev.StatusCode > 999 {
		return localError("bad status code " + strconv.Itoa(ev.StatusCode))
	}
	if ev.StatusCode >= 100 && ev.StatusCode < 200 && ev.StatusCode != 101 {
		return localError("1xx responses other than 101 must be sent as interim")
	}

	headers := ev.Headers.Clone()
	bodyless := ev.StatusCode == 101 || ev.StatusCode == 204 || ev.StatusCode == 304

	switch {
	case bodyless:
		c.writeFraming = framing{kind: framingNone}
	case c.requestMethod == "HEAD":
		c.writeFraming = framing{kind: framingHead}
	case headers.Has("Content-Length"):
		n, err := parseContentLength(&headers)
		if err != nil {
			return localError("bad Content-Length on outgoing response")
		}
		c.writeFraming = framing{kind: framingContentLength, remaining: n}
	case headers.TokenListContains("Transfer-Encoding", "chunked"):
		c.writeFraming = framing{kind: framingChunked}
	case c.peerVersion == "1.0" || c.peerVersion == "":
		// HTTP/1.0 peers cannot parse chunked, and when the request never
		// parsed we do not know the peer's version; delimit by closing.
		c.writeFraming = framing{kind: framingToClose}
		c.ourKeepAlive = false
		if !headers.TokenListContains("Connection", "close") {
			headers.Add("Connection", "close")
		}
	default:
		headers.Add("Transfer-Encoding", "chunked")
		c.writeFraming = framing{kind: framingChunked}
	}

	if headers.TokenListContains("Connection", "close") {
		c.ourKeepAlive = false
	}

	reason := ev.Reason
	if reason == "" {
		reason = defaultReason(ev.StatusCode)
	}

	var sb strings.Builder
	sb.WriteString("HTTP/1.1 ")
	sb.WriteString(strconv.Itoa(ev.StatusCode))
	sb.WriteByte(' ')
	sb.WriteString(reason)
	sb.WriteString("\r\n")
	if err := writeHeaderSection(&sb, &headers); err != nil {
		return err
	}
	if _, err := c.w.Write([]byte(sb.String())); err != nil {
		return err
	}

	switch {
	case ev.StatusCode == 101:
		c.setOurState(StateSwitched)
		c.ourKeepAlive = false
	case c.writeFraming.kind == framingNone:
		c.setOurState(StateDone)
	case c.writeFraming.kind == framingContentLength && c.writeFraming.remaining == 0:
		c.setOurState(StateDone)
	default:
		c.setOurState(StateSendBody)
	}
	return nil
}

func (c *Conn) sendData(ev Data) error {
	if c.ourState != StateSendBody {
		return localError("cannot send data in state " + c.ourState.String())
	}
	if len(ev.Bytes) == 0 {
		return nil
	}
	switch c.writeFraming.kind {
	case framingChunked:
		size := strconv.FormatInt(int64(len(ev.Bytes)), 16)
		if _, err := c.w.Write([]byte(size + "\r\n")); err != nil {
			return err
		}
		if _, err := c.w.Write(ev.Bytes); err != nil {
			return err
		}
		_, err := c.w.Write([]byte("\r\n"))
		return err
	case framingContentLength:
		if int64(len(ev.Bytes)) > c.writeFraming.remaining {
			return localError("data exceeds declared Content-Length")
		}
		c.writeFraming.remaining -= int64(len(ev.Bytes))
		_, err := c.w.Write(ev.Bytes)
		return err
	case framingToClose:
		_, err := c.w.Write(ev.Bytes)
		return err
	case framingHead:
		return localError("responses to HEAD cannot carry data")
	default:
		return localError("this message cannot have a body")
	}
}

func (c *Conn) sendEOM(ev EndOfMessage) error {
	if c.ourState != StateSendBody {
		return localError("cannot end message in state " + c.ourState.String())
	}
	switch c.writeFraming.kind {
	case framingChunked:
		var sb strings.Builder
		sb.WriteString("0\r\n")
		if err := writeHeaderSection(&sb, &ev.Trailers); err != nil {
			return err
		}
		if _, err := c.w.Write([]byte(sb.String())); err != nil {
			return err
		}
	case framingContentLength:
		if c.writeFraming.remaining != 0 {
			return localError("message body shorter than declared Content-Length")
		}
	case framingToClose, framingHead, framingNone:
		// nothing on the wire
	}
	c.setOurState(StateDone)
	if !c.ourKeepAlive {
		if c.writeFraming.kind == framingToClose {
			c.setOurState(StateMustClose)
		}
	}
	return nil
}

// writeHeaderSection appends "Name: value" lines plus the blank line.
// Values pass through as raw bytes, but CR/LF injection is refused.
func writeHeaderSection(sb *strings.Builder, headers *Headers) error {
	for _, f := range headers.Fields() {
		if !httpx.IsToken(f.Name) {
			return localError("invalid header name " + strconv.Quote(f.Name))
		}
		if strings.ContainsAny(f.Value, "\r\n") {
			return localError("header value contains line break")
		}
		sb.WriteString(f.Name)
		sb.WriteString(": ")
		sb.WriteString(f.Value)
		sb.WriteString("\r\n")
	}
	sb.WriteString("\r\n")
	return nil
}
