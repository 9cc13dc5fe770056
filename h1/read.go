package h1

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/vfaronov/turq/util/httpx"
)

// readLine reads one CRLF- (or bare-LF-) terminated line, without the
// terminator. tooLongHint is the status hint to use if the line exceeds
// maxLineLen.
func (c *Conn) readLine(tooLongHint int) (string, error) {
	var line []byte
	for {
		piece, err := c.r.ReadSlice('\n')
		line = append(line, piece...)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			if len(line) > maxLineLen {
				return "", remoteError("line too long", tooLongHint)
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return "", remoteError("peer closed connection mid-line", 400)
		}
		return "", err
	}
	if len(line) > maxLineLen {
		return "", remoteError("line too long", tooLongHint)
	}
	s := strings.TrimSuffix(string(line), "\n")
	return strings.TrimSuffix(s, "\r"), nil
}

// readRequest parses a request line plus header section (server role).
func (c *Conn) readRequest() (Event, error) {
	// A clean close between requests is not an error.
	if _, err := c.r.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			c.setTheirState(StateClosed)
			return ConnectionClosed{}, nil
		}
		return nil, err
	}

	line, err := c.readLine(414)
	if err != nil {
		return nil, err
	}
	method, rest, ok := strings.Cut(line, " ")
	if !ok {
		return nil, remoteError("malformed request line", 400)
	}
	target, versionStr, ok := cutLast(rest, " ")
	if !ok || target == "" {
		return nil, remoteError("malformed request line", 400)
	}
	if !httpx.IsToken(method) {
		return nil, remoteError("invalid method "+strconv.Quote(method), 400)
	}
	version, err := parseVersion(versionStr)
	if err != nil {
		return nil, err
	}

	headers, err := c.readHeaders(431)
	if err != nil {
		return nil, err
	}

	if version == "1.1" && !headers.Has("Host") {
		return nil, remoteError("HTTP/1.1 request without Host header", 400)
	}

	c.requestMethod = method
	c.peerVersion = version
	c.theirKeepAlive = keepAliveFrom(version, &headers)

	fr, err := requestBodyFraming(&headers)
	if err != nil {
		return nil, err
	}
	c.readFraming = fr
	c.trailersNext = false
	if fr.kind == framingNone {
		c.setTheirState(StateDone)
	} else {
		c.setTheirState(StateSendBody)
	}
	c.setOurState(StateSendHeaders)

	return Request{
		Method:      method,
		Target:      target,
		HTTPVersion: version,
		Headers:     headers,
	}, nil
}

// readResponse parses a status line plus header section (client role).
func (c *Conn) readResponse() (Event, error) {
	line, err := c.readLine(400)
	if err != nil {
		return nil, err
	}
	versionStr, rest, ok := strings.Cut(line, " ")
	if !ok {
		return nil, remoteError("malformed status line", 400)
	}
	version, err := parseVersion(versionStr)
	if err != nil {
		return nil, err
	}
	codeStr, reason, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 || code > 999 {
		return nil, remoteError("malformed status code", 400)
	}

	headers, err := c.readHeaders(400)
	if err != nil {
		return nil, err
	}

	if code >= 100 && code < 200 {
		// Interim response; the final one is still to come.
		return InformationalResponse{
			StatusCode:  code,
			HTTPVersion: version,
			Headers:     headers,
		}, nil
	}

	c.peerVersion = version
	c.theirKeepAlive = keepAliveFrom(version, &headers)

	fr, err := responseBodyFraming(c.requestMethod, code, version, &headers)
	if err != nil {
		return nil, err
	}
	c.readFraming = fr
	c.trailersNext = false
	if fr.kind == framingNone {
		c.setTheirState(StateDone)
	} else {
		c.setTheirState(StateSendBody)
	}

	return Response{
		StatusCode:  code,
		Reason:      reason,
		HTTPVersion: version,
		Headers:     headers,
	}, nil
}

func (c *Conn) readHeaders(tooLongHint int) (Headers, error) {
	var headers Headers
	for {
		line, err := c.readLine(tooLongHint)
		if err != nil {
			return Headers{}, err
		}
		if line == "" {
			return headers, nil
		}
		if headers.Len() >= maxHeaderCount {
			return Headers{}, remoteError("too many header fields", 431)
		}
		if line[0] == ' ' || line[0] == '\t' {
			// obs-fold continuation of the previous field
			if headers.Len() == 0 {
				return Headers{}, remoteError("continuation line before any header", 400)
			}
			last := &headers.fields[len(headers.fields)-1]
			last.Value += " " + strings.Trim(line, " \t")
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return Headers{}, remoteError("malformed header line", 400)
		}
		if !httpx.IsToken(name) {
			return Headers{}, remoteError("invalid header name "+strconv.Quote(name), 400)
		}
		headers.Add(name, strings.Trim(value, " \t"))
	}
}

// readBody returns the next Data or EndOfMessage event for the in-flight
// message body.
func (c *Conn) readBody() (Event, error) {
	switch c.readFraming.kind {
	case framingContentLength:
		return c.readBodyContentLength()
	case framingChunked:
		return c.readBodyChunked()
	case framingToClose:
		return c.readBodyToClose()
	default:
		return nil, localError("no body to read")
	}
}

func (c *Conn) readBodyContentLength() (Event, error) {
	if c.readFraming.remaining == 0 {
		c.setTheirState(StateDone)
		return EndOfMessage{}, nil
	}
	n := c.readFraming.remaining
	if n > readChunkSize {
		n = readChunkSize
	}
	buf := make([]byte, n)
	read, err := c.r.Read(buf)
	if read == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, remoteError("peer closed connection inside message body", 400)
		}
		return nil, err
	}
	c.readFraming.remaining -= int64(read)
	return Data{Bytes: buf[:read]}, nil
}

func (c *Conn) readBodyChunked() (Event, error) {
	if c.trailersNext {
		trailers, err := c.readHeaders(431)
		if err != nil {
			return nil, err
		}
		c.trailersNext = false
		c.setTheirState(StateDone)
		return EndOfMessage{Trailers: trailers}, nil
	}

	if c.readFraming.remaining == 0 {
		line, err := c.readLine(400)
		if err != nil {
			return nil, err
		}
		// chunk extensions are ignored
		sizeStr, _, _ := strings.Cut(line, ";")
		size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
		if err != nil || size < 0 {
			return nil, remoteError("malformed chunk size "+strconv.Quote(line), 400)
		}
		if size == 0 {
			c.trailersNext = true
			return c.readBodyChunked()
		}
		c.readFraming.remaining = size
	}

	n := c.readFraming.remaining
	if n > readChunkSize {
		n = readChunkSize
	}
	buf := make([]byte, n)
	read, err := c.r.Read(buf)
	if read == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, remoteError("peer closed connection inside chunk", 400)
		}
		return nil, err
	}
	c.readFraming.remaining -= int64(read)
	if c.readFraming.remaining == 0 {
		if err := c.discardCRLF(); err != nil {
			return nil, err
		}
	}
	return Data{Bytes: buf[:read]}, nil
}

// discardCRLF consumes the line break that terminates chunk data.
func (c *Conn) discardCRLF() error {
	b, err := c.r.ReadByte()
	if err != nil {
		return remoteError("peer closed connection after chunk", 400)
	}
	if b == '\r' {
		b, err = c.r.ReadByte()
		if err != nil {
			return remoteError("peer closed connection after chunk", 400)
		}
	}
	if b != '\n' {
		return remoteError("chunk data not followed by CRLF", 400)
	}
	return nil
}

func (c *Conn) readBodyToClose() (Event, error) {
	buf := make([]byte, readChunkSize)
	read, err := c.r.Read(buf)
	if read > 0 {
		return Data{Bytes: buf[:read]}, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		c.setTheirState(StateDone)
		c.theirKeepAlive = false
		return EndOfMessage{}, nil
	}
	return nil, err
}

func parseVersion(s string) (string, error) {
	switch s {
	case "HTTP/1.1":
		return "1.1", nil
	case "HTTP/1.0":
		return "1.0", nil
	}
	if strings.HasPrefix(s, "HTTP/") {
		return "", remoteError("unsupported HTTP version "+strconv.Quote(s), 505)
	}
	return "", remoteError("malformed HTTP version "+strconv.Quote(s), 400)
}

func keepAliveFrom(version string, headers *Headers) bool {
	if headers.TokenListContains("Connection", "close") {
		return false
	}
	if version == "1.0" {
		return headers.TokenListContains("Connection", "keep-alive")
	}
	return true
}

// requestBodyFraming picks the body framing for an incoming request, in the
// priority order of RFC 7230 section 3.3.3.
func requestBodyFraming(headers *Headers) (framing, error) {
	if headers.Has("Transfer-Encoding") {
		if !headers.TokenListContains("Transfer-Encoding", "chunked") {
			return framing{}, remoteError("unsupported Transfer-Encoding", 400)
		}
		return framing{kind: framingChunked}, nil
	}
	if headers.Has("Content-Length") {
		n, err := parseContentLength(headers)
		if err != nil {
			return framing{}, err
		}
		if n == 0 {
			return framing{kind: framingNone}, nil
		}
		return framing{kind: framingContentLength, remaining: n}, nil
	}
	return framing{kind: framingNone}, nil
}

// responseBodyFraming picks the body framing for an incoming response
// (client role). Read-until-close is the HTTP/1.0-era fallback.
func responseBodyFraming(requestMethod string, statusCode int, version string, headers *Headers) (framing, error) {
	if requestMethod == "HEAD" || statusCode == 204 || statusCode == 304 {
		return framing{kind: framingNone}, nil
	}
	if headers.TokenListContains("Transfer-Encoding", "chunked") {
		return framing{kind: framingChunked}, nil
	}
	if headers.Has("Content-Length") {
		n, err := parseContentLength(headers)
		if err != nil {
			return framing{}, err
		}
		if n == 0 {
			return framing{kind: framingNone}, nil
		}
		return framing{kind: framingContentLength, remaining: n}, nil
	}
	return framing{kind: framingToClose}, nil
}

func parseContentLength(headers *Headers) (int64, error) {
	values := headers.Values("Content-Length")
	for _, v := range values[1:] {
		if v != values[0] {
			return 0, remoteError("conflicting Content-Length values", 400)
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(values[0]), 10, 64)
	if err != nil || n < 0 {
		return 0, remoteError("malformed Content-Length "+strconv.Quote(values[0]), 400)
	}
	return n, nil
}

func cutLast(s, sep string) (before, after string, found bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}
