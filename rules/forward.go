package rules

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/vfaronov/turq/h1"
	"github.com/vfaronov/turq/netx"
	"github.com/vfaronov/turq/rules/lang"
	"github.com/vfaronov/turq/util/httpx"
)

// bForward proxies the current request to an upstream server and adopts the
// upstream's response as this cycle's response.
func (c *Context) bForward(call *lang.Call) (lang.Value, error) {
	host, err := call.StringArg(0, "host", "")
	if err != nil {
		return nil, err
	}
	if host == "" {
		return nil, fmt.Errorf("forward(): host is required")
	}
	port, err := call.IntArg(1, "port", 80)
	if err != nil {
		return nil, err
	}
	target, err := call.StringArg(2, "target", c.request.Target)
	if err != nil {
		return nil, err
	}
	useTLS := port == 443
	if v := call.Arg(3, "tls", nil); v != nil {
		useTLS = lang.Truthy(v)
	}

	if c.headersSent {
		return nil, fmt.Errorf("forward(): the response was already started")
	}

	// The body must be in hand before we can relay it.
	body, err := c.request.Body()
	if err != nil {
		return nil, err
	}

	resp, err := forward(c.request, body, host, int(port), target, useTLS)
	if err != nil {
		return nil, fmt.Errorf("forward to %s:%d: %w", host, port, err)
	}
	c.response = resp
	return nil, nil
}

func forward(req *Request, body []byte, host string, port int, target string, useTLS bool) (*Response, error) {
	conn, err := netx.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if useTLS {
		// This is a debugging tool: upstreams routinely have self-signed
		// certificates, so verification is off.
		tlsConn := tls.Client(conn, &tls.Config{
			InsecureSkipVerify: true,
			ServerName:         host,
		})
		if err := tlsConn.Handshake(); err != nil {
			return nil, err
		}
		conn = tlsConn
	}

	hc := h1.NewConn(h1.RoleClient, conn)

	headers := stripHopByHop(&req.Headers)
	headers.Del("Content-Length")
	headers.Del("Transfer-Encoding")
	out := h1.Headers{}
	out.Add("Host", httpx.HostHeader(host, port, useTLS))
	for _, f := range headers.Fields() {
		out.Add(f.Name, f.Value)
	}
	out.Add("Content-Length", strconv.Itoa(len(body)))
	out.Add("Connection", "close")
	out.Add("Via", req.HTTPVersion+" turq")

	if err := hc.Send(h1.Request{
		Method:  req.Method,
		Target:  target,
		Headers: out,
	}); err != nil {
		return nil, err
	}
	if len(body) > 0 {
		if err := hc.Send(h1.Data{Bytes: body}); err != nil {
			return nil, err
		}
	}
	if hc.OurState() == h1.StateSendBody {
		if err := hc.Send(h1.EndOfMessage{}); err != nil {
			return nil, err
		}
	}

	var (
		upstream     h1.Response
		haveResponse bool
		respBody     [][]byte
	)
	for {
		ev, err := hc.NextEvent()
		if err != nil {
			// Protocol garbage from the upstream is just a failed forward
			// as far as the rules engine is concerned.
			return nil, fmt.Errorf("upstream sent bad HTTP: %w", err)
		}
		done := false
		switch ev := ev.(type) {
		case h1.InformationalResponse:
			// interim responses from the upstream are not relayed
		case h1.Response:
			upstream = ev
			haveResponse = true
		case h1.Data:
			respBody = append(respBody, ev.Bytes)
		case h1.EndOfMessage:
			done = true
		case h1.ConnectionClosed:
			return nil, fmt.Errorf("upstream closed the connection early")
		}
		if done {
			break
		}
	}
	if !haveResponse {
		return nil, fmt.Errorf("upstream sent no response")
	}

	resp := NewResponse()
	resp.StatusCode = upstream.StatusCode
	resp.Reason = upstream.Reason
	respHeaders := stripHopByHop(&upstream.Headers)
	respHeaders.Del("Content-Length")
	respHeaders.Del("Transfer-Encoding")
	respHeaders.Add("Via", upstream.HTTPVersion+" turq")
	resp.Headers = respHeaders
	resp.Body = joinChunks(respBody)
	// Re-frame with an exact length; only the body bytes round-trip.
	resp.UseContentLength = true
	return resp, nil
}

// stripHopByHop copies headers minus the hop-by-hop set: everything named
// in Connection, Connection itself, Keep-Alive, and Host.
func stripHopByHop(headers *h1.Headers) h1.Headers {
	drop := map[string]bool{
		"connection": true,
		"keep-alive": true,
		"host":       true,
	}
	for _, value := range headers.Values("Connection") {
		for _, item := range strings.Split(value, ",") {
			item = strings.TrimSpace(item)
			if item != "" {
				drop[strings.ToLower(item)] = true
			}
		}
	}
	var out h1.Headers
	for _, f := range headers.Fields() {
		if !drop[strings.ToLower(f.Name)] {
			out.Add(f.Name, f.Value)
		}
	}
	return out
}
