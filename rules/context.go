package rules

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/vfaronov/turq/h1"
	"github.com/vfaronov/turq/rules/lang"
	"github.com/vfaronov/turq/util/httpx"
)

// errSkip is the control signal that auth and cors use to stop the script
// without treating it as a failure.
var errSkip = errors.New("skip remaining rules")

// Context executes one rules program for one request/response cycle. It
// owns the Request/Response pair and talks to the connection through
// Transport.
type Context struct {
	transport Transport
	log       *logrus.Entry
	clock     clockwork.Clock
	request   *Request
	response  *Response

	headersSent bool
}

func NewContext(transport Transport, req *Request, log *logrus.Entry, clock clockwork.Clock) *Context {
	return &Context{
		transport: transport,
		log:       log,
		clock:     clock,
		request:   req,
		response:  NewResponse(),
	}
}

// Run executes the program and then finishes the cycle: drains the request
// body, flushes the response, and ends the message. A script failure after
// the response has started is returned to the driver, which can only close
// the connection at that point.
func (c *Context) Run(prog *Program) error {
	err := lang.Exec(prog.AST(), c.buildEnv())
	if err != nil && !errors.Is(err, errSkip) {
		c.log.Errorf("error in rules (%s, %s): %s", prog.Name, describeLine(err), err)
		if c.headersSent {
			return fmt.Errorf("rules failed after response was started: %w", err)
		}
		c.response = NewResponse()
		c.response.StatusCode = 500
		c.response.Headers.Set("Content-Type", "text/plain; charset=utf-8")
		c.response.Body = []byte(fmt.Sprintf("Error in rules: %s\r\n", err))
	}
	return c.finish()
}

func describeLine(err error) string {
	var rerr *lang.RuntimeError
	if errors.As(err, &rerr) {
		return fmt.Sprintf("line %d", rerr.SourceLine)
	}
	return "unknown line"
}

func (c *Context) finish() error {
	// Drain whatever is left of the request body so the connection can be
	// reused for the next cycle.
	if _, err := c.request.Body(); err != nil {
		return err
	}
	return c.flush(true)
}

// flush writes the response headers if they have not been written, and,
// when body is true, the pending body and end-of-message. Safe to call
// repeatedly: each part goes on the wire only once.
func (c *Context) flush(body bool) error {
	if c.transport.OurState() == h1.StateSendHeaders {
		c.response.finalize(c.clock.Now())
		err := c.transport.SendEvent(h1.Response{
			StatusCode:  c.response.StatusCode,
			Reason:      c.response.Reason,
			HTTPVersion: "1.1",
			Headers:     c.response.Headers.Clone(),
		})
		if err != nil {
			return err
		}
		c.headersSent = true
		// From now on, headers added by the script belong to the trailer.
		c.response.Headers = h1.Headers{}
	}
	if body && c.transport.OurState() == h1.StateSendBody {
		if len(c.response.Body) > 0 && c.request.Method != "HEAD" {
			if err := c.transport.SendEvent(h1.Data{Bytes: c.response.Body}); err != nil {
				return err
			}
		}
		if err := c.transport.SendEvent(h1.EndOfMessage{Trailers: c.response.Headers.Clone()}); err != nil {
			return err
		}
	}
	return nil
}

// buildEnv seeds the script scope with the whole scripting surface.
func (c *Context) buildEnv() *lang.Env {
	env := lang.NewEnv()

	env.Set("request", &requestObject{req: c.request})
	env.Set("method", c.request.Method)
	env.Set("target", c.request.Target)
	env.Set("path", c.request.Path)
	env.Set("version", c.request.HTTPVersion)
	query := lang.NewDict()
	for name, value := range c.request.Query {
		query.Set(name, value)
	}
	env.Set("query", query)

	// Shortcuts for common request methods: GET, POST, ...
	for _, m := range httpx.KnownMethods {
		env.Set(strings.ReplaceAll(m, "-", "_"), c.request.Method == m)
	}

	builtins := map[string]func(*lang.Call) (lang.Value, error){
		"status":        c.bStatus,
		"header":        c.bHeader,
		"add_header":    c.bAddHeader,
		"delete_header": c.bDeleteHeader,
		"body":          c.bBody,
		"framing":       c.bFraming,
		"text":          c.bText,
		"html":          c.bHTML,
		"json":          c.bJSON,
		"redirect":      c.bRedirect,
		"error":         c.bError,
		"gzip":          c.bGzip,
		"flush":         c.bFlush,
		"chunk":         c.bChunk,
		"interim":       c.bInterim,
		"send_raw":      c.bSendRaw,
		"sleep":         c.bSleep,
		"debug":         c.bDebug,
		"route":         c.bRoute,
		"maybe":         c.bMaybe,
		"basic_auth":    c.bBasicAuth,
		"digest_auth":   c.bDigestAuth,
		"bearer_auth":   c.bBearerAuth,
		"cors":          c.bCORS,
		"forward":       c.bForward,
	}
	for name, fn := range builtins {
		env.Set(name, &lang.Builtin{Name: name, Fn: fn})
	}
	return env
}

// Response building

func (c *Context) bStatus(call *lang.Call) (lang.Value, error) {
	code, err := call.IntArg(0, "code", 0)
	if err != nil {
		return nil, err
	}
	if code < 100 || code > 599 {
		return nil, fmt.Errorf("status(): code %d out of range", code)
	}
	reason, err := call.StringArg(1, "reason", "")
	if err != nil {
		return nil, err
	}
	c.response.StatusCode = int(code)
	c.response.Reason = reason
	return nil, nil
}

func (c *Context) bHeader(call *lang.Call) (lang.Value, error) {
	name, err := call.StringArg(0, "name", "")
	if err != nil {
		return nil, err
	}
	value := call.Arg(1, "value", "")
	c.response.Headers.Set(name, lang.Str(value))
	return nil, nil
}

func (c *Context) bAddHeader(call *lang.Call) (lang.Value, error) {
	name, err := call.StringArg(0, "name", "")
	if err != nil {
		return nil, err
	}
	value := call.Arg(1, "value", "")
	c.response.Headers.Add(name, lang.Str(value))
	return nil, nil
}

func (c *Context) bDeleteHeader(call *lang.Call) (lang.Value, error) {
	name, err := call.StringArg(0, "name", "")
	if err != nil {
		return nil, err
	}
	c.response.Headers.Del(name)
	return nil, nil
}

func (c *Context) bBody(call *lang.Call) (lang.Value, error) {
	data := call.Arg(0, "data", "")
	c.response.Body = []byte(lang.Str(data))
	return nil, nil
}

func (c *Context) bFraming(call *lang.Call) (lang.Value, error) {
	if v := call.Arg(0, "content_length", nil); v != nil {
		c.response.UseContentLength = lang.Truthy(v)
	}
	if v := call.Arg(1, "keep_alive", nil); v != nil {
		c.response.KeepAlive = lang.Truthy(v)
	}
	return nil, nil
}

func (c *Context) bText(call *lang.Call) (lang.Value, error) {
	s, err := call.StringArg(0, "text", "")
	if err != nil {
		return nil, err
	}
	if s == "" && len(call.Args) == 0 {
		s = randomText()
	}
	c.response.Headers.Set("Content-Type", "text/plain; charset=utf-8")
	c.response.Body = []byte(s)
	return nil, nil
}

func (c *Context) bJSON(call *lang.Call) (lang.Value, error) {
	obj := call.Arg(0, "data", nil)
	if obj == nil && len(call.Args) == 0 {
		obj = lang.NewDict()
	}
	encoded, err := encodeJSON(obj)
	if err != nil {
		return nil, err
	}
	if call.BoolArg(1, "jsonp", false) {
		callback := c.request.Query["callback"]
		if callback == "" {
			callback = "callback"
		}
		c.response.Headers.Set("Content-Type", "application/javascript")
		c.response.Body = []byte(callback + "(" + string(encoded) + ");")
		return nil, nil
	}
	c.response.Headers.Set("Content-Type", "application/json")
	c.response.Body = encoded
	return nil, nil
}

func encodeJSON(v lang.Value) ([]byte, error) {
	switch v := v.(type) {
	case *lang.Dict:
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range v.Keys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, _ := json.Marshal(k)
			buf.Write(key)
			buf.WriteByte(':')
			item, _ := v.Get(k)
			encoded, err := encodeJSON(item)
			if err != nil {
				return nil, err
			}
			buf.Write(encoded)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	case []lang.Value:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, e := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			encoded, err := encodeJSON(e)
			if err != nil {
				return nil, err
			}
			buf.Write(encoded)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("json(): cannot encode %s", lang.TypeName(v))
		}
		return encoded, nil
	}
}

func (c *Context) bRedirect(call *lang.Call) (lang.Value, error) {
	location, err := call.StringArg(0, "location", "")
	if err != nil {
		return nil, err
	}
	if location == "" {
		return nil, fmt.Errorf("redirect(): location is required")
	}
	status, err := call.IntArg(1, "status", 302)
	if err != nil {
		return nil, err
	}
	c.response.StatusCode = int(status)
	c.response.Headers.Set("Location", location)
	return nil, nil
}

func (c *Context) bError(call *lang.Call) (lang.Value, error) {
	code, err := call.IntArg(0, "code", 0)
	if err != nil {
		return nil, err
	}
	c.response.StatusCode = int(code)
	c.response.Headers.Set("Content-Type", "text/plain; charset=utf-8")
	c.response.Body = []byte(fmt.Sprintf("Error! %s.\r\n", httpx.ErrorExplanation(int(code))))
	return nil, nil
}

func (c *Context) bGzip(call *lang.Call) (lang.Value, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(c.response.Body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	c.response.Body = buf.Bytes()
	c.response.Headers.Set("Content-Encoding", "gzip")
	return nil, nil
}

// Flow control

func (c *Context) bFlush(call *lang.Call) (lang.Value, error) {
	return nil, c.flush(call.BoolArg(0, "body", true))
}

func (c *Context) bChunk(call *lang.Call) (lang.Value, error) {
	if err := c.flush(false); err != nil {
		return nil, err
	}
	data := lang.Str(call.Arg(0, "data", ""))
	// the buffered body is superseded by explicit chunks
	c.response.Body = nil
	if c.request.Method == "HEAD" {
		return nil, nil
	}
	return nil, c.transport.SendEvent(h1.Data{Bytes: []byte(data)})
}

func (c *Context) bInterim(call *lang.Call) (lang.Value, error) {
	return &interimScope{ctx: c}, nil
}

// interimScope swaps in a temporary Response for the duration of a with
// block and emits it as a 1xx interim response on the way out. The original
// Response is restored on every exit path.
type interimScope struct {
	ctx  *Context
	main *Response
}

func (s *interimScope) Enter() (lang.Value, error) {
	if s.ctx.headersSent {
		return nil, fmt.Errorf("interim(): the final response was already sent")
	}
	s.main = s.ctx.response
	s.ctx.response = NewResponse()
	s.ctx.response.StatusCode = 100
	return nil, nil
}

func (s *interimScope) Exit(bodyErr error) error {
	interim := s.ctx.response
	s.ctx.response = s.main
	if s.ctx.transport.OurState() != h1.StateSendHeaders {
		return nil
	}
	interim.finalize(s.ctx.clock.Now())
	return s.ctx.transport.SendEvent(h1.InformationalResponse{
		StatusCode:  interim.StatusCode,
		HTTPVersion: "1.1",
		Headers:     interim.Headers.Clone(),
	})
}

func (c *Context) bSendRaw(call *lang.Call) (lang.Value, error) {
	data := lang.Str(call.Arg(0, "data", ""))
	return nil, c.transport.SendRaw([]byte(data))
}

func (c *Context) bSleep(call *lang.Call) (lang.Value, error) {
	seconds, err := call.FloatArg(0, "seconds", 0)
	if err != nil {
		return nil, err
	}
	c.clock.Sleep(time.Duration(seconds * float64(time.Second)))
	return nil, nil
}

func (c *Context) bDebug(call *lang.Call) (lang.Value, error) {
	c.log.Logger.SetLevel(logrus.DebugLevel)
	c.log.Debugf("> %s %s HTTP/%s", c.request.Method, c.request.Target, c.request.HTTPVersion)
	for _, f := range c.request.RawHeaders() {
		c.log.Debugf("+ %s: %s", f.Name, f.Value)
	}
	return nil, nil
}

// Routing and selection

func (c *Context) bRoute(call *lang.Call) (lang.Value, error) {
	pattern, err := call.StringArg(0, "pattern", "")
	if err != nil {
		return nil, err
	}
	captures, ok := matchRoute(pattern, c.request.Path)
	if !ok {
		return false, nil
	}
	for name, value := range captures {
		call.Env.Set(name, value)
	}
	return true, nil
}

// matchRoute matches path against pattern segment by segment; ":name"
// segments capture, "*" matches any one segment.
func matchRoute(pattern, path string) (map[string]string, bool) {
	patSegs := strings.Split(strings.Trim(pattern, "/"), "/")
	pathSegs := strings.Split(strings.Trim(path, "/"), "/")
	if len(patSegs) != len(pathSegs) {
		return nil, false
	}
	captures := make(map[string]string)
	for i, seg := range patSegs {
		switch {
		case strings.HasPrefix(seg, ":") && len(seg) > 1:
			captures[seg[1:]] = pathSegs[i]
		case seg == "*":
		case seg != pathSegs[i]:
			return nil, false
		}
	}
	return captures, true
}

func (c *Context) bMaybe(call *lang.Call) (lang.Value, error) {
	p, err := call.FloatArg(0, "probability", 0.5)
	if err != nil {
		return nil, err
	}
	if p < 0 || p > 1 {
		return nil, fmt.Errorf("maybe(): probability must be between 0 and 1")
	}
	return randomFloat() < p, nil
}

// Auth challenges. These check only the scheme: a mock server has no user
// database, it just drives the client through the challenge dance.

func (c *Context) bBasicAuth(call *lang.Call) (lang.Value, error) {
	realm, err := call.StringArg(0, "realm", "Turq")
	if err != nil {
		return nil, err
	}
	return c.challenge("Basic", fmt.Sprintf("Basic realm=%q, charset=\"UTF-8\"", realm))
}

func (c *Context) bDigestAuth(call *lang.Call) (lang.Value, error) {
	realm, err := call.StringArg(0, "realm", "Turq")
	if err != nil {
		return nil, err
	}
	nonce := randomNonce()
	return c.challenge("Digest",
		fmt.Sprintf("Digest realm=%q, qop=\"auth\", nonce=%q, charset=UTF-8", realm, nonce))
}

func (c *Context) bBearerAuth(call *lang.Call) (lang.Value, error) {
	realm, err := call.StringArg(0, "realm", "Turq")
	if err != nil {
		return nil, err
	}
	return c.challenge("Bearer", fmt.Sprintf("Bearer realm=%q", realm))
}

func (c *Context) challenge(scheme, wwwAuthenticate string) (lang.Value, error) {
	authorization := c.request.Headers.Get("Authorization")
	if len(authorization) > len(scheme) &&
		strings.EqualFold(authorization[:len(scheme)], scheme) &&
		(authorization[len(scheme)] == ' ' || authorization[len(scheme)] == '\t') {
		return nil, nil
	}
	c.response.StatusCode = 401
	c.response.Headers.Set("WWW-Authenticate", wwwAuthenticate)
	c.response.Headers.Set("Content-Type", "text/plain; charset=utf-8")
	c.response.Body = []byte("Unauthorized\r\n")
	return nil, errSkip
}

// CORS

func (c *Context) bCORS(call *lang.Call) (lang.Value, error) {
	origin := c.request.Headers.Get("Origin")
	allowOrigin := origin
	if allowOrigin == "" {
		allowOrigin = "*"
	}
	if c.request.Method == "OPTIONS" && origin != "" {
		// preflight
		c.response.StatusCode = 200
		c.response.Headers.Set("Access-Control-Allow-Origin", allowOrigin)
		c.response.Headers.Set("Access-Control-Allow-Credentials", "true")
		methods := c.request.Headers.Get("Access-Control-Request-Method")
		if methods == "" {
			methods = "GET, POST, PUT, DELETE, PATCH"
		}
		c.response.Headers.Set("Access-Control-Allow-Methods", methods)
		if reqHeaders := c.request.Headers.Get("Access-Control-Request-Headers"); reqHeaders != "" {
			c.response.Headers.Set("Access-Control-Allow-Headers", reqHeaders)
		}
		c.response.Headers.Set("Access-Control-Max-Age", "86400")
		c.response.Headers.Add("Vary", "Origin")
		c.response.Body = nil
		return nil, errSkip
	}
	c.response.Headers.Set("Access-Control-Allow-Origin", allowOrigin)
	c.response.Headers.Set("Access-Control-Allow-Credentials", "true")
	c.response.Headers.Add("Vary", "Origin")
	return nil, nil
}

// requestObject exposes the Request to scripts.
type requestObject struct {
	req *Request
}

func (o *requestObject) Attr(name string) (lang.Value, error) {
	switch name {
	case "method":
		return o.req.Method, nil
	case "target":
		return o.req.Target, nil
	case "path":
		return o.req.Path, nil
	case "version", "http_version":
		return o.req.HTTPVersion, nil
	case "query":
		d := lang.NewDict()
		for k, v := range o.req.Query {
			d.Set(k, v)
		}
		return d, nil
	case "headers":
		return &headersView{headers: &o.req.Headers}, nil
	case "body":
		body, err := o.req.Body()
		if err != nil {
			return nil, err
		}
		return string(body), nil
	case "json":
		return o.req.JSON()
	case "form":
		return o.req.Form()
	}
	return nil, fmt.Errorf("request has no attribute %q", name)
}

// headersView lets scripts do request.headers['User-Agent'].
type headersView struct {
	headers *h1.Headers
}

func (v *headersView) Index(key lang.Value) (lang.Value, error) {
	name, ok := key.(string)
	if !ok {
		return nil, fmt.Errorf("header names are strings")
	}
	if !v.headers.Has(name) {
		return nil, nil
	}
	return v.headers.Get(name), nil
}

func (v *headersView) Attr(name string) (lang.Value, error) {
	switch name {
	case "get":
		return &lang.Builtin{Name: "headers.get", Fn: func(call *lang.Call) (lang.Value, error) {
			return v.Index(call.Arg(0, "name", ""))
		}}, nil
	}
	return nil, fmt.Errorf("headers have no attribute %q", name)
}
