package rules

import (
	"bytes"
	"compress/gzip"
	"io"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vfaronov/turq/h1"
)

// fakeTransport mimics just enough codec state for the engine: headers can
// be sent once, then body, then end of message.
type fakeTransport struct {
	our      h1.State
	their    h1.State
	incoming []h1.Event
	sent     []h1.Event
	raw      []byte
}

func newFakeTransport(bodyEvents ...h1.Event) *fakeTransport {
	f := &fakeTransport{
		our:      h1.StateSendHeaders,
		their:    h1.StateDone,
		incoming: bodyEvents,
	}
	if len(bodyEvents) > 0 {
		f.their = h1.StateSendBody
	}
	return f
}

func (f *fakeTransport) ReceiveEvent() (h1.Event, error) {
	if len(f.incoming) == 0 {
		f.their = h1.StateDone
		return h1.EndOfMessage{}, nil
	}
	ev := f.incoming[0]
	f.incoming = f.incoming[1:]
	if _, ok := ev.(h1.EndOfMessage); ok {
		f.their = h1.StateDone
	}
	return ev, nil
}

func (f *fakeTransport) SendEvent(ev h1.Event) error {
	f.sent = append(f.sent, ev)
	switch ev := ev.(type) {
	case h1.Response:
		if ev.StatusCode == 101 {
			f.our = h1.StateSwitched
		} else {
			f.our = h1.StateSendBody
		}
	case h1.EndOfMessage:
		f.our = h1.StateDone
	}
	return nil
}

func (f *fakeTransport) SendRaw(data []byte) error {
	f.raw = append(f.raw, data...)
	return nil
}

func (f *fakeTransport) OurState() h1.State   { return f.our }
func (f *fakeTransport) TheirState() h1.State { return f.their }

func (f *fakeTransport) response(t *testing.T) h1.Response {
	t.Helper()
	for _, ev := range f.sent {
		if resp, ok := ev.(h1.Response); ok {
			return resp
		}
	}
	t.Fatal("no response was sent")
	return h1.Response{}
}

func (f *fakeTransport) body() []byte {
	var body []byte
	for _, ev := range f.sent {
		if data, ok := ev.(h1.Data); ok {
			body = append(body, data.Bytes...)
		}
	}
	return body
}

func (f *fakeTransport) eom(t *testing.T) h1.EndOfMessage {
	t.Helper()
	for _, ev := range f.sent {
		if eom, ok := ev.(h1.EndOfMessage); ok {
			return eom
		}
	}
	t.Fatal("no end of message was sent")
	return h1.EndOfMessage{}
}

func testRequest(method, target string, fields ...h1.Field) h1.Request {
	headers := h1.NewHeaders(append([]h1.Field{{Name: "Host", Value: "example"}}, fields...)...)
	return h1.Request{Method: method, Target: target, HTTPVersion: "1.1", Headers: headers}
}

var testClock = clockwork.NewFakeClockAt(time.Date(2016, 11, 12, 9, 30, 0, 0, time.UTC))

func runScript(t *testing.T, source string, ev h1.Request, transport *fakeTransport) error {
	t.Helper()
	prog, err := Compile("<test>", source)
	require.NoError(t, err)
	log := logrus.New()
	log.SetOutput(io.Discard)
	ctx := NewContext(transport, NewRequest(ev, transport), log.WithField("conn", 0), testClock)
	return ctx.Run(prog)
}

func TestEmptyScriptIs200(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	require.NoError(t, runScript(t, "", testRequest("GET", "/"), f))

	resp := f.response(t)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "Sat, 12 Nov 2016 09:30:00 GMT", resp.Headers.Get("Date"))
	assert.Len(t, resp.Headers.Values("Date"), 1, "exactly one Date header")
	assert.Empty(t, f.body())
}

func TestExplicitDateIsKept(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	require.NoError(t, runScript(t, "header('Date', 'Thu, 01 Jan 1970 00:00:00 GMT')",
		testRequest("GET", "/"), f))
	resp := f.response(t)
	assert.Equal(t, []string{"Thu, 01 Jan 1970 00:00:00 GMT"}, resp.Headers.Values("Date"))
}

func TestErrorRule(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	require.NoError(t, runScript(t, "error(404)", testRequest("GET", "/"), f))

	resp := f.response(t)
	assert.Equal(t, 404, resp.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Headers.Get("Content-Type"))
	assert.Contains(t, string(f.body()), "Error!")
}

func TestHeaderAndBody(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	require.NoError(t, runScript(t, "header('X-Foo', 'bar'); body('hello world')",
		testRequest("GET", "/"), f))

	resp := f.response(t)
	assert.Equal(t, []string{"bar"}, resp.Headers.Values("X-Foo"))
	assert.Equal(t, "hello world", string(f.body()))
}

func TestStatusReason(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	require.NoError(t, runScript(t, "status(567, 'Made Up')", testRequest("GET", "/"), f))
	resp := f.response(t)
	assert.Equal(t, 567, resp.StatusCode)
	assert.Equal(t, "Made Up", resp.Reason)
}

func TestPostFlushHeadersGoToTrailer(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	require.NoError(t, runScript(t, `
header('X-Early', '1')
flush(body=false)
chunk('data')
header('X-Late', '2')
`, testRequest("GET", "/"), f))

	resp := f.response(t)
	assert.True(t, resp.Headers.Has("X-Early"))
	assert.False(t, resp.Headers.Has("X-Late"), "post-flush headers never in the first block")
	eom := f.eom(t)
	assert.Equal(t, "2", eom.Trailers.Get("X-Late"))
	assert.False(t, eom.Trailers.Has("X-Early"))
}

func TestDoubleFlushSendsOnce(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	require.NoError(t, runScript(t, "body('x')\nflush()\nflush()", testRequest("GET", "/"), f))

	var responses, eoms int
	for _, ev := range f.sent {
		switch ev.(type) {
		case h1.Response:
			responses++
		case h1.EndOfMessage:
			eoms++
		}
	}
	assert.Equal(t, 1, responses)
	assert.Equal(t, 1, eoms)
	assert.Equal(t, "x", string(f.body()))
}

func TestChunkClearsBufferedBody(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	require.NoError(t, runScript(t, "body('buffered')\nchunk('streamed')",
		testRequest("GET", "/"), f))
	assert.Equal(t, "streamed", string(f.body()), "buffered body must not be re-sent")
}

func TestHeadSuppressesChunks(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	require.NoError(t, runScript(t, "text('Hello')\nchunk('more')",
		testRequest("HEAD", "/"), f))
	resp := f.response(t)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Headers.Get("Content-Type"))
	assert.Empty(t, f.body())
}

func TestInterim(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	require.NoError(t, runScript(t, `
with interim():
    status(100)
body('ok')
`, testRequest("POST", "/"), f))

	require.NotEmpty(t, f.sent)
	interim, ok := f.sent[0].(h1.InformationalResponse)
	require.True(t, ok, "interim response goes first, got %T", f.sent[0])
	assert.Equal(t, 100, interim.StatusCode)

	resp := f.response(t)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "ok", string(f.body()))
}

func TestInterimRestoredOnError(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	err := runScript(t, `
with interim():
    status(100)
    undefined_name
`, testRequest("POST", "/"), f)
	require.NoError(t, err, "script errors become a 500, not a failure")
	resp := f.response(t)
	assert.Equal(t, 500, resp.StatusCode, "the main response is what fails, not the interim")
}

func TestScriptErrorBecomes500(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	require.NoError(t, runScript(t, "status(204)\nboom()", testRequest("GET", "/"), f))
	resp := f.response(t)
	assert.Equal(t, 500, resp.StatusCode, "partial response is discarded")
	assert.Contains(t, string(f.body()), "Error in rules")
}

func TestScriptErrorAfterFlushClosesConnection(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	err := runScript(t, "flush(body=false)\nboom()", testRequest("GET", "/"), f)
	require.Error(t, err, "nothing safe can be written once the response started")
}

func TestBasicAuthChallenge(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	require.NoError(t, runScript(t, "basic_auth()\ntext('secret')", testRequest("GET", "/"), f))

	resp := f.response(t)
	assert.Equal(t, 401, resp.StatusCode)
	assert.Contains(t, resp.Headers.Get("WWW-Authenticate"), "Basic realm=\"Turq\"")
	assert.NotContains(t, string(f.body()), "secret", "remaining rules are skipped")
}

func TestBasicAuthPassesThrough(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	require.NoError(t, runScript(t, "basic_auth()\ntext('secret')",
		testRequest("GET", "/", h1.Field{Name: "Authorization", Value: "Basic dXNlcjpwYXNz"}), f))

	resp := f.response(t)
	assert.Equal(t, 200, resp.StatusCode)
	assert.False(t, resp.Headers.Has("WWW-Authenticate"))
	assert.Equal(t, "secret", string(f.body()))
}

func TestDigestAuthChallenge(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	require.NoError(t, runScript(t, "digest_auth()", testRequest("GET", "/"), f))
	resp := f.response(t)
	challenge := resp.Headers.Get("WWW-Authenticate")
	assert.Contains(t, challenge, "Digest realm=\"Turq\"")
	assert.Contains(t, challenge, "qop=\"auth\"")
	assert.Contains(t, challenge, "nonce=")
}

func TestBearerAuthChallenge(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	require.NoError(t, runScript(t, "bearer_auth()", testRequest("GET", "/"), f))
	resp := f.response(t)
	assert.Contains(t, resp.Headers.Get("WWW-Authenticate"), "Bearer")
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	require.NoError(t, runScript(t, "cors()\ntext('actual')", testRequest("OPTIONS", "/",
		h1.Field{Name: "Origin", Value: "http://app.example"},
		h1.Field{Name: "Access-Control-Request-Method", Value: "PUT"}), f))

	resp := f.response(t)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "http://app.example", resp.Headers.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "PUT", resp.Headers.Get("Access-Control-Allow-Methods"))
	assert.NotContains(t, string(f.body()), "actual", "preflight skips the rest")
}

func TestCORSActualRequest(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	require.NoError(t, runScript(t, "cors()\ntext('actual')", testRequest("GET", "/",
		h1.Field{Name: "Origin", Value: "http://app.example"}), f))

	resp := f.response(t)
	assert.Equal(t, "http://app.example", resp.Headers.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Headers.Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "actual", string(f.body()))
}

func TestRouteCaptures(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	require.NoError(t, runScript(t, `
if route('/items/:id/reviews/:review'):
    json({'id': id, 'review': review})
else:
    error(404)
`, testRequest("GET", "/items/42/reviews/7?verbose=1"), f))

	resp := f.response(t)
	assert.Equal(t, 200, resp.StatusCode)
	assert.JSONEq(t, `{"id": "42", "review": "7"}`, string(f.body()))
}

func TestRouteMismatch(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	require.NoError(t, runScript(t, `
if route('/items/:id'):
    text('found')
else:
    error(404)
`, testRequest("GET", "/users/42"), f))
	assert.Equal(t, 404, f.response(t).StatusCode)
}

func TestMethodFlags(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	require.NoError(t, runScript(t, `
if POST:
    text('posted')
elif GET:
    text('got')
`, testRequest("POST", "/"), f))
	assert.Equal(t, "posted", string(f.body()))
}

func TestJSON(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	require.NoError(t, runScript(t, "json({'b': 1, 'a': [true, none]})", testRequest("GET", "/"), f))
	resp := f.response(t)
	assert.Equal(t, "application/json", resp.Headers.Get("Content-Type"))
	assert.Equal(t, `{"b":1,"a":[true,null]}`, string(f.body()), "insertion order is kept")
}

func TestJSONP(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	require.NoError(t, runScript(t, "json({'a': 1}, jsonp=true)",
		testRequest("GET", "/data?callback=cb123"), f))
	resp := f.response(t)
	assert.Equal(t, "application/javascript", resp.Headers.Get("Content-Type"))
	assert.Equal(t, `cb123({"a":1});`, string(f.body()))
}

func TestRedirect(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	require.NoError(t, runScript(t, "redirect('/new')", testRequest("GET", "/old"), f))
	resp := f.response(t)
	assert.Equal(t, 302, resp.StatusCode)
	assert.Equal(t, "/new", resp.Headers.Get("Location"))
}

func TestGzip(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	require.NoError(t, runScript(t, "text('squeeze me')\ngzip()", testRequest("GET", "/"), f))

	resp := f.response(t)
	assert.Equal(t, "gzip", resp.Headers.Get("Content-Encoding"))
	zr, err := gzip.NewReader(bytes.NewReader(f.body()))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "squeeze me", string(plain))
}

func TestFramingContentLength(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	require.NoError(t, runScript(t, "body('12345')\nframing(content_length=true)",
		testRequest("GET", "/"), f))
	resp := f.response(t)
	assert.Equal(t, "5", resp.Headers.Get("Content-Length"))
}

func TestFramingKeepAlive(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	require.NoError(t, runScript(t, "framing(keep_alive=false)", testRequest("GET", "/"), f))
	resp := f.response(t)
	assert.True(t, resp.Headers.TokenListContains("Connection", "close"))
}

func TestMaybeExtremes(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	require.NoError(t, runScript(t, `
if maybe(1.0):
    text('always')
if maybe(0.0):
    text('never')
`, testRequest("GET", "/"), f))
	assert.Equal(t, "always", string(f.body()))
}

func TestSendRaw(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	require.NoError(t, runScript(t, `
status(101)
header('Upgrade', 'echo')
flush(body=false)
send_raw('raw payload')
`, testRequest("GET", "/"), f))
	assert.Equal(t, 101, f.response(t).StatusCode)
	assert.Equal(t, "raw payload", string(f.raw))
}

func TestRequestBodyAccess(t *testing.T) {
	t.Parallel()

	f := newFakeTransport(
		h1.Data{Bytes: []byte("ping")},
		h1.EndOfMessage{},
	)
	require.NoError(t, runScript(t, "body('got ' + request.body)",
		testRequest("POST", "/", h1.Field{Name: "Content-Length", Value: "4"}), f))
	assert.Equal(t, "got ping", string(f.body()))
}

func TestRequestBodyDrainedEvenIfUnused(t *testing.T) {
	t.Parallel()

	f := newFakeTransport(
		h1.Data{Bytes: []byte("unused")},
		h1.EndOfMessage{},
	)
	require.NoError(t, runScript(t, "status(204)",
		testRequest("POST", "/", h1.Field{Name: "Content-Length", Value: "6"}), f))
	assert.Equal(t, h1.StateDone, f.their, "request must be drained for connection reuse")
}

func TestRequestJSONView(t *testing.T) {
	t.Parallel()

	f := newFakeTransport(
		h1.Data{Bytes: []byte(`{"name": "turq", "port": 13085}`)},
		h1.EndOfMessage{},
	)
	require.NoError(t, runScript(t, "json({'hello': request.json['name']})",
		testRequest("POST", "/", h1.Field{Name: "Content-Type", Value: "application/json"}), f))
	assert.Equal(t, `{"hello":"turq"}`, string(f.body()))
}

func TestRequestFormView(t *testing.T) {
	t.Parallel()

	f := newFakeTransport(
		h1.Data{Bytes: []byte("name=turq&kind=mock")},
		h1.EndOfMessage{},
	)
	require.NoError(t, runScript(t, "text(request.form['name'] + '/' + request.form['kind'])",
		testRequest("POST", "/",
			h1.Field{Name: "Content-Type", Value: "application/x-www-form-urlencoded"}), f))
	assert.Equal(t, "turq/mock", string(f.body()))
}

func TestQueryBareName(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	require.NoError(t, runScript(t, "text(query['q'])", testRequest("GET", "/search?q=needle&q=other"), f))
	assert.Equal(t, "needle", string(f.body()), "first value per name")
}

func TestHTMLBuilder(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	require.NoError(t, runScript(t, `
with html('My page') as doc:
    doc.h1('Heading')
    section = doc.div(class_='wrap')
    section.p('Some <text> & stuff')
`, testRequest("GET", "/"), f))

	resp := f.response(t)
	assert.Equal(t, "text/html; charset=utf-8", resp.Headers.Get("Content-Type"))
	page := string(f.body())
	assert.Contains(t, page, "<!DOCTYPE html>")
	assert.Contains(t, page, "<title>My page</title>")
	assert.Contains(t, page, "<h1>Heading</h1>")
	assert.Contains(t, page, `<div class="wrap">`)
	assert.Contains(t, page, "Some &lt;text&gt; &amp; stuff")
}

func TestSleepUsesClock(t *testing.T) {
	t.Parallel()

	f := newFakeTransport()
	clock := clockwork.NewRealClock()
	prog, err := Compile("<test>", "sleep(0.01)")
	require.NoError(t, err)
	log := logrus.New()
	log.SetOutput(io.Discard)
	ctx := NewContext(f, NewRequest(testRequest("GET", "/"), f), log.WithField("conn", 0), clock)
	start := time.Now()
	require.NoError(t, ctx.Run(prog))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}
