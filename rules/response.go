package rules

import (
	"strconv"
	"time"

	"github.com/vfaronov/turq/h1"
	"github.com/vfaronov/turq/util/httpx"
)

// Response is the answer a rules script builds up. It stays mutable until
// the headers are flushed; after that, header changes accumulate into the
// trailer section.
type Response struct {
	StatusCode int
	Reason     string // empty means the default phrase for the status
	Headers    h1.Headers
	Body       []byte

	UseContentLength bool
	KeepAlive        bool
}

func NewResponse() *Response {
	return &Response{
		StatusCode: 200,
		KeepAlive:  true,
	}
}

// finalize fills in what the script left implicit, just before the status
// line goes on the wire.
func (r *Response) finalize(now time.Time) {
	if r.Reason == "" {
		r.Reason = httpx.DefaultReason(r.StatusCode)
	}
	if r.StatusCode >= 200 && r.StatusCode <= 499 && !r.Headers.Has("Date") {
		r.Headers.Set("Date", httpx.Date(now))
	}
	if r.UseContentLength && !r.Headers.Has("Content-Length") {
		r.Headers.Set("Content-Length", strconv.Itoa(len(r.Body)))
	}
	if !r.KeepAlive && !r.Headers.TokenListContains("Connection", "close") {
		r.Headers.Add("Connection", "close")
	}
}
