package rules

import (
	"encoding/json"
	"fmt"
	"mime"
	"mime/multipart"
	"net/url"
	"sort"
	"strings"

	"github.com/vfaronov/turq/h1"
	"github.com/vfaronov/turq/rules/lang"
)

// Transport is the slice of the connection driver that the rules engine
// needs: pulling and pushing codec events on the one socket it owns.
type Transport interface {
	ReceiveEvent() (h1.Event, error)
	SendEvent(ev h1.Event) error
	SendRaw(data []byte) error
	OurState() h1.State
	TheirState() h1.State
}

// Request is the incoming request as seen by a rules script. The body is
// not read off the socket until something asks for it.
type Request struct {
	Method      string
	Target      string
	HTTPVersion string
	Path        string
	Query       map[string]string
	Headers     h1.Headers

	transport Transport
	body      []byte
	bodyRead  bool
}

func NewRequest(ev h1.Request, transport Transport) *Request {
	req := &Request{
		Method:      ev.Method,
		Target:      ev.Target,
		HTTPVersion: ev.HTTPVersion,
		Headers:     ev.Headers,
		transport:   transport,
		Query:       make(map[string]string),
	}
	req.Path = ev.Target
	if u, err := url.ParseRequestURI(ev.Target); err == nil {
		req.Path = u.Path
		for name, values := range u.Query() {
			if len(values) > 0 {
				req.Query[name] = values[0]
			}
		}
	} else if path, _, ok := strings.Cut(ev.Target, "?"); ok {
		req.Path = path
	}
	return req
}

// RawHeaders returns the header fields in wire order with original case.
func (r *Request) RawHeaders() []h1.Field {
	return r.Headers.Fields()
}

// Body drains the request body from the connection on first call and
// returns it; later calls return the same bytes. Trailer fields, if any,
// are merged into the headers, the way the peer intended them to be read.
func (r *Request) Body() ([]byte, error) {
	if r.bodyRead {
		return r.body, nil
	}
	if r.transport == nil || r.transport.TheirState() != h1.StateSendBody {
		r.bodyRead = true
		return nil, nil
	}
	var chunks [][]byte
	for {
		ev, err := r.transport.ReceiveEvent()
		if err != nil {
			return nil, err
		}
		switch ev := ev.(type) {
		case h1.Data:
			chunks = append(chunks, ev.Bytes)
		case h1.EndOfMessage:
			for _, f := range ev.Trailers.Fields() {
				r.Headers.Add(f.Name, f.Value)
			}
			r.body = joinChunks(chunks)
			r.bodyRead = true
			return r.body, nil
		default:
			return nil, fmt.Errorf("unexpected %T while reading request body", ev)
		}
	}
}

func joinChunks(chunks [][]byte) []byte {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	body := make([]byte, 0, n)
	for _, c := range chunks {
		body = append(body, c...)
	}
	return body
}

// JSON parses the body as JSON if the request looks like JSON, converting
// it into rules-language values. Returns nil when it does not apply.
func (r *Request) JSON() (lang.Value, error) {
	ctype := r.Headers.Get("Content-Type")
	if !strings.Contains(strings.ToLower(ctype), "json") {
		return nil, nil
	}
	body, err := r.Body()
	if err != nil {
		return nil, err
	}
	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("request body is not valid JSON: %w", err)
	}
	return jsonToValue(parsed), nil
}

// Form parses the body as a web form: URL-encoded or multipart. Returns nil
// for other content types.
func (r *Request) Form() (lang.Value, error) {
	ctype, params, err := mime.ParseMediaType(r.Headers.Get("Content-Type"))
	if err != nil {
		return nil, nil
	}
	switch ctype {
	case "application/x-www-form-urlencoded":
		body, err := r.Body()
		if err != nil {
			return nil, err
		}
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("cannot parse form body: %w", err)
		}
		d := lang.NewDict()
		names := make([]string, 0, len(values))
		for name := range values {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			d.Set(name, values[name][0])
		}
		return d, nil

	case "multipart/form-data":
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart form without boundary")
		}
		body, err := r.Body()
		if err != nil {
			return nil, err
		}
		mr := multipart.NewReader(strings.NewReader(string(body)), boundary)
		form, err := mr.ReadForm(10 << 20)
		if err != nil {
			return nil, fmt.Errorf("cannot parse multipart form: %w", err)
		}
		defer form.RemoveAll()
		d := lang.NewDict()
		names := make([]string, 0, len(form.Value))
		for name := range form.Value {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			d.Set(name, form.Value[name][0])
		}
		return d, nil
	}
	return nil, nil
}

func jsonToValue(v any) lang.Value {
	switch v := v.(type) {
	case map[string]any:
		d := lang.NewDict()
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			d.Set(k, jsonToValue(v[k]))
		}
		return d
	case []any:
		list := make([]lang.Value, 0, len(v))
		for _, e := range v {
			list = append(list, jsonToValue(e))
		}
		return list
	case float64:
		if v == float64(int64(v)) {
			return int64(v)
		}
		return v
	case nil, bool, string:
		return v
	}
	return fmt.Sprintf("%v", v)
}
