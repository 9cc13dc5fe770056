package rules

import (
	"fmt"
	"html"
	"strings"

	"github.com/vfaronov/turq/rules/lang"
)

// bHTML is the html() capability. Called bare, it installs a simple default
// document; used as "with html() as doc:", the script builds the document
// element by element and it is serialised when the block ends.
func (c *Context) bHTML(call *lang.Call) (lang.Value, error) {
	title, err := call.StringArg(0, "title", "Hello world!")
	if err != nil {
		return nil, err
	}
	doc := &htmlDocument{title: title}
	doc.body.append(&htmlElement{tag: "h1", text: title})
	doc.body.append(&htmlElement{tag: "p", text: randomText()})
	c.setHTMLBody(doc)
	return &htmlScope{ctx: c, doc: doc}, nil
}

func (c *Context) setHTMLBody(doc *htmlDocument) {
	c.response.Headers.Set("Content-Type", "text/html; charset=utf-8")
	c.response.Body = []byte(doc.render())
}

// htmlScope re-renders the document with whatever the script built once the
// with block exits.
type htmlScope struct {
	ctx *Context
	doc *htmlDocument
}

func (s *htmlScope) Enter() (lang.Value, error) {
	// discard the default content; the script takes over
	s.doc.body.children = nil
	return &htmlElementObject{ctx: s.ctx, doc: s.doc, el: &s.doc.body}, nil
}

func (s *htmlScope) Exit(bodyErr error) error {
	if bodyErr == nil {
		s.ctx.setHTMLBody(s.doc)
	}
	return nil
}

type htmlDocument struct {
	title string
	body  htmlElement
}

type htmlElement struct {
	tag      string
	text     string
	attrs    []string // already-rendered ` name="value"` pairs
	children []*htmlElement
}

func (e *htmlElement) append(child *htmlElement) {
	e.children = append(e.children, child)
}

func (d *htmlDocument) render() string {
	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<title>")
	sb.WriteString(html.EscapeString(d.title))
	sb.WriteString("</title>\n</head>\n<body>\n")
	for _, child := range d.body.children {
		child.render(&sb, 0)
	}
	sb.WriteString("</body>\n</html>\n")
	return sb.String()
}

func (e *htmlElement) render(sb *strings.Builder, depth int) {
	indent := strings.Repeat("  ", depth)
	sb.WriteString(indent)
	sb.WriteString("<")
	sb.WriteString(e.tag)
	for _, a := range e.attrs {
		sb.WriteString(a)
	}
	sb.WriteString(">")
	sb.WriteString(html.EscapeString(e.text))
	if len(e.children) > 0 {
		sb.WriteString("\n")
		for _, child := range e.children {
			child.render(sb, depth+1)
		}
		sb.WriteString(indent)
	}
	sb.WriteString("</")
	sb.WriteString(e.tag)
	sb.WriteString(">\n")
}

// htmlElementObject lets scripts append children: doc.h1('Hi'),
// section = doc.div(class_='wrap'), section.p('text').
type htmlElementObject struct {
	ctx *Context
	doc *htmlDocument
	el  *htmlElement
}

func (o *htmlElementObject) Attr(name string) (lang.Value, error) {
	tag := strings.TrimSuffix(strings.ToLower(name), "_")
	if tag == "" || !isTagName(tag) {
		return nil, fmt.Errorf("bad element name %q", name)
	}
	return &lang.Builtin{Name: tag, Fn: func(call *lang.Call) (lang.Value, error) {
		child := &htmlElement{tag: tag}
		if text := call.Arg(0, "text", nil); text != nil {
			child.text = lang.Str(text)
		}
		for attr, v := range call.Kwargs {
			attr = strings.TrimSuffix(attr, "_") // class_ -> class
			child.attrs = append(child.attrs,
				fmt.Sprintf(" %s=%q", attr, html.EscapeString(lang.Str(v))))
		}
		o.el.append(child)
		return &htmlElementObject{ctx: o.ctx, doc: o.doc, el: child}, nil
	}}, nil
}

func isTagName(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
