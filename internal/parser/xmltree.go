package parser

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"
)

// xmlNode is a minimal element tree with byte offsets, built from the
// streaming decoder so that a syntax error still leaves every element read
// so far in place.
type xmlNode struct {
	name     string // local name
	attrs    map[string]string
	children []*xmlNode
	text     strings.Builder
	start    int
	end      int
}

func (n *xmlNode) attr(name string) string {
	return n.attrs[name]
}

func (n *xmlNode) child(name string) *xmlNode {
	if n == nil {
		return nil
	}
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

func (n *xmlNode) childrenNamed(name string) []*xmlNode {
	if n == nil {
		return nil
	}
	var out []*xmlNode
	for _, c := range n.children {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

// path follows a chain of child names.
func (n *xmlNode) path(names ...string) *xmlNode {
	for _, name := range names {
		n = n.child(name)
	}
	return n
}

func (n *xmlNode) value() string {
	if n == nil {
		return ""
	}
	return strings.TrimSpace(n.text.String())
}

// walk visits n and its descendants depth-first.
func (n *xmlNode) walk(fn func(*xmlNode) bool) {
	if n == nil || !fn(n) {
		return
	}
	for _, c := range n.children {
		c.walk(fn)
	}
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// xmlSyntaxError carries the offset where decoding stopped.
type xmlSyntaxError struct {
	offset int
	reason string
}

// parseXMLTree decodes src into a tree rooted at a synthetic document node.
// On malformed input the returned tree holds everything decoded before the
// error, with unfinished elements closed at the error offset.
func parseXMLTree(src []byte) (*xmlNode, *xmlSyntaxError) {
	doc := &xmlNode{name: "#document", end: len(src)}
	stack := []*xmlNode{doc}

	base := 0
	if bytes.HasPrefix(src, utf8BOM) {
		base = len(utf8BOM)
	}
	dec := xml.NewDecoder(bytes.NewReader(src[base:]))
	dec.Strict = true
	dec.CharsetReader = func(_ string, r io.Reader) (io.Reader, error) { return r, nil }

	for {
		offset := base + int(dec.InputOffset())
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(stack) > 1 {
					return doc, closeAll(stack, len(src), "unexpected end of document")
				}
				return doc, nil
			}
			at := base + int(dec.InputOffset())
			var se *xml.SyntaxError
			reason := err.Error()
			if errors.As(err, &se) {
				reason = se.Msg
			}
			return doc, closeAll(stack, at, reason)
		}

		top := stack[len(stack)-1]
		switch t := tok.(type) {
		case xml.StartElement:
			n := &xmlNode{name: t.Name.Local, start: offset}
			if len(t.Attr) > 0 {
				n.attrs = make(map[string]string, len(t.Attr))
				for _, a := range t.Attr {
					n.attrs[a.Name.Local] = a.Value
				}
			}
			top.children = append(top.children, n)
			stack = append(stack, n)
		case xml.EndElement:
			top.end = base + int(dec.InputOffset())
			stack = stack[:len(stack)-1]
		case xml.CharData:
			top.text.Write(t)
		}
	}
}

func closeAll(stack []*xmlNode, at int, reason string) *xmlSyntaxError {
	for _, n := range stack[1:] {
		n.end = at
	}
	return &xmlSyntaxError{offset: at, reason: reason}
}
