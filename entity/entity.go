package entity

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/textproto"
	"golang.org/x/text/encoding/ianaindex"
)

// ErrParse marks raw bytes that could not be read as a MIME message.
var ErrParse = errors.New("parse message")

// Entity is one node of a message tree. A leaf keeps its body exactly as it
// was transferred; a container keeps its children instead. Never both.
type Entity struct {
	Header message.Header

	multipart bool
	body      []byte
	children  []*Entity
}

// Parse reads raw message bytes into a tree.
func Parse(raw []byte) (*Entity, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	header, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrParse, err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("%w: body: %v", ErrParse, err)
	}
	return build(message.Header{Header: header}, body)
}

func build(header message.Header, body []byte) (*Entity, error) {
	e := &Entity{Header: header}

	mediaType, params := contentType(header)
	boundary := params["boundary"]
	if !strings.HasPrefix(mediaType, "multipart/") || boundary == "" {
		e.body = body
		return e, nil
	}

	e.multipart = true
	e.children = []*Entity{}
	mr := textproto.NewMultipartReader(bytes.NewReader(body), boundary)
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: part %d: %v", ErrParse, len(e.children), err)
		}
		partBody, err := io.ReadAll(p)
		if err != nil {
			return nil, fmt.Errorf("%w: part %d body: %v", ErrParse, len(e.children), err)
		}
		child, err := build(message.Header{Header: p.Header}, partBody)
		if err != nil {
			return nil, err
		}
		e.children = append(e.children, child)
	}
	return e, nil
}

// IsMultipart reports whether e is a container.
func (e *Entity) IsMultipart() bool {
	return e.multipart
}

// Children returns the direct children of a container, nil for a leaf.
func (e *Entity) Children() []*Entity {
	return e.children
}

// RemoveChild drops child from e. It reports whether child was found.
func (e *Entity) RemoveChild(child *Entity) bool {
	for i, c := range e.children {
		if c == child {
			e.children = append(e.children[:i:i], e.children[i+1:]...)
			return true
		}
	}
	return false
}

// MediaType returns the lower-cased main type and subtype. Missing or
// malformed Content-Type headers are treated as text/plain.
func (e *Entity) MediaType() (mainType, subType string) {
	mediaType, _ := contentType(e.Header)
	mainType, subType, _ = strings.Cut(mediaType, "/")
	return mainType, subType
}

// Charset returns the charset parameter of the Content-Type header.
func (e *Entity) Charset() string {
	_, params := contentType(e.Header)
	return strings.ToLower(params["charset"])
}

// Disposition returns the Content-Disposition value, if any.
func (e *Entity) Disposition() string {
	disp, _, err := e.Header.ContentDisposition()
	if err != nil {
		return ""
	}
	return strings.ToLower(disp)
}

// RawBody returns the transfer-encoded body of a leaf.
func (e *Entity) RawBody() []byte {
	return e.body
}

// Walk visits e and every descendant depth-first, parents before children.
// parent is nil for the root. Returning an error stops the walk.
func (e *Entity) Walk(fn func(node, parent *Entity) error) error {
	return e.walk(nil, fn)
}

func (e *Entity) walk(parent *Entity, fn func(node, parent *Entity) error) error {
	if err := fn(e, parent); err != nil {
		return err
	}
	// Copy so fn may remove children of e while the walk is running.
	children := append([]*Entity(nil), e.children...)
	for _, child := range children {
		if err := child.walk(e, fn); err != nil {
			return err
		}
	}
	return nil
}

// Text returns the body of a leaf with transfer encoding removed and
// converted from its charset to UTF-8.
func (e *Entity) Text() (string, error) {
	if e.multipart {
		return "", fmt.Errorf("text of multipart entity")
	}
	decoded, err := message.New(e.Header, bytes.NewReader(e.body))
	if err != nil {
		return "", fmt.Errorf("decode body: %w", err)
	}
	text, err := io.ReadAll(decoded.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(text), nil
}

// SetText replaces the body of a leaf, encoding text into the leaf's own
// charset and Content-Transfer-Encoding. Headers are left as they are.
func (e *Entity) SetText(text string) error {
	if e.multipart {
		return fmt.Errorf("set text of multipart entity")
	}

	payload := []byte(text)
	if charset := e.Charset(); charset != "" && !isUTF8(charset) {
		enc, err := ianaindex.IANA.Encoding(charset)
		if err != nil || enc == nil {
			return fmt.Errorf("unsupported charset %q", charset)
		}
		payload, err = enc.NewEncoder().Bytes(payload)
		if err != nil {
			return fmt.Errorf("encode %s: %w", charset, err)
		}
	}

	body, err := transferEncode(e.Header.Get("Content-Transfer-Encoding"), payload)
	if err != nil {
		return err
	}
	e.body = body
	return nil
}

// transferEncode runs payload through go-message's body writer for the given
// Content-Transfer-Encoding and returns the encoded body alone.
func transferEncode(cte string, payload []byte) ([]byte, error) {
	var h message.Header
	if cte != "" {
		h.Set("Content-Transfer-Encoding", cte)
	}

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create body writer: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}

	br := bufio.NewReader(&buf)
	if _, err := textproto.ReadHeader(br); err != nil {
		return nil, fmt.Errorf("strip header: %w", err)
	}
	return io.ReadAll(br)
}

// WriteTo serializes the tree. Leaves are written with their stored bodies.
func (e *Entity) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	if err := textproto.WriteHeader(cw, e.Header.Header); err != nil {
		return cw.n, fmt.Errorf("write header: %w", err)
	}
	err := e.writeBody(cw)
	return cw.n, err
}

func (e *Entity) writeBody(w io.Writer) error {
	if !e.multipart {
		_, err := w.Write(e.body)
		return err
	}

	_, params := contentType(e.Header)
	mw := textproto.NewMultipartWriter(w)
	if err := mw.SetBoundary(params["boundary"]); err != nil {
		return fmt.Errorf("set boundary: %w", err)
	}
	for _, child := range e.children {
		pw, err := mw.CreatePart(child.Header.Header)
		if err != nil {
			return fmt.Errorf("create part: %w", err)
		}
		if err := child.writeBody(pw); err != nil {
			return err
		}
	}
	return mw.Close()
}

// Bytes returns the serialized message.
func (e *Entity) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := e.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func contentType(h message.Header) (string, map[string]string) {
	mediaType, params, err := h.ContentType()
	if err != nil || mediaType == "" {
		return "text/plain", map[string]string{}
	}
	if params == nil {
		params = map[string]string{}
	}
	return strings.ToLower(mediaType), params
}

func isUTF8(charset string) bool {
	switch charset {
	case "utf-8", "utf8", "us-ascii", "ascii":
		return true
	}
	return false
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
