package transport

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Framing selects how discrete JSON-RPC messages are delimited on the byte
// stream shared with the child process.
type Framing int

const (
	// FramingNewline delimits messages with a single '\n'. Used by tool
	// servers and by the editor-facing stdio server.
	FramingNewline Framing = iota
	// FramingHeader prefixes each message with "Content-Length: N\r\n\r\n".
	// Used by language servers.
	FramingHeader
)

func (f Framing) String() string {
	switch f {
	case FramingNewline:
		return "newline"
	case FramingHeader:
		return "header"
	}
	return fmt.Sprintf("framing(%d)", int(f))
}

// codec encodes one payload to wire bytes and extracts complete payloads from
// a receive buffer. decode returns a nil payload when the buffer does not yet
// hold a full frame; partial frames stay buffered.
type codec interface {
	encode(payload []byte) []byte
	decode(buf []byte) (payload []byte, consumed int, err error)
}

func codecFor(f Framing) codec {
	if f == FramingHeader {
		return headerCodec{}
	}
	return newlineCodec{}
}

type newlineCodec struct{}

func (newlineCodec) encode(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, payload...)
	return append(out, '\n')
}

func (newlineCodec) decode(buf []byte) ([]byte, int, error) {
	idx := bytes.IndexByte(buf, '\n')
	if idx < 0 {
		return nil, 0, nil
	}
	line := buf[:idx]
	// Tolerate \r\n line endings.
	line = bytes.TrimSuffix(line, []byte{'\r'})
	payload := make([]byte, len(line))
	copy(payload, line)
	return payload, idx + 1, nil
}

type headerCodec struct{}

const headerSeparator = "\r\n\r\n"

func (headerCodec) encode(payload []byte) []byte {
	header := fmt.Sprintf("Content-Length: %d%s", len(payload), headerSeparator)
	out := make([]byte, 0, len(header)+len(payload))
	out = append(out, header...)
	return append(out, payload...)
}

func (headerCodec) decode(buf []byte) ([]byte, int, error) {
	sep := bytes.Index(buf, []byte(headerSeparator))
	if sep < 0 {
		return nil, 0, nil
	}
	length := -1
	for _, line := range strings.Split(string(buf[:sep]), "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, 0, fmt.Errorf("invalid Content-Length %q", strings.TrimSpace(value))
			}
			length = n
		}
	}
	if length < 0 {
		return nil, 0, fmt.Errorf("frame header missing Content-Length")
	}
	start := sep + len(headerSeparator)
	if len(buf) < start+length {
		// The declared byte count has not fully arrived yet.
		return nil, 0, nil
	}
	payload := make([]byte, length)
	copy(payload, buf[start:start+length])
	return payload, start + length, nil
}

// decoder accumulates raw bytes and yields complete frames. A frame is only
// parsed once its full byte length is present; everything else stays buffered.
type decoder struct {
	c   codec
	buf bytes.Buffer
}

func newDecoder(f Framing) *decoder {
	return &decoder{c: codecFor(f)}
}

func (d *decoder) feed(p []byte) {
	d.buf.Write(p)
}

// next returns the next complete payload, or nil if more bytes are needed.
func (d *decoder) next() ([]byte, error) {
	payload, consumed, err := d.c.decode(d.buf.Bytes())
	if err != nil {
		return nil, err
	}
	if consumed == 0 {
		return nil, nil
	}
	d.buf.Next(consumed)
	return payload, nil
}
