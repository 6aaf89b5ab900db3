package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewlineDecodeSplitAcrossChunks(t *testing.T) {
	dec := newDecoder(FramingNewline)

	dec.feed([]byte(`{"jsonrpc":"2.0","id":1,`))
	payload, err := dec.next()
	require.NoError(t, err)
	require.Nil(t, payload, "partial frame must stay buffered")

	dec.feed([]byte(`"result":{}}` + "\n"))
	payload, err = dec.next()
	require.NoError(t, err)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, string(payload))
}

func TestNewlineDecodeMultipleFramesInOneChunk(t *testing.T) {
	dec := newDecoder(FramingNewline)
	dec.feed([]byte("{\"id\":1}\n{\"id\":2}\r\n{\"id\":3}"))

	first, err := dec.next()
	require.NoError(t, err)
	require.Equal(t, `{"id":1}`, string(first))

	second, err := dec.next()
	require.NoError(t, err)
	require.Equal(t, `{"id":2}`, string(second), "\\r\\n endings are tolerated")

	third, err := dec.next()
	require.NoError(t, err)
	require.Nil(t, third, "trailing partial line is retained")

	dec.feed([]byte("\n"))
	third, err = dec.next()
	require.NoError(t, err)
	require.Equal(t, `{"id":3}`, string(third))
}

func TestHeaderDecodeWaitsForDeclaredLength(t *testing.T) {
	dec := newDecoder(FramingHeader)
	body := `{"jsonrpc":"2.0","id":7,"result":null}`

	dec.feed([]byte("Content-Length: "))
	payload, err := dec.next()
	require.NoError(t, err)
	require.Nil(t, payload)

	dec.feed([]byte("38\r\n\r\n" + body[:10]))
	payload, err = dec.next()
	require.NoError(t, err)
	require.Nil(t, payload, "body shorter than Content-Length must wait")

	dec.feed([]byte(body[10:]))
	payload, err = dec.next()
	require.NoError(t, err)
	require.Equal(t, body, string(payload))
}

func TestHeaderDecodeExtraHeaders(t *testing.T) {
	dec := newDecoder(FramingHeader)
	dec.feed([]byte("Content-Type: application/vscode-jsonrpc\r\ncontent-length: 2\r\n\r\n{}"))
	payload, err := dec.next()
	require.NoError(t, err)
	require.Equal(t, "{}", string(payload))
}

func TestHeaderDecodeMissingLength(t *testing.T) {
	dec := newDecoder(FramingHeader)
	dec.feed([]byte("Content-Type: text/plain\r\n\r\n"))
	_, err := dec.next()
	require.Error(t, err)
}

func TestHeaderEncodeRoundTrip(t *testing.T) {
	c := headerCodec{}
	frame := c.encode([]byte(`{"id":1}`))
	require.Equal(t, "Content-Length: 8\r\n\r\n{\"id\":1}", string(frame))

	payload, consumed, err := c.decode(frame)
	require.NoError(t, err)
	require.Equal(t, len(frame), consumed)
	require.Equal(t, `{"id":1}`, string(payload))
}
