package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phuhao00/pandarpc/infra/codec"
	"github.com/phuhao00/pandarpc/infra/compress"
)

func newTestMessageCodec() *MessageCodec {
	return NewMessageCodec(codec.NewRegistry(), compress.NewRegistry())
}

func TestFrameRoundTrip(t *testing.T) {
	in := &Frame{
		Version:     Version,
		Type:        MessageTypeRequest,
		CodecTag:    codec.TagJSON,
		CompressTag: compress.TagNone,
		RequestID:   12345,
		Payload:     []byte(`{"interface":"hello"}`),
	}
	data, err := EncodeFrame(in)
	require.NoError(t, err)
	assert.Len(t, data, HeaderLength+len(in.Payload))

	out, err := DecodeFrame(bytes.NewReader(data), 0)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	data, err := EncodeFrame(&Frame{Version: Version, Type: MessageTypeRequest, RequestID: 1})
	require.NoError(t, err)
	binary.BigEndian.PutUint32(data[0:4], 0xDEADBEEF)

	_, err = DecodeFrame(bytes.NewReader(data), 0)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	data, err := EncodeFrame(&Frame{Version: Version, Type: MessageTypeRequest, RequestID: 1})
	require.NoError(t, err)
	data[4] = 9

	_, err = DecodeFrame(bytes.NewReader(data), 0)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	data, err := EncodeFrame(&Frame{
		Version: Version, Type: MessageTypeRequest, RequestID: 1,
		Payload: bytes.Repeat([]byte("a"), 2048),
	})
	require.NoError(t, err)

	_, err = DecodeFrame(bytes.NewReader(data), 1024)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodeRejectsUnknownMessageType(t *testing.T) {
	data, err := EncodeFrame(&Frame{Version: Version, Type: MessageType(7), RequestID: 1})
	require.NoError(t, err)

	_, err = DecodeFrame(bytes.NewReader(data), 0)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDecodeIncompleteFrame(t *testing.T) {
	data, err := EncodeFrame(&Frame{
		Version: Version, Type: MessageTypeRequest, RequestID: 1,
		Payload: []byte("payload"),
	})
	require.NoError(t, err)

	// Header cut short.
	_, err = DecodeFrame(bytes.NewReader(data[:10]), 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	// Payload truncated.
	_, err = DecodeFrame(bytes.NewReader(data[:HeaderLength+3]), 0)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestTwoFramesOnOneStream(t *testing.T) {
	a, err := EncodeFrame(&Frame{Version: Version, Type: MessageTypeRequest, RequestID: 1, Payload: []byte("one")})
	require.NoError(t, err)
	b, err := EncodeFrame(&Frame{Version: Version, Type: MessageTypeResponse, RequestID: 2, Payload: []byte("two")})
	require.NoError(t, err)

	stream := bytes.NewReader(append(a, b...))
	f1, err := DecodeFrame(stream, 0)
	require.NoError(t, err)
	f2, err := DecodeFrame(stream, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f1.RequestID)
	assert.Equal(t, []byte("one"), f1.Payload)
	assert.Equal(t, uint64(2), f2.RequestID)
	assert.Equal(t, []byte("two"), f2.Payload)
}

func TestServiceKey(t *testing.T) {
	req := &Request{Interface: "hello", Group: "default", Version: "1.0"}
	assert.Equal(t, "hello#default#1.0", req.ServiceKey())
}

func TestRequestAttachments(t *testing.T) {
	req := &Request{}
	assert.Equal(t, "", req.Attachment("traceId"))
	req.SetAttachment("traceId", "T1")
	assert.Equal(t, "T1", req.Attachment("traceId"))
}

func TestResponseExtensions(t *testing.T) {
	resp := NewErrorResponse(StatusRateLimited, "rate limited")
	assert.False(t, resp.OK())
	resp.SetExtension(ExtRetryAfter, "100")
	assert.Equal(t, "100", resp.Extension(ExtRetryAfter))

	ok := NewSuccessResponse([]byte("result"))
	assert.True(t, ok.OK())
	assert.Equal(t, "", ok.Extension(ExtRetryAfter))
}

func TestMessageRoundTripEveryCodec(t *testing.T) {
	mc := newTestMessageCodec()
	req := &Request{
		Interface:   "hello",
		Method:      "sayHello",
		ParamTypes:  []string{"string"},
		Params:      [][]byte{[]byte(`"world"`)},
		Version:     "1.0",
		Group:       "default",
		TimestampMs: 1700000000000,
		Attachments: map[string]string{"traceId": "T42"},
	}
	for _, tag := range []byte{codec.TagJSON, codec.TagMsgpack, codec.TagCompact} {
		data, err := mc.EncodeMessage(MessageTypeRequest, 7, req, tag, compress.TagNone)
		require.NoError(t, err)

		f, err := mc.ReadFrame(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, uint64(7), f.RequestID)
		assert.Equal(t, tag, f.CodecTag)

		var out Request
		require.NoError(t, mc.DecodeMessage(f, &out))
		assert.Equal(t, *req, out)
	}
}

func TestMessageRoundTripWithGzip(t *testing.T) {
	mc := newTestMessageCodec()
	// 8 KiB of text compresses well above the gzip threshold.
	text := strings.Repeat("lorem ipsum dolor sit amet ", 320)[:8192]
	req := &Request{Interface: "hello", Method: "echo", Params: [][]byte{[]byte(text)}}

	data, err := mc.EncodeMessage(MessageTypeRequest, 99, req, codec.TagJSON, compress.TagGzip)
	require.NoError(t, err)

	f, err := mc.ReadFrame(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, compress.TagGzip, f.CompressTag)

	// The total-length field covers the header plus the compressed payload.
	total := binary.BigEndian.Uint32(data[5:9])
	assert.Equal(t, uint32(HeaderLength+len(f.Payload)), total)
	assert.Equal(t, uint32(len(data)), total)

	var out Request
	require.NoError(t, mc.DecodeMessage(f, &out))
	assert.Equal(t, req.Interface, out.Interface)
	assert.Equal(t, text, string(out.Params[0]))
}

func TestEncodeMessageUnknownTags(t *testing.T) {
	mc := newTestMessageCodec()
	req := &Request{Interface: "hello"}

	_, err := mc.EncodeMessage(MessageTypeRequest, 1, req, 200, compress.TagNone)
	assert.ErrorIs(t, err, codec.ErrUnknownCodec)

	_, err = mc.EncodeMessage(MessageTypeRequest, 1, req, codec.TagJSON, 200)
	assert.ErrorIs(t, err, compress.ErrUnknownCompressor)
}

func TestDecodeMessageCorruptCompressedPayload(t *testing.T) {
	mc := newTestMessageCodec()
	f := &Frame{
		Version:     Version,
		Type:        MessageTypeResponse,
		CodecTag:    codec.TagJSON,
		CompressTag: compress.TagGzip,
		RequestID:   5,
		Payload:     []byte("definitely not gzip"),
	}
	var out Response
	assert.ErrorIs(t, mc.DecodeMessage(f, &out), ErrDecode)
}

func TestEncodeMessageEnforcesMaxFrame(t *testing.T) {
	mc := newTestMessageCodec()
	mc.MaxFrame = 256
	req := &Request{Interface: "hello", Params: [][]byte{bytes.Repeat([]byte("x"), 1024)}}
	// Incompressible enough for the none compressor; must be rejected.
	_, err := mc.EncodeMessage(MessageTypeRequest, 1, req, codec.TagJSON, compress.TagNone)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}
