package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/phuhao00/pandarpc/infra/codec"
	"github.com/phuhao00/pandarpc/infra/compress"
)

// Wire constants. All multi-byte integers are big-endian.
const (
	// MagicNumber opens every frame. A mismatch on a fresh connection is
	// unrecoverable and closes it.
	MagicNumber uint32 = 0xCAFEBABE
	// Version is the only protocol version currently spoken.
	Version byte = 1
	// HeaderLength is the fixed frame header size: magic(4) + version(1) +
	// totalLength(4) + type(1) + codec(1) + compress(1) + requestID(8).
	HeaderLength = 20
	// DefaultMaxFrameSize bounds frames accepted by the decoder.
	DefaultMaxFrameSize uint32 = 1 << 20
)

// MessageType discriminates frame payloads.
type MessageType byte

const (
	MessageTypeRequest   MessageType = 1
	MessageTypeResponse  MessageType = 2
	MessageTypeHeartbeat MessageType = 3
)

// Error kinds surfaced by the frame codec.
var (
	ErrProtocol           = errors.New("protocol error")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrDecode             = errors.New("decode error")
	ErrFrameTooLarge      = errors.New("frame exceeds maximum size")
)

// Frame is the wire unit: a decoded header plus the raw (possibly
// compressed) payload bytes. Payload interpretation is up to the caller via
// the codec and compress tags.
type Frame struct {
	Version     byte
	Type        MessageType
	CodecTag    byte
	CompressTag byte
	RequestID   uint64
	Payload     []byte
}

// EncodeFrame produces a single contiguous frame: header followed by the
// payload bytes exactly as given.
func EncodeFrame(f *Frame) ([]byte, error) {
	total := HeaderLength + len(f.Payload)
	buf := bytes.NewBuffer(make([]byte, 0, total))
	binary.Write(buf, binary.BigEndian, MagicNumber)
	buf.WriteByte(f.Version)
	binary.Write(buf, binary.BigEndian, uint32(total))
	buf.WriteByte(byte(f.Type))
	buf.WriteByte(f.CodecTag)
	buf.WriteByte(f.CompressTag)
	binary.Write(buf, binary.BigEndian, f.RequestID)
	buf.Write(f.Payload)
	return buf.Bytes(), nil
}

// DecodeFrame consumes exactly one frame from r. An incomplete header
// surfaces the underlying read error; a truncated payload surfaces ErrDecode.
// maxSize of 0 means DefaultMaxFrameSize.
func DecodeFrame(r io.Reader, maxSize uint32) (*Frame, error) {
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}
	header := make([]byte, HeaderLength)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	magic := binary.BigEndian.Uint32(header[0:4])
	if magic != MagicNumber {
		return nil, fmt.Errorf("%w: bad magic 0x%08X", ErrProtocol, magic)
	}
	version := header[4]
	if version != Version {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, version)
	}
	total := binary.BigEndian.Uint32(header[5:9])
	if total < HeaderLength {
		return nil, fmt.Errorf("%w: total length %d below header size", ErrProtocol, total)
	}
	if total > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, total, maxSize)
	}
	f := &Frame{
		Version:     version,
		Type:        MessageType(header[9]),
		CodecTag:    header[10],
		CompressTag: header[11],
		RequestID:   binary.BigEndian.Uint64(header[12:20]),
	}
	switch f.Type {
	case MessageTypeRequest, MessageTypeResponse, MessageTypeHeartbeat:
	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrProtocol, f.Type)
	}
	payloadLen := total - HeaderLength
	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, fmt.Errorf("%w: truncated payload: %v", ErrDecode, err)
		}
	}
	return f, nil
}

// MessageCodec binds the frame codec to serializer and compressor
// registries, encoding logical messages to frames and back.
type MessageCodec struct {
	Codecs      *codec.Registry
	Compressors *compress.Registry
	MaxFrame    uint32
}

// NewMessageCodec builds a message codec over the given registries.
func NewMessageCodec(codecs *codec.Registry, compressors *compress.Registry) *MessageCodec {
	return &MessageCodec{Codecs: codecs, Compressors: compressors, MaxFrame: DefaultMaxFrameSize}
}

// BuildFrame serializes msg with the tagged codec and applies the
// compression policy, producing a frame ready to write. The frame carries
// the effective compression tag, which may be none when the policy skipped
// compression.
func (mc *MessageCodec) BuildFrame(typ MessageType, requestID uint64, msg interface{}, codecTag, compressTag byte) (*Frame, error) {
	c, err := mc.Codecs.ByTag(codecTag)
	if err != nil {
		return nil, err
	}
	payload, err := c.Encode(msg)
	if err != nil {
		return nil, err
	}
	k, err := mc.Compressors.ByTag(compressTag)
	if err != nil {
		return nil, err
	}
	payload, effectiveTag := compress.Apply(k, payload)
	if uint32(HeaderLength+len(payload)) > mc.maxFrame() {
		return nil, fmt.Errorf("%w: payload %d bytes", ErrFrameTooLarge, len(payload))
	}
	return &Frame{
		Version:     Version,
		Type:        typ,
		CodecTag:    codecTag,
		CompressTag: effectiveTag,
		RequestID:   requestID,
		Payload:     payload,
	}, nil
}

// EncodeMessage is BuildFrame plus the byte-level framing: it produces one
// contiguous wire frame.
func (mc *MessageCodec) EncodeMessage(typ MessageType, requestID uint64, msg interface{}, codecTag, compressTag byte) ([]byte, error) {
	f, err := mc.BuildFrame(typ, requestID, msg, codecTag, compressTag)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(f)
}

// DecodeMessage resolves the frame's tags and decodes its payload into v.
func (mc *MessageCodec) DecodeMessage(f *Frame, v interface{}) error {
	k, err := mc.Compressors.ByTag(f.CompressTag)
	if err != nil {
		return err
	}
	payload, err := k.Decompress(f.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	c, err := mc.Codecs.ByTag(f.CodecTag)
	if err != nil {
		return err
	}
	if err := c.Decode(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

// ReadFrame decodes one frame from the stream honouring the configured size
// bound.
func (mc *MessageCodec) ReadFrame(r io.Reader) (*Frame, error) {
	return DecodeFrame(r, mc.maxFrame())
}

func (mc *MessageCodec) maxFrame() uint32 {
	if mc.MaxFrame == 0 {
		return DefaultMaxFrameSize
	}
	return mc.MaxFrame
}
