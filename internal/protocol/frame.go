package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds the maximum size
	ErrFrameTooLarge = errors.New("frame payload exceeds maximum size")

	// ErrInvalidFrame is returned when a frame is malformed
	ErrInvalidFrame = errors.New("invalid frame")

	// ErrUnknownFrameType is returned for unrecognized frame types
	ErrUnknownFrameType = errors.New("unknown frame type")
)

// Frame represents a wire protocol frame.
// Header format (14 bytes):
//
//	Type      [1 byte]  - Frame type
//	Flags     [1 byte]  - Frame flags (reserved, zero)
//	Length    [4 bytes] - Payload length (big-endian)
//	RequestID [8 bytes] - Request identifier (big-endian), echoed in responses
type Frame struct {
	Type      uint8
	Flags     uint8
	RequestID uint64
	Payload   []byte
}

// Encode serializes the frame to bytes.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, HeaderSize+len(f.Payload))

	buf[0] = f.Type
	buf[1] = f.Flags
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(f.Payload)))
	binary.BigEndian.PutUint64(buf[6:14], f.RequestID)

	copy(buf[HeaderSize:], f.Payload)

	return buf, nil
}

// DecodeHeader decodes a frame header from bytes.
func DecodeHeader(buf []byte) (frameType uint8, flags uint8, length uint32, requestID uint64, err error) {
	if len(buf) < HeaderSize {
		return 0, 0, 0, 0, fmt.Errorf("%w: header too short", ErrInvalidFrame)
	}

	frameType = buf[0]
	flags = buf[1]
	length = binary.BigEndian.Uint32(buf[2:6])
	requestID = binary.BigEndian.Uint64(buf[6:14])

	if length > MaxPayloadSize {
		return 0, 0, 0, 0, ErrFrameTooLarge
	}

	return
}

// Decode deserializes a frame from bytes. Trailing bytes after the payload
// are rejected, since each transport message carries exactly one frame.
func Decode(buf []byte) (*Frame, error) {
	frameType, flags, length, requestID, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}

	if len(buf) < HeaderSize+int(length) {
		return nil, fmt.Errorf("%w: buffer too short for payload", ErrInvalidFrame)
	}
	if len(buf) > HeaderSize+int(length) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidFrame, len(buf)-HeaderSize-int(length))
	}

	payload := make([]byte, length)
	copy(payload, buf[HeaderSize:])

	return &Frame{
		Type:      frameType,
		Flags:     flags,
		RequestID: requestID,
		Payload:   payload,
	}, nil
}

// String returns a debug representation of the frame.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{Type=%s, Flags=0x%02x, RequestID=%d, PayloadLen=%d}",
		FrameTypeName(f.Type), f.Flags, f.RequestID, len(f.Payload))
}

// ============================================================================
// Frame Reader/Writer
// ============================================================================

// FrameReader reads frames from an io.Reader.
type FrameReader struct {
	r      io.Reader
	header [HeaderSize]byte
}

// NewFrameReader creates a new FrameReader.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// Read reads the next frame.
func (fr *FrameReader) Read() (*Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return nil, err
	}

	frameType, flags, length, requestID, err := DecodeHeader(fr.header[:])
	if err != nil {
		return nil, err
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}

	return &Frame{
		Type:      frameType,
		Flags:     flags,
		RequestID: requestID,
		Payload:   payload,
	}, nil
}

// FrameWriter writes frames to an io.Writer. Each frame is handed to the
// writer in a single Write call.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter creates a new FrameWriter.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write writes a frame.
func (fw *FrameWriter) Write(f *Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = fw.w.Write(data)
	return err
}

// WriteFrame is a convenience method to write a frame with the given parameters.
func (fw *FrameWriter) WriteFrame(frameType uint8, requestID uint64, payload []byte) error {
	return fw.Write(&Frame{
		Type:      frameType,
		RequestID: requestID,
		Payload:   payload,
	})
}
