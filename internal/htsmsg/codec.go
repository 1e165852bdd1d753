package htsmsg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Field types on the wire.
const (
	TypeMap  byte = 1
	TypeS64  byte = 2
	TypeStr  byte = 3
	TypeBin  byte = 4
	TypeList byte = 5
)

const (
	// HeaderSize is the length prefix in front of every frame body.
	HeaderSize = 4

	// MaxFrameSize bounds a frame body. Larger frames are discarded
	// without being buffered.
	MaxFrameSize = 16 * 1024 * 1024

	fieldHeaderSize = 6
	maxNameLen      = 255
	maxDepth        = 32
)

var (
	// ErrMalformed marks a frame whose body could not be decoded. The
	// frame has been fully consumed, so the stream stays aligned.
	ErrMalformed = errors.New("htsmsg: malformed frame")

	// ErrFrameTooLarge marks a frame above MaxFrameSize. The body has been
	// skipped, so the stream stays aligned.
	ErrFrameTooLarge = errors.New("htsmsg: frame too large")
)

// Encode serializes m into a complete frame including the length prefix.
func Encode(m *Message) ([]byte, error) {
	frame := make([]byte, HeaderSize, 256)

	frame, err := appendFields(frame, m.fields, 0)
	if err != nil {
		return nil, err
	}

	bodyLen := len(frame) - HeaderSize
	if bodyLen > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, bodyLen)
	}

	binary.BigEndian.PutUint32(frame, uint32(bodyLen))

	return frame, nil
}

// WriteFrame encodes m and writes it to w in a single Write call.
func WriteFrame(w io.Writer, m *Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}

	_, err = w.Write(frame)

	return err
}

// ReadFrame reads exactly one frame from r. Oversized and malformed
// frames are consumed in full and reported with ErrFrameTooLarge or
// ErrMalformed; any other error comes from r.
func ReadFrame(r io.Reader) (*Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			return nil, err
		}

		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}

		return nil, err
	}

	return Decode(body)
}

// Decode parses a frame body (without the length prefix).
func Decode(body []byte) (*Message, error) {
	fields, err := decodeFields(body, 0)
	if err != nil {
		return nil, err
	}

	return &Message{fields: fields}, nil
}

func appendFields(dst []byte, fields []Field, depth int) ([]byte, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("htsmsg: nesting deeper than %d", maxDepth)
	}

	for _, f := range fields {
		if len(f.Name) > maxNameLen {
			return nil, fmt.Errorf("htsmsg: field name %.16q... longer than %d bytes", f.Name, maxNameLen)
		}

		var err error

		dst, err = appendField(dst, f.Name, f.Value, depth)
		if err != nil {
			return nil, err
		}
	}

	return dst, nil
}

func appendField(dst []byte, name string, value any, depth int) ([]byte, error) {
	start := len(dst)
	dst = append(dst, 0, byte(len(name)), 0, 0, 0, 0)
	dst = append(dst, name...)
	dataStart := len(dst)

	var (
		typ byte
		err error
	)

	switch v := normalize(value).(type) {
	case int64:
		typ = TypeS64
		dst = appendS64(dst, v)
	case string:
		typ = TypeStr
		dst = append(dst, v...)
	case []byte:
		typ = TypeBin
		dst = append(dst, v...)
	case *Message:
		typ = TypeMap
		dst, err = appendFields(dst, v.fields, depth+1)
	case List:
		typ = TypeList

		for _, e := range v {
			dst, err = appendField(dst, "", e, depth+1)
			if err != nil {
				break
			}
		}
	default:
		return nil, fmt.Errorf("htsmsg: field %q has unsupported type %T", name, value)
	}

	if err != nil {
		return nil, err
	}

	dst[start] = typ
	binary.BigEndian.PutUint32(dst[start+2:], uint32(len(dst)-dataStart))

	return dst, nil
}

// appendS64 writes v little-endian using the fewest bytes that hold its
// unsigned representation. Zero encodes as no bytes at all.
func appendS64(dst []byte, v int64) []byte {
	u := uint64(v)
	for u != 0 {
		dst = append(dst, byte(u))
		u >>= 8
	}

	return dst
}

func decodeS64(data []byte) (int64, error) {
	if len(data) > 8 {
		return 0, fmt.Errorf("%w: integer of %d bytes", ErrMalformed, len(data))
	}

	var u uint64
	for i, b := range data {
		u |= uint64(b) << (8 * i)
	}

	return int64(u), nil
}

func decodeFields(body []byte, depth int) ([]Field, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrMalformed, maxDepth)
	}

	var fields []Field

	for len(body) > 0 {
		if len(body) < fieldHeaderSize {
			return nil, fmt.Errorf("%w: truncated field header", ErrMalformed)
		}

		typ := body[0]
		nameLen := int(body[1])
		dataLen := binary.BigEndian.Uint32(body[2:6])
		body = body[fieldHeaderSize:]

		if uint64(nameLen)+uint64(dataLen) > uint64(len(body)) {
			return nil, fmt.Errorf("%w: field overruns body", ErrMalformed)
		}

		name := string(body[:nameLen])
		data := body[nameLen : nameLen+int(dataLen)]
		body = body[nameLen+int(dataLen):]

		value, err := decodeValue(typ, data, depth)
		if err != nil {
			return nil, err
		}

		fields = append(fields, Field{Name: name, Value: value})
	}

	return fields, nil
}

func decodeValue(typ byte, data []byte, depth int) (any, error) {
	switch typ {
	case TypeS64:
		return decodeS64(data)
	case TypeStr:
		return string(data), nil
	case TypeBin:
		return append([]byte(nil), data...), nil
	case TypeMap:
		fields, err := decodeFields(data, depth+1)
		if err != nil {
			return nil, err
		}

		return &Message{fields: fields}, nil
	case TypeList:
		fields, err := decodeFields(data, depth+1)
		if err != nil {
			return nil, err
		}

		list := make(List, 0, len(fields))
		for _, f := range fields {
			list = append(list, f.Value)
		}

		return list, nil
	}

	return nil, fmt.Errorf("%w: unknown field type %d", ErrMalformed, typ)
}
