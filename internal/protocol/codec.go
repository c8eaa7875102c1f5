package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	xdr "github.com/rasky/go-xdr/xdr2"
)

const (
	lastFragment   = 0x80000000
	fragmentLenMax = 0x7fffffff

	// DefaultMaxFrame bounds a reassembled frame.
	DefaultMaxFrame = 64 << 20
)

var ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

// wireEnvelope is the XDR layout of a frame body.
type wireEnvelope struct {
	Seq   uint64
	Type  uint32
	Src   EntityInst
	Dst   EntityInst
	Front []byte
	Data  []byte
}

// Encode XDR-encodes v into a fresh buffer.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, v); err != nil {
		return nil, fmt.Errorf("xdr encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// Decode XDR-decodes data into v.
func Decode(data []byte, v any) error {
	if _, err := xdr.Unmarshal(bytes.NewReader(data), v); err != nil {
		return fmt.Errorf("xdr decode %T: %w", v, err)
	}
	return nil
}

// MarshalFrame encodes m as a single last-fragment record.
func MarshalFrame(m *Message) ([]byte, error) {
	env := wireEnvelope{
		Seq:   m.Hdr.Seq,
		Type:  uint32(m.Hdr.Type),
		Src:   m.Hdr.Src,
		Dst:   m.Hdr.Dst,
		Front: m.Front,
		Data:  m.Data,
	}

	buf := bytes.NewBuffer(make([]byte, 4, 64+len(m.Front)+len(m.Data)))
	if _, err := xdr.Marshal(buf, &env); err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", m.Hdr.Type, err)
	}

	out := buf.Bytes()
	body := len(out) - 4
	if body > fragmentLenMax {
		return nil, ErrFrameTooLarge
	}
	binary.BigEndian.PutUint32(out[:4], lastFragment|uint32(body))
	return out, nil
}

// WriteFrame writes m to w as one record.
func WriteFrame(w io.Writer, m *Message) error {
	frame, err := MarshalFrame(m)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads one record (reassembling fragments) from r and decodes it.
// The returned message holds one reference. max <= 0 selects DefaultMaxFrame.
func ReadFrame(r io.Reader, max int) (*Message, error) {
	if max <= 0 {
		max = DefaultMaxFrame
	}

	var (
		body []byte
		hdr  [4]byte
	)
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, err
		}
		word := binary.BigEndian.Uint32(hdr[:])
		n := int(word & fragmentLenMax)
		if len(body)+n > max {
			return nil, ErrFrameTooLarge
		}

		start := len(body)
		body = append(body, make([]byte, n)...)
		if _, err := io.ReadFull(r, body[start:]); err != nil {
			return nil, fmt.Errorf("read fragment: %w", err)
		}
		if word&lastFragment != 0 {
			break
		}
	}

	return UnmarshalEnvelope(body)
}

// UnmarshalEnvelope decodes a reassembled frame body.
func UnmarshalEnvelope(body []byte) (*Message, error) {
	var env wireEnvelope
	if err := Decode(body, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	m := NewMessage(MsgType(env.Type), env.Front)
	m.Hdr.Seq = env.Seq
	m.Hdr.Src = env.Src
	m.Hdr.Dst = env.Dst
	m.Data = env.Data
	return m, nil
}
