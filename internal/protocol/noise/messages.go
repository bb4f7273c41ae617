package noise

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var errBadMessage = errors.New("noise: malformed handshake message")

// HelloMessage is the ClientHello and ServerHello body.
type HelloMessage struct {
	Ephemeral []byte
	Static    []byte
	Payload   []byte
}

// FinishMessage is the ClientFinish body.
type FinishMessage struct {
	Static  []byte
	Payload []byte
}

// HandshakeMessage is the envelope of every handshake frame. Exactly one
// field is set.
type HandshakeMessage struct {
	ClientHello  *HelloMessage
	ServerHello  *HelloMessage
	ClientFinish *FinishMessage
}

const (
	fieldClientHello  = 2
	fieldServerHello  = 3
	fieldClientFinish = 4
)

// Marshal encodes the message.
func (m HandshakeMessage) Marshal() []byte {
	var b []byte
	if m.ClientHello != nil {
		b = appendMessage(b, fieldClientHello, m.ClientHello.marshal())
	}
	if m.ServerHello != nil {
		b = appendMessage(b, fieldServerHello, m.ServerHello.marshal())
	}
	if m.ClientFinish != nil {
		b = appendMessage(b, fieldClientFinish, m.ClientFinish.marshal())
	}
	return b
}

// ParseHandshakeMessage decodes a handshake frame.
func ParseHandshakeMessage(b []byte) (HandshakeMessage, error) {
	var m HandshakeMessage
	err := walkBytes(b, func(num protowire.Number, v []byte) error {
		var err error
		switch num {
		case fieldClientHello:
			m.ClientHello, err = parseHello(v)
		case fieldServerHello:
			m.ServerHello, err = parseHello(v)
		case fieldClientFinish:
			m.ClientFinish, err = parseFinish(v)
		}
		return err
	})
	return m, err
}

func (h *HelloMessage) marshal() []byte {
	var b []byte
	b = appendBytes(b, 1, h.Ephemeral)
	b = appendBytes(b, 2, h.Static)
	b = appendBytes(b, 3, h.Payload)
	return b
}

func parseHello(b []byte) (*HelloMessage, error) {
	h := &HelloMessage{}
	err := walkBytes(b, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			h.Ephemeral = append([]byte(nil), v...)
		case 2:
			h.Static = append([]byte(nil), v...)
		case 3:
			h.Payload = append([]byte(nil), v...)
		}
		return nil
	})
	return h, err
}

func (f *FinishMessage) marshal() []byte {
	var b []byte
	b = appendBytes(b, 1, f.Static)
	b = appendBytes(b, 2, f.Payload)
	return b
}

func parseFinish(b []byte) (*FinishMessage, error) {
	f := &FinishMessage{}
	err := walkBytes(b, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			f.Static = append([]byte(nil), v...)
		case 2:
			f.Payload = append([]byte(nil), v...)
		}
		return nil
	})
	return f, err
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendMessage(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// walkBytes calls fn for each length-delimited field and skips the rest.
func walkBytes(b []byte, fn func(num protowire.Number, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", errBadMessage, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", errBadMessage, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", errBadMessage, protowire.ParseError(n))
		}
		if err := fn(num, v); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
