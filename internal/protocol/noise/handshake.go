package noise

import (
	"errors"
	"fmt"

	"companion/internal/crypto"
	"companion/internal/domain"
	"companion/internal/util/memzero"
)

// ClientConfig is the initiator's input.
type ClientConfig struct {
	Header    []byte
	StaticKey domain.KeyPair
	// Payload is sent encrypted in ClientFinish; it carries the login or
	// registration data.
	Payload []byte
	// VerifyServer checks the server's static key and certificate payload.
	VerifyServer func(static domain.X25519Public, payload []byte) error
}

// ServerConfig is the responder's input.
type ServerConfig struct {
	Header    []byte
	StaticKey domain.KeyPair
	// Certificate is sent encrypted in ServerHello.
	Certificate []byte
}

// ClientHello is what the responder learned about the client.
type ClientHello struct {
	Static  domain.X25519Public
	Payload []byte
}

var errUnexpectedMessage = errors.New("noise: unexpected handshake message")

// ClientHandshake runs the initiator side of XX over conn.
func ClientHandshake(conn FrameConn, cfg ClientConfig) (*Session, error) {
	hs, err := NewHandshakeState(cfg.Header)
	if err != nil {
		return nil, err
	}
	eph, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(eph.Priv[:])

	hs.MixHash(eph.Pub[:])
	hello := HandshakeMessage{ClientHello: &HelloMessage{Ephemeral: eph.Pub[:]}}
	if err := conn.WriteFrame(hello.Marshal()); err != nil {
		return nil, fmt.Errorf("noise: send client hello: %w", err)
	}

	frame, err := conn.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("noise: read server hello: %w", err)
	}
	msg, err := ParseHandshakeMessage(frame)
	if err != nil {
		return nil, err
	}
	sh := msg.ServerHello
	if sh == nil || len(sh.Ephemeral) != 32 {
		return nil, fmt.Errorf("%w: want server hello", errUnexpectedMessage)
	}
	var serverEph domain.X25519Public
	copy(serverEph[:], sh.Ephemeral)

	hs.MixHash(serverEph[:])
	if err := mixDH(hs, eph.Priv, serverEph); err != nil {
		return nil, err
	}
	staticBytes, err := hs.DecryptAndHash(sh.Static)
	if err != nil {
		return nil, fmt.Errorf("noise: server static: %w", err)
	}
	if len(staticBytes) != 32 {
		return nil, fmt.Errorf("%w: server static is %d bytes", errUnexpectedMessage, len(staticBytes))
	}
	var serverStatic domain.X25519Public
	copy(serverStatic[:], staticBytes)
	if err := mixDH(hs, eph.Priv, serverStatic); err != nil {
		return nil, err
	}
	cert, err := hs.DecryptAndHash(sh.Payload)
	if err != nil {
		return nil, fmt.Errorf("noise: server certificate: %w", err)
	}
	if cfg.VerifyServer != nil {
		if err := cfg.VerifyServer(serverStatic, cert); err != nil {
			return nil, fmt.Errorf("noise: server rejected: %w", err)
		}
	}

	encStatic, err := hs.EncryptAndHash(cfg.StaticKey.Pub[:])
	if err != nil {
		return nil, err
	}
	if err := mixDH(hs, cfg.StaticKey.Priv, serverEph); err != nil {
		return nil, err
	}
	encPayload, err := hs.EncryptAndHash(cfg.Payload)
	if err != nil {
		return nil, err
	}
	finish := HandshakeMessage{ClientFinish: &FinishMessage{Static: encStatic, Payload: encPayload}}
	if err := conn.WriteFrame(finish.Marshal()); err != nil {
		return nil, fmt.Errorf("noise: send client finish: %w", err)
	}
	return hs.Split(true)
}

// ServerHandshake runs the responder side of XX over conn.
func ServerHandshake(conn FrameConn, cfg ServerConfig) (*Session, ClientHello, error) {
	hs, err := NewHandshakeState(cfg.Header)
	if err != nil {
		return nil, ClientHello{}, err
	}
	frame, err := conn.ReadFrame()
	if err != nil {
		return nil, ClientHello{}, fmt.Errorf("noise: read client hello: %w", err)
	}
	msg, err := ParseHandshakeMessage(frame)
	if err != nil {
		return nil, ClientHello{}, err
	}
	if msg.ClientHello == nil || len(msg.ClientHello.Ephemeral) != 32 {
		return nil, ClientHello{}, fmt.Errorf("%w: want client hello", errUnexpectedMessage)
	}
	var clientEph domain.X25519Public
	copy(clientEph[:], msg.ClientHello.Ephemeral)
	hs.MixHash(clientEph[:])

	eph, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, ClientHello{}, err
	}
	defer memzero.Zero(eph.Priv[:])

	hs.MixHash(eph.Pub[:])
	if err := mixDH(hs, eph.Priv, clientEph); err != nil {
		return nil, ClientHello{}, err
	}
	encStatic, err := hs.EncryptAndHash(cfg.StaticKey.Pub[:])
	if err != nil {
		return nil, ClientHello{}, err
	}
	if err := mixDH(hs, cfg.StaticKey.Priv, clientEph); err != nil {
		return nil, ClientHello{}, err
	}
	encCert, err := hs.EncryptAndHash(cfg.Certificate)
	if err != nil {
		return nil, ClientHello{}, err
	}
	reply := HandshakeMessage{ServerHello: &HelloMessage{Ephemeral: eph.Pub[:], Static: encStatic, Payload: encCert}}
	if err := conn.WriteFrame(reply.Marshal()); err != nil {
		return nil, ClientHello{}, fmt.Errorf("noise: send server hello: %w", err)
	}

	frame, err = conn.ReadFrame()
	if err != nil {
		return nil, ClientHello{}, fmt.Errorf("noise: read client finish: %w", err)
	}
	msg, err = ParseHandshakeMessage(frame)
	if err != nil {
		return nil, ClientHello{}, err
	}
	if msg.ClientFinish == nil {
		return nil, ClientHello{}, fmt.Errorf("%w: want client finish", errUnexpectedMessage)
	}
	staticBytes, err := hs.DecryptAndHash(msg.ClientFinish.Static)
	if err != nil {
		return nil, ClientHello{}, fmt.Errorf("noise: client static: %w", err)
	}
	if len(staticBytes) != 32 {
		return nil, ClientHello{}, fmt.Errorf("%w: client static is %d bytes", errUnexpectedMessage, len(staticBytes))
	}
	var clientStatic domain.X25519Public
	copy(clientStatic[:], staticBytes)
	if err := mixDH(hs, eph.Priv, clientStatic); err != nil {
		return nil, ClientHello{}, err
	}
	payload, err := hs.DecryptAndHash(msg.ClientFinish.Payload)
	if err != nil {
		return nil, ClientHello{}, fmt.Errorf("noise: client payload: %w", err)
	}
	sess, err := hs.Split(false)
	if err != nil {
		return nil, ClientHello{}, err
	}
	return sess, ClientHello{Static: clientStatic, Payload: payload}, nil
}

func mixDH(hs *HandshakeState, priv domain.X25519Private, pub domain.X25519Public) error {
	shared, err := crypto.DH(priv, pub)
	if err != nil {
		return fmt.Errorf("noise: dh: %w", err)
	}
	defer memzero.Zero(shared[:])
	return hs.MixKey(shared[:])
}
