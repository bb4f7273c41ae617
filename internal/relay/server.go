package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"companion/internal/codec"
	"companion/internal/domain"
	"companion/internal/protocol/noise"
)

const handshakeTimeout = 20 * time.Second

// Handler answers one request. Returned nodes are sent back in order.
type Handler func(ctx context.Context, p *Peer, req domain.Node) ([]domain.Node, error)

// Config configures a Server.
type Config struct {
	StaticKey   domain.KeyPair
	Header      []byte
	Certificate []byte
	Codec       domain.NodeCodec
	// CompressAbove zlib-compresses outgoing payloads larger than this many
	// bytes. Zero disables compression.
	CompressAbove int
	Logger        *slog.Logger
}

// Server answers client connections.
type Server struct {
	cfg    Config
	logger *slog.Logger
	dir    *Directory
	ids    atomic.Uint64

	mu        sync.RWMutex
	iq        map[string]Handler
	tags      map[string]Handler
	peers     map[string]*Peer
	unpaired  map[domain.X25519Public]*Peer
	waiters   map[string]chan domain.Node
	onConnect func(*Peer)
}

// New returns a Server with the default handlers installed.
func New(cfg Config) *Server {
	if cfg.Header == nil {
		cfg.Header = noise.DefaultIntroHeader
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.NodeCodec{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "relay"),
		dir:      NewDirectory(),
		iq:       make(map[string]Handler),
		tags:     make(map[string]Handler),
		peers:    make(map[string]*Peer),
		unpaired: make(map[domain.X25519Public]*Peer),
		waiters:  make(map[string]chan domain.Node),
	}
	s.HandleIQ("w:p", handlePing)
	s.HandleIQ("encrypt", s.handleEncrypt)
	s.HandleIQ("usync", s.handleUSync)
	s.HandleIQ("md", s.handleMD)
	s.HandleTag("message", s.handleMessage)
	s.HandleTag("ib", s.handleIB)
	return s
}

// Directory returns the server state.
func (s *Server) Directory() *Directory { return s.dir }

// HandleIQ routes iq requests with the given xmlns to h.
func (s *Server) HandleIQ(xmlns string, h Handler) {
	s.mu.Lock()
	s.iq[xmlns] = h
	s.mu.Unlock()
}

// HandleTag routes non-iq nodes with the given tag to h.
func (s *Server) HandleTag(tag string, h Handler) {
	s.mu.Lock()
	s.tags[tag] = h
	s.mu.Unlock()
}

// OnConnect is called with every peer after its handshake.
func (s *Server) OnConnect(fn func(*Peer)) {
	s.mu.Lock()
	s.onConnect = fn
	s.mu.Unlock()
}

// Serve accepts connections until ctx ends or the listener fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	s.logger.Info("relay listening", "address", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func() {
			if err := s.ServeConn(ctx, conn); err != nil {
				s.logger.Warn("connection ended", "remote", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

// ServeConn handles one client connection until it closes.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	framer := noise.NewServerFramer(conn)
	if err := framer.ExpectHeader(s.cfg.Header); err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	sess, hello, err := noise.ServerHandshake(framer, noise.ServerConfig{
		Header:      s.cfg.Header,
		StaticKey:   s.cfg.StaticKey,
		Certificate: s.cfg.Certificate,
	})
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	p := &Peer{
		Static:   hello.Static,
		Payload:  hello.Payload,
		conn:     conn,
		framer:   framer,
		session:  sess,
		codec:    s.cfg.Codec,
		compress: s.cfg.CompressAbove,
	}
	s.logger.Info("peer connected", "remote", conn.RemoteAddr().String())
	defer s.dropPeer(p)

	s.mu.RLock()
	onConnect := s.onConnect
	s.mu.RUnlock()
	if onConnect != nil {
		onConnect(p)
	}

	for {
		frame, err := framer.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
		pt, err := sess.Recv().Decrypt(frame)
		if err != nil {
			return fmt.Errorf("relay: %w", err)
		}
		body, err := codec.UnpackPayload(pt)
		if err != nil {
			return fmt.Errorf("relay: %w", err)
		}
		req, err := s.cfg.Codec.DecodeNode(body)
		if err != nil {
			s.logger.Warn("undecodable node", "error", err)
			continue
		}
		s.route(ctx, p, req)
	}
}

func (s *Server) route(ctx context.Context, p *Peer, req domain.Node) {
	if req.Tag == "iq" && (req.Attr("type") == "result" || req.Attr("type") == "error") {
		s.deliverReply(req)
		return
	}
	s.mu.RLock()
	var h Handler
	if req.Tag == "iq" {
		h = s.iq[req.Attr("xmlns")]
	} else {
		h = s.tags[req.Tag]
	}
	s.mu.RUnlock()

	if h == nil {
		if req.Tag == "iq" && req.Attr("id") != "" {
			_ = p.Send(ErrorReply(req, 501, "feature-not-implemented"))
		} else {
			s.logger.Debug("unrouted node", "tag", req.Tag)
		}
		return
	}
	replies, err := h(ctx, p, req)
	if err != nil {
		s.logger.Warn("handler failed", "tag", req.Tag, "xmlns", req.Attr("xmlns"), "error", err)
		if req.Tag == "iq" {
			_ = p.Send(ErrorReply(req, 500, err.Error()))
		}
		return
	}
	for _, r := range replies {
		if err := p.Send(r); err != nil {
			s.logger.Warn("reply failed", "error", err)
			return
		}
	}
}

func (s *Server) addPeer(p *Peer) {
	s.mu.Lock()
	if old, ok := s.peers[p.User]; ok && old != p {
		s.logger.Info("replacing session", "user", p.User)
		_ = old.Send(domain.Node{Tag: "stream:error", Children: []domain.Node{{Tag: "conflict", Attrs: domain.Attrs{"type": "replaced"}}}})
		_ = old.Close()
	}
	s.peers[p.User] = p
	s.mu.Unlock()
}

func (s *Server) dropPeer(p *Peer) {
	s.mu.Lock()
	if s.unpaired[p.Static] == p {
		delete(s.unpaired, p.Static)
	}
	if p.User != "" && s.peers[p.User] == p {
		delete(s.peers, p.User)
	}
	s.mu.Unlock()
}

// Online reports whether user has a live connection.
func (s *Server) Online(user string) bool {
	_, ok := s.peer(user)
	return ok
}

func (s *Server) peer(user string) (*Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[user]
	return p, ok
}

// Peer is one connected client.
type Peer struct {
	Static  domain.X25519Public
	Payload []byte
	// User is the phone user the peer logged in as. Empty until Welcome
	// accepts a registered login.
	User string

	conn     net.Conn
	framer   *noise.Framer
	session  *noise.Session
	codec    domain.NodeCodec
	compress int
	sendMu   sync.Mutex
}

// Send pushes a node to the client.
func (p *Peer) Send(n domain.Node) error {
	b, err := p.codec.EncodeNode(n)
	if err != nil {
		return err
	}
	return p.SendRaw(b)
}

// SendRaw pushes b as one frame payload without node encoding.
func (p *Peer) SendRaw(b []byte) error {
	payload, err := codec.PackPayload(b, p.compress > 0 && len(b) > p.compress)
	if err != nil {
		return err
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	ct, err := p.session.Send().Encrypt(payload)
	if err != nil {
		return err
	}
	return p.framer.WriteFrame(ct)
}

// Close drops the connection.
func (p *Peer) Close() error { return p.conn.Close() }
