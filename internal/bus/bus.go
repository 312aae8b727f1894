// Package bus is a small brokerless messaging layer between the server
// process and its workers.
//
// A Socket listens on a unix (or tcp) address. Each peer dials it with a
// Conn and announces an identity in its first frame. Messages are lists of
// byte parts. The Socket receives messages from every peer tagged with the
// peer identity, can address a single peer (router role) or every peer at
// once (broadcast role). Peer connection and disconnection are reported as
// events on the same receive path so the owner can track live peers.
//
// Wire format of a message:
//
//	uint32 nparts | { uint32 len | bytes }*nparts
//
// all integers big endian.
package bus

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"sync"
)

const (
	// MaxPartSize bounds a single part of a message.
	MaxPartSize = 64 << 20
	maxParts    = 1024
)

var (
	ErrClosed      = errors.New("bus closed")
	ErrUnknownPeer = errors.New("unknown peer")
	ErrTooBig      = errors.New("message part too big")
)

type Event int

const (
	EventMessage Event = iota
	EventConnected
	EventDisconnected
)

func (e Event) String() string {
	switch e {
	case EventMessage:
		return "message"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// Message is what a Socket receives. Parts is nil for connection events.
type Message struct {
	Event    Event
	Identity string
	Parts    [][]byte
}

func writeMessage(w io.Writer, parts [][]byte) error {
	bw := bufio.NewWriter(w)
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(parts)))
	if _, err := bw.Write(hdr[:]); err != nil {
		return err
	}
	for _, p := range parts {
		if len(p) > MaxPartSize {
			return ErrTooBig
		}
		binary.BigEndian.PutUint32(hdr[:], uint32(len(p)))
		if _, err := bw.Write(hdr[:]); err != nil {
			return err
		}
		if _, err := bw.Write(p); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func readMessage(r io.Reader) ([][]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxParts {
		return nil, fmt.Errorf("reading message: %d parts: %w", n, ErrTooBig)
	}
	parts := make([][]byte, 0, n)
	for range n {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, err
		}
		size := binary.BigEndian.Uint32(hdr[:])
		if size > MaxPartSize {
			return nil, ErrTooBig
		}
		p := make([]byte, size)
		if _, err := io.ReadFull(r, p); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, nil
}

type peer struct {
	mx   sync.Mutex
	conn net.Conn
}

func (p *peer) send(parts [][]byte) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	return writeMessage(p.conn, parts)
}

// Socket is the listening side.
type Socket struct {
	ln      net.Listener
	inbound chan Message
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	mx    sync.RWMutex
	peers map[string]*peer
}

// Listen binds a Socket on addr. For unix sockets a stale socket file is
// removed first.
func Listen(ctx context.Context, network, addr string) (*Socket, error) {
	if network == "unix" {
		if err := os.Remove(addr); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("removing stale socket %s: %w", addr, err)
		}
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("bus listen %s %s: %w", network, addr, err)
	}
	s := &Socket{
		ln:      ln,
		inbound: make(chan Message, 64),
		done:    make(chan struct{}),
		peers:   make(map[string]*peer),
	}
	s.wg.Go(s.accept)
	return s, nil
}

// Addr returns the bound address, useful with tcp port 0.
func (s *Socket) Addr() net.Addr {
	return s.ln.Addr()
}

func (s *Socket) accept() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
			default:
				slog.Error("bus accept", "error", err)
			}
			return
		}
		s.wg.Go(func() { s.serve(conn) })
	}
}

func (s *Socket) serve(conn net.Conn) {
	r := bufio.NewReader(conn)
	hello, err := readMessage(r)
	if err != nil || len(hello) != 1 || len(hello[0]) == 0 {
		slog.Warn("bus handshake failed", "error", err)
		_ = conn.Close()
		return
	}
	id := string(hello[0])
	p := &peer{conn: conn}

	s.mx.Lock()
	select {
	case <-s.done:
		s.mx.Unlock()
		_ = conn.Close()
		return
	default:
	}
	if old, ok := s.peers[id]; ok {
		_ = old.conn.Close()
	}
	s.peers[id] = p
	s.mx.Unlock()

	if !s.deliver(Message{Event: EventConnected, Identity: id}) {
		_ = conn.Close()
		return
	}

	for {
		parts, err := readMessage(r)
		if err != nil {
			break
		}
		if !s.deliver(Message{Event: EventMessage, Identity: id, Parts: parts}) {
			break
		}
	}
	_ = conn.Close()

	s.mx.Lock()
	current := s.peers[id] == p
	if current {
		delete(s.peers, id)
	}
	s.mx.Unlock()
	if current {
		s.deliver(Message{Event: EventDisconnected, Identity: id})
	}
}

func (s *Socket) deliver(m Message) bool {
	select {
	case s.inbound <- m:
		return true
	case <-s.done:
		return false
	}
}

// Recv blocks until a message or a connection event arrives.
func (s *Socket) Recv(ctx context.Context) (Message, error) {
	select {
	case m := <-s.inbound:
		return m, nil
	case <-s.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Send writes a message to the peer with the given identity.
func (s *Socket) Send(identity string, parts ...[]byte) error {
	s.mx.RLock()
	p, ok := s.peers[identity]
	s.mx.RUnlock()
	if !ok {
		return fmt.Errorf("sending to %s: %w", identity, ErrUnknownPeer)
	}
	if err := p.send(parts); err != nil {
		return fmt.Errorf("sending to %s: %w", identity, err)
	}
	return nil
}

// Broadcast writes a message to every connected peer.
func (s *Socket) Broadcast(parts ...[]byte) error {
	s.mx.RLock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mx.RUnlock()

	var errs []error
	for _, p := range peers {
		if err := p.send(parts); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Peers returns the number of connected peers.
func (s *Socket) Peers() int {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return len(s.peers)
}

// Close stops listening, drops every peer and waits for the reader
// goroutines.
func (s *Socket) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ln.Close()
		s.mx.Lock()
		for id, p := range s.peers {
			_ = p.conn.Close()
			delete(s.peers, id)
		}
		s.mx.Unlock()
		s.wg.Wait()
	})
	return err
}

// Conn is the dialing side.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader
	wmx  sync.Mutex
}

// Dial connects to a Socket and announces identity.
func Dial(ctx context.Context, network, addr, identity string) (*Conn, error) {
	if identity == "" {
		return nil, errors.New("bus dial: empty identity")
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("bus dial %s %s: %w", network, addr, err)
	}
	c := &Conn{conn: conn, r: bufio.NewReader(conn)}
	if err := c.Send([]byte(identity)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("bus handshake: %w", err)
	}
	return c, nil
}

func (c *Conn) Send(parts ...[]byte) error {
	c.wmx.Lock()
	defer c.wmx.Unlock()
	return writeMessage(c.conn, parts)
}

// Recv blocks until a message arrives, it is not safe for concurrent use.
// It returns ErrClosed once the connection is closed on either side.
func (c *Conn) Recv() ([][]byte, error) {
	parts, err := readMessage(c.r)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return parts, nil
}

func (c *Conn) Close() error {
	return c.conn.Close()
}
