package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"meshlink/internal/protocol"
)

const tcpDialTimeout = 5 * time.Second

// TCP carries packets as length-prefixed frames over LAN connections.
// Peers are addressed by device id; addresses come from SetPeerAddr.
type TCP struct {
	ln     net.Listener
	logger *slog.Logger

	mu       sync.Mutex
	addrs    map[string]string
	conns    map[string]net.Conn
	accepted map[net.Conn]struct{}

	handlerMu sync.RWMutex
	handler   func([]byte)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenTCP starts accepting peer connections on addr ("host:port").
func ListenTCP(addr string, logger *slog.Logger) (*TCP, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp transport: listen %s: %w", addr, err)
	}
	t := &TCP{
		ln:       ln,
		logger:   logger.With("component", "tcp_transport"),
		addrs:    make(map[string]string),
		conns:    make(map[string]net.Conn),
		accepted: make(map[net.Conn]struct{}),
		done:     make(chan struct{}),
	}
	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

// Addr returns the listening address.
func (t *TCP) Addr() net.Addr { return t.ln.Addr() }

// SetPeerAddr records where device id can be dialled. A changed address
// drops any cached connection.
func (t *TCP) SetPeerAddr(id, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.addrs[id]; ok && old != addr {
		if c, ok := t.conns[id]; ok {
			c.Close()
			delete(t.conns, id)
		}
	}
	t.addrs[id] = addr
}

// Send writes packet to nextHop, or to every known peer for Broadcast.
func (t *TCP) Send(ctx context.Context, nextHop string, packet []byte) error {
	if nextHop != Broadcast {
		return t.sendTo(ctx, nextHop, packet)
	}

	t.mu.Lock()
	ids := make([]string, 0, len(t.addrs))
	for id := range t.addrs {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if err := t.sendTo(ctx, id, packet); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(ids) && len(ids) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (t *TCP) sendTo(ctx context.Context, id string, packet []byte) error {
	conn, err := t.conn(ctx, id)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if err := protocol.WriteFrame(conn, packet); err != nil {
		t.dropConn(id, conn)
		return fmt.Errorf("tcp transport: send to %s: %w", id, err)
	}
	return nil
}

// conn returns the cached outbound connection to id or dials a new one.
func (t *TCP) conn(ctx context.Context, id string) (net.Conn, error) {
	t.mu.Lock()
	if c, ok := t.conns[id]; ok {
		t.mu.Unlock()
		return c, nil
	}
	addr, ok := t.addrs[id]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("tcp transport: no address for %s", id)
	}

	d := net.Dialer{Timeout: tcpDialTimeout}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp transport: dial %s at %s: %w", id, addr, err)
	}

	t.mu.Lock()
	if existing, ok := t.conns[id]; ok {
		t.mu.Unlock()
		c.Close()
		return existing, nil
	}
	t.conns[id] = c
	t.mu.Unlock()
	return c, nil
}

func (t *TCP) dropConn(id string, c net.Conn) {
	t.mu.Lock()
	if t.conns[id] == c {
		delete(t.conns, id)
	}
	t.mu.Unlock()
	c.Close()
}

func (t *TCP) OnPacket(handler func([]byte)) {
	t.handlerMu.Lock()
	t.handler = handler
	t.handlerMu.Unlock()
}

func (t *TCP) acceptLoop() {
	defer t.wg.Done()
	for {
		c, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			t.logger.Warn("accept failed", "err", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		t.wg.Add(1)
		go t.readLoop(c)
	}
}

func (t *TCP) readLoop(c net.Conn) {
	defer t.wg.Done()
	defer c.Close()

	t.mu.Lock()
	t.accepted[c] = struct{}{}
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.accepted, c)
		t.mu.Unlock()
	}()

	select {
	case <-t.done:
		return
	default:
	}

	for {
		payload, err := protocol.ReadFrame(c)
		if err != nil {
			select {
			case <-t.done:
			default:
				t.logger.Debug("peer connection closed", "remote", c.RemoteAddr(), "err", err)
			}
			return
		}
		t.handlerMu.RLock()
		h := t.handler
		t.handlerMu.RUnlock()
		if h != nil {
			h(payload)
		}
	}
}

// Close stops accepting, closes every connection and waits for readers.
func (t *TCP) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.ln.Close()
		t.mu.Lock()
		for id, c := range t.conns {
			c.Close()
			delete(t.conns, id)
		}
		for c := range t.accepted {
			c.Close()
		}
		t.mu.Unlock()
		t.wg.Wait()
	})
	return err
}
