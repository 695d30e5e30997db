package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Serial talks to a radio modem over a serial line. The radio is a shared
// medium, so every frame reaches every neighbour and nextHop is not encoded;
// receivers filter on the message target.
type Serial struct {
	port   io.ReadWriteCloser
	reader *bufio.Reader
	logger *slog.Logger

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	handler   func([]byte)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// OpenSerial opens portName at baud (8N1) and starts the read loop.
func OpenSerial(portName string, baud int, logger *slog.Logger) (*Serial, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("serial transport: open %s: %w", portName, err)
	}

	// USB CDC ACM modems wait for DTR/RTS before talking.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	return newSerial(port, logger.With("port", portName)), nil
}

func newSerial(port io.ReadWriteCloser, logger *slog.Logger) *Serial {
	s := &Serial{
		port:   port,
		reader: bufio.NewReader(port),
		logger: logger.With("component", "serial_transport"),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop()
	return s
}

// Send writes one frame. ctx is only checked before writing; serial writes
// are not interruptible.
func (s *Serial) Send(ctx context.Context, nextHop string, packet []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(packet) > maxSerialFrame-2 {
		return fmt.Errorf("serial transport: packet of %d bytes exceeds frame limit", len(packet))
	}
	select {
	case <-s.done:
		return errors.New("serial transport: closed")
	default:
	}

	frame := hdlcEncode(packet)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.port.Write(frame); err != nil {
		return fmt.Errorf("serial transport: write: %w", err)
	}
	return nil
}

func (s *Serial) OnPacket(handler func([]byte)) {
	s.handlerMu.Lock()
	s.handler = handler
	s.handlerMu.Unlock()
}

func (s *Serial) readLoop() {
	defer s.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-s.done:
			return
		default:
		}

		payload, err := readHDLCFrame(s.reader)
		if err != nil {
			if errors.Is(err, errFrameCRC) || errors.Is(err, errShortFrame) {
				s.logger.Warn("bad frame dropped", "err", err)
				continue
			}
			select {
			case <-s.done:
				return
			default:
			}
			if err != io.EOF && !strings.Contains(err.Error(), "closed") {
				s.logger.Error("serial read error", "err", err)
			}
			select {
			case <-time.After(backoff):
			case <-s.done:
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = 10 * time.Millisecond

		s.logger.Debug("frame received", "len", len(payload))
		s.handlerMu.RLock()
		h := s.handler
		s.handlerMu.RUnlock()
		if h != nil {
			h(payload)
		}
	}
}

// Close stops the read loop and closes the port.
func (s *Serial) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.port.Close()
		s.wg.Wait()
	})
	return err
}
