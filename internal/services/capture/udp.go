package capture

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"gatewatch/internal/logger"
	"gatewatch/internal/model"
)

var (
	jpegHeader = []byte{0xFF, 0xD8}
	jpegFooter = []byte{0xFF, 0xD9}
)

const (
	maxDatagram = 65507

	// consecutive socket errors are spaced out and end the stream past the limit
	readRetryDelay = 100 * time.Millisecond
	maxReadErrors  = 50
)

// UDPSource receives JPEG frames pushed by a camera as a run of datagrams, the first starting
// with the JPEG SOI marker and the last ending with EOI. Only the newest complete frame is kept.
type UDPSource struct {
	addr        string
	sender      string // accept datagrams from this IP only, empty accepts all
	readTimeout time.Duration
	logger      *logger.Logger

	retryDelay    time.Duration
	maxReadErrors int

	conn   *net.UDPConn
	frames chan []byte
	done   chan struct{}
	failed chan struct{} // closed when the receiver gave up
	wg     sync.WaitGroup

	seq  int64
	once sync.Once
}

// IsUDPSource reports whether source uses the udp:// scheme.
func IsUDPSource(source string) bool {
	return strings.HasPrefix(source, "udp://")
}

// NewUDPSource parses udp://[host]:port[?from=ip]. A read that waits longer than readTimeout
// ends the stream.
func NewUDPSource(source string, readTimeout time.Duration, log *logger.Logger) (*UDPSource, error) {
	u, err := url.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("invalid udp source %q: %w", source, err)
	}
	if u.Scheme != "udp" || u.Port() == "" {
		return nil, fmt.Errorf("invalid udp source %q: want udp://host:port", source)
	}
	if log == nil {
		log = logger.NewNop()
	}

	return &UDPSource{
		addr:        u.Host,
		sender:      u.Query().Get("from"),
		readTimeout:   readTimeout,
		logger:        log,
		retryDelay:    readRetryDelay,
		maxReadErrors: maxReadErrors,
		frames:        make(chan []byte, 1),
		done:          make(chan struct{}),
		failed:        make(chan struct{}),
	}, nil
}

// Open binds the UDP socket and starts reassembling frames.
func (s *UDPSource) Open(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP %s: %w", s.addr, err)
	}
	s.conn = conn

	s.wg.Add(1)
	go s.receive()

	s.logger.Info("UDP camera source listening on %s", conn.LocalAddr())
	return nil
}

// LocalAddr returns the bound address once the source is open.
func (s *UDPSource) LocalAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *UDPSource) receive() {
	defer s.wg.Done()

	buffer := make([]byte, maxDatagram)
	var frame bytes.Buffer
	readErrors := 0

	for {
		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			readErrors++
			if readErrors >= s.maxReadErrors {
				s.logger.Error("UDP source %s: giving up after %d read errors: %v", s.addr, readErrors, err)
				close(s.failed)
				return
			}
			s.logger.Error("Error reading UDP packet: %v", err)
			select {
			case <-s.done:
				return
			case <-time.After(s.retryDelay):
			}
			continue
		}
		readErrors = 0

		if s.sender != "" && remoteAddr.IP.String() != s.sender {
			continue
		}

		data := buffer[:n]
		if bytes.HasPrefix(data, jpegHeader) {
			frame.Reset()
		}
		frame.Write(data)

		if bytes.HasSuffix(data, jpegFooter) {
			full := make([]byte, frame.Len())
			copy(full, frame.Bytes())
			frame.Reset()
			s.publish(full)
		}
	}
}

// publish replaces any unread frame with the newest one.
func (s *UDPSource) publish(frame []byte) {
	for {
		select {
		case s.frames <- frame:
			return
		default:
		}
		select {
		case <-s.frames:
		default:
		}
	}
}

// Read waits for the next complete frame.
func (s *UDPSource) Read(ctx context.Context) (model.Frame, error) {
	var timeout <-chan time.Time
	if s.readTimeout > 0 {
		timer := time.NewTimer(s.readTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case data := <-s.frames:
		if !bytes.HasPrefix(data, jpegHeader) {
			return model.Frame{}, fmt.Errorf("%w: frame does not start with a JPEG header", ErrBadFrame)
		}
		f := model.Frame{Seq: s.seq, CapturedAt: time.Now(), Pixels: data}
		s.seq++
		return f, nil
	case <-timeout:
		return model.Frame{}, fmt.Errorf("%w: no frame for %s", ErrEndOfStream, s.readTimeout)
	case <-s.failed:
		return model.Frame{}, fmt.Errorf("%w: receiver stopped after repeated read errors", ErrEndOfStream)
	case <-s.done:
		return model.Frame{}, ErrEndOfStream
	case <-ctx.Done():
		return model.Frame{}, ctx.Err()
	}
}

// Close stops the receiver and releases the socket.
func (s *UDPSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.conn != nil {
			err = s.conn.Close()
		}
		s.wg.Wait()
	})
	return err
}
