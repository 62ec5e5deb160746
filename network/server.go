package network

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"keysign/errs"
	"keysign/fingerprint"
)

// DefaultWriteTimeout bounds writing the key to one client.
const DefaultWriteTimeout = 10 * time.Second

// ServerOptions configures a KeyServer.
type ServerOptions struct {
	WriteTimeout time.Duration
	Logger       *zap.Logger
	// OnServed runs after a client received the full key.
	OnServed func(remoteAddr string, bytes int)
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// KeyServer hands the same exported key to every client that connects, then
// closes the connection. There is no request and no framing.
type KeyServer struct {
	listener net.Listener
	options  ServerOptions
	keyData  []byte
	fpr      string

	serving atomic.Bool
	served  atomic.Int64

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Serve binds address (":0" picks an ephemeral port) and starts serving keyData.
func Serve(address string, keyData []byte, fpr string, options ServerOptions) (*KeyServer, error) {
	opts := options.withDefaults()
	if len(keyData) == 0 {
		return nil, errors.New("key data is required")
	}
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w: %w", address, errs.ErrServerStart, err)
	}

	server := &KeyServer{
		listener: listener,
		options:  opts,
		keyData:  append([]byte(nil), keyData...),
		fpr:      fingerprint.Normalize(fpr),
		conns:    make(map[net.Conn]struct{}),
		closed:   make(chan struct{}),
	}
	server.serving.Store(true)

	opts.Logger.Info("key server listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("fingerprint", server.fpr),
	)

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *KeyServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound TCP port.
func (s *KeyServer) Port() int {
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	_, raw, err := net.SplitHostPort(s.listener.Addr().String())
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(raw)
	return port
}

// IsServing reports whether the server still accepts connections.
func (s *KeyServer) IsServing() bool {
	return s.serving.Load()
}

// Served returns how many clients received the full key.
func (s *KeyServer) Served() int64 {
	return s.served.Load()
}

// Close stops accepting, aborts in-flight transfers and waits for handlers.
func (s *KeyServer) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.serving.Store(false)
		close(s.closed)
		closeErr = s.listener.Close()

		s.connsMu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.connsMu.Unlock()

		s.wg.Wait()
		s.options.Logger.Info("key server stopped",
			zap.String("fingerprint", s.fpr),
			zap.Int64("served", s.served.Load()),
		)
	})
	return closeErr
}

func (s *KeyServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.options.Logger.Warn("accept connection failed", zap.Error(err))
			continue
		}

		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *KeyServer) track(conn net.Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	select {
	case <-s.closed:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *KeyServer) untrack(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

func (s *KeyServer) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer func() {
		_ = conn.Close()
	}()

	remote := conn.RemoteAddr().String()
	if err := conn.SetWriteDeadline(time.Now().Add(s.options.WriteTimeout)); err != nil {
		s.options.Logger.Debug("set write deadline failed", zap.String("remote", remote), zap.Error(err))
		return
	}

	n, err := conn.Write(s.keyData)
	if err != nil {
		s.options.Logger.Debug("serve key failed", zap.String("remote", remote), zap.Error(err))
		return
	}

	s.served.Add(1)
	s.options.Logger.Info("served key",
		zap.String("remote", remote),
		zap.String("fingerprint", s.fpr),
		zap.Int("bytes", n),
	)
	if s.options.OnServed != nil {
		s.options.OnServed(remote, n)
	}
}
