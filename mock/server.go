package mock

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/vfaronov/turq/rules"
)

// Server is the mock origin: it accepts connections on its listener and
// answers every request by replaying the rules program that is current at
// the start of the request cycle. All collaborators are injected so tests
// can run any number of independent servers in one process.
type Server struct {
	listener net.Listener
	store    *rules.Store
	log      *logrus.Logger
	clock    clockwork.Clock

	nextConnID atomic.Uint64
	wg         sync.WaitGroup

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

func NewServer(listener net.Listener, store *rules.Store, log *logrus.Logger, clock clockwork.Clock) *Server {
	return &Server{
		listener: listener,
		store:    store,
		log:      log,
		clock:    clock,
		conns:    make(map[net.Conn]struct{}),
	}
}

func (s *Server) trackConn(conn net.Conn, add bool) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// closeConns aborts connections that are idle or mid-cycle at shutdown.
func (s *Server) closeConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

// Addr returns the listener address (useful when bound to port 0).
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or the listener fails.
// Each connection gets its own goroutine and runs independently; a script
// sleeping on one connection never delays another.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.listener.Close()
		s.closeConns()
	})
	defer stop()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		h := &handler{
			ctx:    ctx,
			conn:   conn,
			store:  s.store,
			clock:  s.clock,
			connID: s.nextConnID.Add(1),
		}
		s.trackConn(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			h.handle(s.log)
		}()
	}
}
