package main

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	meshsocket "github.com/Zereker/meshsocket"
	"github.com/Zereker/meshsocket/transport"
	"github.com/Zereker/meshsocket/transport/mem"
)

// Server echoes every message back on the connection it arrived on.
type Server struct {
	logger *zap.Logger

	sync.RWMutex
	connections map[string]*meshsocket.Conn
}

func newHandler(logger *zap.Logger) *Server {
	return &Server{logger: logger, connections: make(map[string]*meshsocket.Conn)}
}

func (s *Server) Handle(conn *meshsocket.Conn) {
	s.addConn(conn)
	defer s.deleteConn(conn.ID())
	defer conn.Close()

	for {
		msg, err := conn.Read(0)
		if errors.Is(err, meshsocket.ErrReadTimeout) {
			continue
		}
		if err != nil {
			return
		}

		// Echo
		if err := conn.Write(msg, true); err != nil {
			s.logger.Error("echo failed", zap.String("conn", conn.ID()), zap.Error(err))
			return
		}
	}
}

func (s *Server) addConn(conn *meshsocket.Conn) {
	s.Lock()
	defer s.Unlock()

	s.logger.Info("add new conn", zap.String("conn", conn.ID()), zap.String("peer", string(conn.RemotePeer())))
	s.connections[conn.ID()] = conn
}

func (s *Server) deleteConn(id string) {
	s.Lock()
	defer s.Unlock()

	delete(s.connections, id)
}

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// A radio mesh that loses one packet in ten.
	loss := rand.New(rand.NewSource(time.Now().UnixNano()))
	var lossMu sync.Mutex
	network := mem.NewNetwork(meshsocket.MaxBytes)
	network.SetDropFunc(func(transport.Packet) bool {
		lossMu.Lock()
		defer lossMu.Unlock()
		return loss.Intn(10) == 0
	})

	opts := []meshsocket.Option{
		meshsocket.LoggerOption(meshsocket.NewZapLogger(logger)),
		meshsocket.AckTimeoutOption(200 * time.Millisecond),
		meshsocket.ConnectTimeoutOption(time.Second),
		meshsocket.ReadTimeoutOption(5 * time.Second),
	}

	server, err := meshsocket.NewDispatcher(network.Join("!5e7e7000"), opts...)
	if err != nil {
		panic(err)
	}
	client, err := meshsocket.NewDispatcher(network.Join("!c11e7000"), opts...)
	if err != nil {
		panic(err)
	}

	listener, err := server.Bind()
	if err != nil {
		panic(err)
	}
	listener.OnAccept(newHandler(logger))

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.Run(ctx) })
	group.Go(func() error { return client.Run(ctx) })
	group.Go(func() error {
		defer cancel()
		return roundTrip(ctx, logger, client, server.LocalID())
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("echo demo failed", zap.Error(err))
		os.Exit(1)
	}
}

// roundTrip sends a multi-chunk message and checks the echo.
func roundTrip(ctx context.Context, logger *zap.Logger, client *meshsocket.Dispatcher, server transport.PeerID) error {
	var conn *meshsocket.Conn
	var err error
	for attempt := 1; attempt <= 5; attempt++ {
		conn, err = client.Connect(ctx, server, 0)
		if !errors.Is(err, meshsocket.ErrHandshakeTimeout) {
			break
		}
		logger.Info("handshake lost, retrying", zap.Int("attempt", attempt))
	}
	if err != nil {
		return err
	}
	defer conn.Close()

	msg := bytes.Repeat([]byte("the quick brown fox jumps over the lazy mesh. "), 100)
	start := time.Now()
	if err := conn.Write(msg, false); err != nil {
		return err
	}

	reply, err := conn.Read(0)
	if err != nil {
		return err
	}
	if !bytes.Equal(reply, msg) {
		return errors.New("echo mismatch")
	}

	logger.Info("echo complete", zap.Int("bytes", len(msg)), zap.Duration("elapsed", time.Since(start)))
	return nil
}
