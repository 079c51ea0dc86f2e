package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	meshsocket "github.com/Zereker/meshsocket"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Accept connections and echo every message back",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "compress",
				Usage: "Compress echoed messages",
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	n, err := openNode(c)
	if err != nil {
		return err
	}
	defer n.close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	l, err := n.dispatcher.Bind()
	if err != nil {
		return err
	}

	compress := c.Bool("compress")
	l.OnAcceptFunc(func(conn *meshsocket.Conn) {
		echo(n.logger, conn, compress)
	})

	return n.run(ctx, nil)
}

// echo writes every message read from conn back to it until the connection
// closes.
func echo(logger *zap.Logger, conn *meshsocket.Conn, compress bool) {
	defer conn.Close()

	log := logger.With(zap.String("conn", conn.ID()), zap.String("peer", string(conn.RemotePeer())))
	for {
		msg, err := conn.Read(0)
		if errors.Is(err, meshsocket.ErrReadTimeout) {
			continue
		}
		if err != nil {
			log.Info("echo finished", zap.Error(err))
			return
		}

		log.Info("echoing message", zap.Int("bytes", len(msg)))
		if err := conn.Write(msg, compress); err != nil {
			log.Warn("echo failed", zap.Error(err))
			if errors.Is(err, meshsocket.ErrConnectionClosed) {
				return
			}
		}
	}
}
