package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/Zereker/meshsocket/transport"
)

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:  "send",
		Usage: "Connect to a peer, send one message and print the reply",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "to",
				Usage:    "Mesh address of the receiving node",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "message",
				Aliases: []string{"m"},
				Usage:   "Message text; read from stdin when empty",
			},
			&cli.BoolFlag{
				Name:  "compress",
				Usage: "Compress the message before sending",
			},
			&cli.DurationFlag{
				Name:  "wait",
				Usage: "How long to wait for a reply; 0 sends without waiting",
				Value: 0,
			},
		},
		Action: sendAction,
	}
}

func sendAction(c *cli.Context) error {
	msg := []byte(c.String("message"))
	if len(msg) == 0 {
		b, err := io.ReadAll(c.App.Reader)
		if err != nil {
			return err
		}
		msg = b
	}

	n, err := openNode(c)
	if err != nil {
		return err
	}
	defer n.close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	req := sendRequest{
		to:       transport.PeerID(c.String("to")),
		message:  msg,
		compress: c.Bool("compress"),
		wait:     c.Duration("wait"),
	}
	err = n.run(ctx, func(ctx context.Context) error {
		reply, err := req.do(ctx, n)
		if err != nil {
			return err
		}
		if reply != nil {
			_, _ = fmt.Fprintln(c.App.Writer, string(reply))
		}
		return nil
	})
	return exitCode(err)
}

type sendRequest struct {
	to       transport.PeerID
	message  []byte
	compress bool
	wait     time.Duration
}

// do connects, writes the message and optionally waits for one reply.
func (r sendRequest) do(ctx context.Context, n *node) ([]byte, error) {
	conn, err := n.dispatcher.Connect(ctx, r.to, 0)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	start := time.Now()
	if err := conn.Write(r.message, r.compress); err != nil {
		return nil, err
	}
	n.logger.Info("message sent",
		zap.String("conn", conn.ID()),
		zap.Int("bytes", len(r.message)),
		zap.Duration("elapsed", time.Since(start)))

	if r.wait <= 0 {
		return nil, nil
	}
	return conn.Read(r.wait)
}
