//go:build unix

package main

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/Zereker/tcpframe"
)

// serveNonBlocking accepts connections and drives each through a
// NonBlockingChannel parked on the runtime netpoller. All connections share
// one write buffer pool.
func serveNonBlocking(ctx context.Context, cfg config, logger tcpframe.Logger, metrics *tcpframe.Metrics, opts []tcpframe.Option) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	pool := tcpframe.NewBufferPool(cfg.MaxBuffers, cfg.MaxFrameSize+64)
	pool.SetMetrics(metrics)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			return err
		}

		ep, err := tcpframe.NewRawEndpoint(conn)
		if err != nil {
			logger.Error("endpoint setup failed", "error", err)
			_ = conn.Close()
			continue
		}

		var ch *tcpframe.NonBlockingChannel
		ch, err = tcpframe.NewNonBlockingChannel(ep, pool, append(opts, tcpframe.OnFrameOption(func(f tcpframe.Frame) error {
			return ch.PollWrite(ctx, f.Payload)
		}))...)
		if err != nil {
			logger.Error("channel setup failed", "error", err)
			_ = conn.Close()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ch.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Debug("connection ended", "peer", ch.Peer().String(), "error", err)
			}
		}()
	}
}
