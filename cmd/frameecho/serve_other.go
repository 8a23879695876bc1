//go:build !unix

package main

import (
	"context"

	"github.com/pkg/errors"

	"github.com/Zereker/tcpframe"
)

func serveNonBlocking(context.Context, config, tcpframe.Logger, *tcpframe.Metrics, []tcpframe.Option) error {
	return errors.New("nonblocking mode needs a unix socket descriptor")
}
