package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/jobadmit/internal/common/logctx"
)

// CreateContextWithShutdown returns a context that will report done when a SIGINT or SIGTERM is received.
func CreateContextWithShutdown() *logctx.Context {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-c:
			log.Infof("Received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return logctx.New(ctx, log.NewEntry(log.StandardLogger()))
}
