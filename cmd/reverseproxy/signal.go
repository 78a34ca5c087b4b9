// +build linux darwin freebsd

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/xtaci/reverseproxy/internal/logging"
	"github.com/xtaci/reverseproxy/internal/proxy"
)

// installSignalHandler ignores SIGPIPE (writes to a peer that already reset
// must surface as an EPIPE return, not kill the process) and triggers a
// graceful Shutdown on SIGINT/SIGTERM.
func installSignalHandler(p *proxy.Proxy, log logging.Logger) {
	signal.Ignore(syscall.SIGPIPE)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-ch
		log.Infof("received %v, shutting down", sig)
		p.Shutdown()
	}()
}
