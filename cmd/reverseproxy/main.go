// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/xtaci/reverseproxy/internal/engine"
	"github.com/xtaci/reverseproxy/internal/logging"
	"github.com/xtaci/reverseproxy/internal/proxy"
	"github.com/xtaci/reverseproxy/internal/sockopt"
)

// VERSION is injected by build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "reverseproxy"
	myApp.Usage = "single-threaded, edge-triggered TCP/HTTP reverse proxy"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "listen,l",
			Value: "0.0.0.0",
			Usage: "address to listen on",
		},
		cli.IntFlag{
			Name:  "port,p",
			Value: 8080,
			Usage: "port to listen on",
		},
		cli.StringFlag{
			Name:  "backend,b",
			Value: "127.0.0.1",
			Usage: "backend address to forward to",
		},
		cli.IntFlag{
			Name:  "backend-port,P",
			Value: 8081,
			Usage: "backend port to forward to",
		},
		cli.StringFlag{
			Name:  "mode,m",
			Value: "http",
			Usage: "forwarding mode: tcp (byte-transparent) or http (request-aware, keep-alive)",
		},
		cli.IntFlag{
			Name:  "max-connections",
			Value: 10000,
			Usage: "fixed connection pool capacity; accepted connections beyond this are dropped",
		},
		cli.IntFlag{
			Name:  "buffer-size",
			Value: 16384,
			Usage: "fixed per-connection read/write buffer capacity, in bytes",
		},
		cli.IntFlag{
			Name:  "idle-timeout",
			Value: 60,
			Usage: "seconds of inactivity before a connection (and, in tcp mode, its pair) is closed, 0 to disable",
		},
		cli.IntFlag{
			Name:  "max-requests-per-conn",
			Value: 1000,
			Usage: "HTTP mode only: keep-alive requests served before a connection is forcibly closed",
		},
		cli.IntFlag{
			Name:  "max-request-size",
			Value: 10 * 1024 * 1024,
			Usage: "HTTP mode only: maximum buffered bytes for an in-flight request head+body",
		},
		cli.IntFlag{
			Name:  "metrics-port",
			Value: 0,
			Usage: "serve Prometheus metrics on this port, 0 to disable",
		},
		cli.BoolFlag{
			Name:  "quiet",
			Usage: "suppress informational logging",
		},
	}

	myApp.Action = func(c *cli.Context) error {
		return run(c)
	}

	myApp.Run(os.Args)
}

func run(c *cli.Context) error {
	zapLogger, err := buildZapLogger(c.Bool("quiet"))
	if err != nil {
		return errors.Wrap(err, "build logger")
	}
	defer zapLogger.Sync()
	log := logging.NewZap(zapLogger.Sugar())

	cfg, err := buildConfig(c)
	if err != nil {
		log.Errorf("invalid configuration: %v", err)
		os.Exit(-1)
	}

	p, err := proxy.New(cfg, log)
	if err != nil {
		log.Errorf("failed to start proxy: %+v", err)
		os.Exit(-1)
	}

	installSignalHandler(p, log)

	if metricsPort := c.Int("metrics-port"); metricsPort > 0 {
		go serveMetrics(p, metricsPort, log)
	}

	if err := p.Run(); err != nil {
		log.Errorf("proxy exited with error: %+v", err)
		os.Exit(-1)
	}
	return nil
}

// buildConfig validates and resolves the CLI flags into proxy.Config,
// rejecting the teacher-style footguns explicitly: an address that does not
// parse as IPv4, or a listen/backend pair that is identical (an immediate
// forwarding loop).
func buildConfig(c *cli.Context) (proxy.Config, error) {
	var mode engine.Mode
	switch c.String("mode") {
	case "tcp":
		mode = engine.ModeTCP
	case "http":
		mode = engine.ModeHTTP
	default:
		return proxy.Config{}, errors.Errorf("unsupported mode %q (want tcp or http)", c.String("mode"))
	}

	listenIP, err := sockopt.ParseIPv4(resolveBindAddr(c.String("listen")))
	if err != nil {
		return proxy.Config{}, errors.Wrap(err, "listen address")
	}
	backendIP, err := sockopt.ParseIPv4(c.String("backend"))
	if err != nil {
		return proxy.Config{}, errors.Wrap(err, "backend address")
	}

	listenPort := c.Int("port")
	backendPort := c.Int("backend-port")
	if listenIP == backendIP && listenPort == backendPort {
		return proxy.Config{}, errors.New("listen and backend addresses must not be identical")
	}

	return proxy.Config{
		Mode:               mode,
		ListenIP:           listenIP,
		ListenPort:         listenPort,
		BackendIP:          backendIP,
		BackendPort:        backendPort,
		MaxConnections:     c.Int("max-connections"),
		MaxEventsPerWait:   256,
		BufferSize:         c.Int("buffer-size"),
		ConnectTimeout:      5 * time.Second,
		IdleTimeout:        time.Duration(c.Int("idle-timeout")) * time.Second,
		MaxRequestsPerConn: uint32(c.Int("max-requests-per-conn")),
		MaxRequestSize:     int64(c.Int("max-request-size")),
	}, nil
}

// resolveBindAddr maps the conventional "0.0.0.0" to itself; sockopt.ParseIPv4
// and sockopt.NewListener already accept it as a literal bind-all address, kept as its own
// function as a seam for a future hostname-resolution flag.
func resolveBindAddr(s string) string {
	return s
}

func buildZapLogger(quiet bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if quiet {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	return cfg.Build()
}

func serveMetrics(p *proxy.Proxy, port int, log logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(p.Stats().Registry, promhttp.HandlerOpts{}))
	addr := fmt.Sprintf(":%d", port)
	log.Infof("serving metrics on %s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warnf("metrics server stopped: %v", err)
	}
}
