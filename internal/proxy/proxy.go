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

//go:build linux
// +build linux

// Package proxy wires the readiness registry, the connection pool, and the
// forwarding engine into the single blocking Run loop the binary calls,
// plus an idempotent Shutdown any signal handler can call from outside that
// loop. It is the top-level object spec.md §4 calls the Proxy Core.
package proxy

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/xtaci/reverseproxy/internal/engine"
	"github.com/xtaci/reverseproxy/internal/logging"
	"github.com/xtaci/reverseproxy/internal/netpoll"
	"github.com/xtaci/reverseproxy/internal/sockopt"
	"github.com/xtaci/reverseproxy/internal/stats"
)

// pollTimeoutMs bounds how long a single Wait blocks, which in turn is the
// granularity of the engine's idle-connection sweep and of how quickly Run
// notices a Shutdown request (spec.md §6's 1000ms maintenance tick).
const pollTimeoutMs = 1000

// Config is the fully-resolved, validated configuration for one Proxy
// instance (spec.md §6's CLI surface, post-parsing).
type Config struct {
	Mode engine.Mode

	ListenIP   [4]byte
	ListenPort int

	BackendIP   [4]byte
	BackendPort int

	MaxConnections     int
	MaxEventsPerWait   int
	BufferSize         int
	ConnectTimeout     time.Duration
	IdleTimeout        time.Duration
	MaxRequestsPerConn uint32
	MaxRequestSize     int64
}

// Proxy owns the listening socket, the poller, the engine, and the Stats
// registry for one running instance.
type Proxy struct {
	cfg    Config
	log    logging.Logger
	stats  *stats.Stats
	poller *netpoll.Poller
	eng    *engine.Engine

	shuttingDown atomic.Bool
}

// New creates the listener, the poller, and the engine, but performs no I/O
// wait yet; call Run to start serving.
func New(cfg Config, log logging.Logger) (*Proxy, error) {
	listenFD, err := sockopt.NewListener(cfg.ListenIP, cfg.ListenPort)
	if err != nil {
		return nil, errors.Wrap(err, "create listener")
	}

	poller, err := netpoll.New(cfg.MaxEventsPerWait)
	if err != nil {
		return nil, errors.Wrap(err, "create poller")
	}

	st := stats.New()

	engCfg := engine.Config{
		Mode:               cfg.Mode,
		MaxConnections:     cfg.MaxConnections,
		MaxEventsPerWait:   cfg.MaxEventsPerWait,
		BufferSize:         cfg.BufferSize,
		ConnectTimeout:     cfg.ConnectTimeout,
		IdleTimeout:        cfg.IdleTimeout,
		MaxRequestsPerConn: cfg.MaxRequestsPerConn,
		MaxRequestSize:     cfg.MaxRequestSize,
		BackendIP:          cfg.BackendIP,
		BackendPort:        cfg.BackendPort,
	}
	eng, err := engine.New(engCfg, poller, listenFD, log, st)
	if err != nil {
		poller.Close()
		return nil, errors.Wrap(err, "create engine")
	}

	return &Proxy{cfg: cfg, log: log, stats: st, poller: poller, eng: eng}, nil
}

// Stats exposes the Prometheus registry for cmd/reverseproxy to serve.
func (p *Proxy) Stats() *stats.Stats { return p.stats }

// ListenPort reports the bound listener port (useful when cfg.ListenPort
// was 0).
func (p *Proxy) ListenPort() int { return p.eng.ListenPort() }

// Run blocks, driving the event loop until Shutdown is called. It returns
// nil once shutdown completes cleanly.
func (p *Proxy) Run() error {
	p.log.Infof("proxy listening on port %d", p.eng.ListenPort())
	for !p.shuttingDown.Load() {
		if _, err := p.eng.RunOnce(pollTimeoutMs); err != nil {
			return errors.Wrap(err, "event loop")
		}
	}
	p.eng.Shutdown()
	if err := p.poller.Close(); err != nil {
		p.log.Warnf("close poller: %v", err)
	}
	return nil
}

// Shutdown requests the Run loop exit after its current wait returns. Safe
// to call from a signal handler goroutine; idempotent via the atomic flag.
func (p *Proxy) Shutdown() {
	p.shuttingDown.Store(true)
}
