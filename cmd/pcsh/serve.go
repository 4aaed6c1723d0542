// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/param"
	"github.com/creachadair/param/config"
	"github.com/creachadair/param/csp"
	"github.com/creachadair/param/export"
	"github.com/creachadair/param/internal/logging"
	"github.com/creachadair/param/peers"
	"github.com/creachadair/param/service"
	"github.com/creachadair/param/store"
	"github.com/creachadair/taskgroup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var serveFlags struct {
	Addr        string `flag:"addr,Listen address (overrides serve.addr)"`
	WSAddr      string `flag:"ws-addr,Websocket listen address (overrides serve.ws_addr)"`
	MetricsAddr string `flag:"metrics-addr,Metrics listen address (overrides serve.metrics_addr)"`
}

var serveCmd = &command.C{
	Name:  "serve",
	Usage: "[--addr a] [--ws-addr a] [--metrics-addr a]",
	Help: `Serve the parameters and memory areas of the configured node.

The parameters and areas are defined in the [serve] section of the
configuration file. If a parameter database is configured, stored values
replace the configured initial values, and each change is saved.

The node runs until interrupted or until a client asks it to reboot.`,
	SetFlags: command.Flags(flax.MustBind, &serveFlags),
	Run: func(env *command.Env) error {
		cfg := sess.cfg.Serve
		if serveFlags.Addr != "" {
			cfg.Addr = serveFlags.Addr
		}
		if serveFlags.WSAddr != "" {
			cfg.WSAddr = serveFlags.WSAddr
		}
		if serveFlags.MetricsAddr != "" {
			cfg.MetricsAddr = serveFlags.MetricsAddr
		}
		if cfg.Addr == "" && cfg.WSAddr == "" {
			return env.Usagef("no listen address is configured")
		}
		return runServe(env.Context(), cfg)
	},
}

func runServe(ctx context.Context, cfg config.Serve) error {
	log := sess.log.With().Str("node", cfg.Hostname).Logger()

	reg := param.NewRegistry()
	if err := cfg.Register(reg); err != nil {
		return err
	}
	if cfg.DB != "" {
		db, err := store.Open(cfg.DB)
		if err != nil {
			return err
		}
		defer db.Close()
		if _, err := db.Load(ctx, reg, param.Local, false); err != nil {
			return err
		}
		// Persist each change.
		save := func(p *param.Param, offset int) {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := db.Save(sctx, []*param.Param{p}); err != nil {
				log.Error().Err(err).Str("param", p.Name()).Msg("saving parameter")
				return
			}
			log.Debug().Str("param", p.Name()).Int("offset", offset).Msg("saved")
		}
		for _, p := range reg.List() {
			p.SetCallback(save)
		}
	}
	areas, err := cfg.Areas()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	node := service.New(service.Config{
		Registry: reg,
		Addr:     cfg.Node,
		Ident:    cfg.Ident(),
		Areas:    areas,
		Hosts:    sess.hosts,
		Reboot: func() {
			log.Info().Msg("reboot requested, stopping")
			cancel()
		},
		Logger: &log,
	})
	newPeer := func() *csp.Peer {
		peer := node.Bind(csp.NewPeer())
		peer.NewContext(func() context.Context { return ctx })
		if flags.Trace {
			peer.LogPackets(logging.Packets(log))
		}
		return peer
	}

	g := taskgroup.New(taskgroup.Trigger(cancel))
	if cfg.Addr != "" {
		network, address := csp.SplitAddress(cfg.Addr)
		lst, err := net.Listen(network, address)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		log.Info().Str("addr", lst.Addr().String()).Int("params", reg.Len()).Msg("serving")
		g.Go(func() error { return peers.Loop(ctx, peers.NetAccepter(lst), newPeer) })
	}
	if cfg.WSAddr != "" {
		acc := peers.NewWebSocketAccepter(nil)
		mux := http.NewServeMux()
		mux.Handle("/", acc)
		srv := &http.Server{Addr: cfg.WSAddr, Handler: mux}
		log.Info().Str("addr", cfg.WSAddr).Msg("serving websocket")
		g.Go(func() error { return peers.Loop(ctx, acc, newPeer) })
		g.Go(func() error { return serveHTTP(ctx, srv, acc.Close) })
	}
	if cfg.MetricsAddr != "" {
		pr := prometheus.NewRegistry()
		pr.MustRegister(
			export.NewCollector(reg, export.Options{Filter: param.Filter{Exclude: param.DefaultExclude}}),
			export.NewPeerCollector("", nil),
			collectors.NewGoCollector(),
		)
		expvar.Publish("csp", csp.Metrics())
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(pr, promhttp.HandlerOpts{}))
		mux.Handle("/debug/vars", expvar.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		log.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
		g.Go(func() error { return serveHTTP(ctx, srv, nil) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info().Err(err).Msg("server exited")
	return err
}

// serveHTTP runs srv until ctx ends, then shuts it down and calls stop if it
// is not nil.
func serveHTTP(ctx context.Context, srv *http.Server, stop func() error) error {
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
		if stop != nil {
			stop()
		}
	}()
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
