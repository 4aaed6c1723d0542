// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Program pcsh is a command-line utility for reading and writing the
// parameters of remote nodes, and for serving a node of its own.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/param"
	"github.com/creachadair/param/config"
	"github.com/creachadair/param/hosts"
	"github.com/creachadair/param/internal/logging"
	"github.com/creachadair/param/peers"
	"github.com/creachadair/param/store"
	"github.com/rs/zerolog"
)

var flags struct {
	Config  string        `flag:"config,Configuration file (default $PCSH_CONFIG)"`
	Node    string        `flag:"node,Default node (host name or address)"`
	Timeout time.Duration `flag:"timeout,Per-call timeout (overrides the config)"`
	Connect string        `flag:"connect,Address of the default route"`
	DB      string        `flag:"db,Parameter database (overrides serve.db)"`
	Trace   bool          `flag:"trace,Log every packet exchanged"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Read and write the parameters of remote nodes.",
		SetFlags: command.Flags(flax.MustBind, &flags),
		Init:     initSession,
		Commands: []*command.C{
			pingCmd, identCmd, uptimeCmd, rebootCmd,
			getCmd, setCmd, pullCmd, pushCmd,
			listCmd, hostsCmd, vmemCmd, serveCmd,
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// A session holds the state shared by the subcommands of one run.
type session struct {
	cfg    config.Config
	log    zerolog.Logger
	hosts  hosts.Table
	node   param.Node // default node
	reg    *param.Registry
	router *peers.Router
	client *param.Client
	db     *store.Store // nil if no database is configured
}

var sess session

func initSession(env *command.Env) error {
	cfg := config.Default()
	path := flags.Config
	if path == "" {
		path = os.Getenv("PCSH_CONFIG")
	}
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return err
		}
	}
	if flags.Timeout > 0 {
		cfg.Timeout = flags.Timeout
	}
	if flags.DB != "" {
		cfg.Serve.DB = flags.DB
	}
	level := logging.Level(cfg.LogLevel)
	if flags.Trace {
		level = "trace"
	}
	log, err := logging.New(os.Stderr, level)
	if err != nil {
		return err
	}

	sess = session{cfg: cfg, log: log, hosts: cfg.HostTable(), node: cfg.Node, reg: param.NewRegistry()}
	if flags.Node != "" {
		n, err := sess.hosts.Resolve(flags.Node)
		if err != nil {
			return env.Usagef("invalid --node: %v", err)
		}
		sess.node = n
	}
	return nil
}

// connect opens the parameter database, if any, and if dial is true connects
// the configured routes. The caller must call close when finished.
func (s *session) connect(ctx context.Context, dial bool) error {
	s.router = peers.NewRouter()
	if flags.Trace {
		s.router.LogPackets(logging.Packets(s.log))
	}
	s.client = param.NewClient(s.reg, s.router, s.cfg.Options(&s.log))

	var routes []config.Route
	if dial {
		routes = s.cfg.Routes
	}
	if dial && flags.Connect != "" {
		routes = append(routes, config.Route{Node: param.Local, Addr: flags.Connect})
	}
	for _, r := range routes {
		if _, err := s.router.Dial(ctx, r.Node, r.Addr); err != nil {
			s.close()
			return fmt.Errorf("route node %d: %w", r.Node, err)
		}
		s.log.Debug().Uint16("node", uint16(r.Node)).Str("addr", r.Addr).Msg("connected")
	}

	if s.cfg.Serve.DB != "" {
		db, err := store.Open(s.cfg.Serve.DB)
		if err != nil {
			s.close()
			return err
		}
		s.db = db
		ps, err := db.Load(ctx, s.reg, 0, true)
		if err != nil {
			s.close()
			return err
		}
		s.log.Debug().Int("params", len(ps)).Str("db", s.cfg.Serve.DB).Msg("loaded parameters")
	}
	return nil
}

func (s *session) close() {
	if s.router != nil {
		if err := s.router.Close(); err != nil {
			s.log.Debug().Err(err).Msg("closing router")
		}
	}
	if s.db != nil {
		s.db.Close()
	}
}

// withClient adapts run into a command.C Run function that has a connected
// session.
func withClient(run func(env *command.Env, s *session) error) func(*command.Env) error {
	return withSession(true, run)
}

// withLocal is like withClient, but does not connect to any node.
func withLocal(run func(env *command.Env, s *session) error) func(*command.Env) error {
	return withSession(false, run)
}

func withSession(dial bool, run func(env *command.Env, s *session) error) func(*command.Env) error {
	return func(env *command.Env) error {
		if err := sess.connect(env.Context(), dial); err != nil {
			return err
		}
		defer sess.close()
		return run(env, &sess)
	}
}

// resolve returns the node named by s, or the default node if s is empty.
func (s *session) resolve(name string) (param.Node, error) {
	if name == "" {
		return s.node, nil
	}
	return s.hosts.Resolve(name)
}

// nodeName renders n with its host name, if it has one.
func (s *session) nodeName(n param.Node) string {
	if name := s.hosts.Name(n); name != "" {
		return fmt.Sprintf("%s (%d)", name, n)
	}
	return fmt.Sprint(n)
}

// download fetches the parameter list of node, and saves it to the
// database if there is one.
func (s *session) download(ctx context.Context, node param.Node) ([]*param.Param, error) {
	ps, err := s.client.ListDownload(ctx, node)
	if err != nil {
		return nil, err
	}
	if s.db != nil {
		if err := s.db.Save(ctx, ps); err != nil {
			return ps, err
		}
	}
	return ps, nil
}

// isNotFound reports whether err means a parameter is not registered.
func isNotFound(err error) bool {
	var lerr *param.LookupError
	return errors.As(err, &lerr)
}
