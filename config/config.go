// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package config loads the settings of the pcsh tool from a TOML file.
//
// A configuration file looks like this:
//
//	node = 5
//	timeout = "500ms"
//	retries = 2
//	log_level = "debug"
//
//	[[hosts]]
//	name = "radio"
//	node = 5
//
//	[[routes]]
//	node = 5
//	addr = "localhost:9101"
//
//	[serve]
//	node = 5
//	addr = ":9101"
//	hostname = "radio"
//
//	[[serve.vmem]]
//	name = "ram"
//	addr = 0x1000
//	size = 4096
//
//	[[serve.params]]
//	id = 1
//	name = "gain"
//	type = "float"
//	count = 4
//	value = 1.5
//
// Keys that are not set keep the values of [Default].
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/creachadair/param"
	"github.com/creachadair/param/hosts"
	"github.com/creachadair/param/service"
	"github.com/rs/zerolog"
)

// Config is the complete configuration.
type Config struct {
	Node     param.Node    // default node for commands
	Timeout  time.Duration // per-call timeout
	Retries  int           // attempts per call (see param.Options)
	LogLevel string        // a zerolog level name
	Hosts    []Host
	Routes   []Route
	Serve    Serve
}

// A Host names a node.
type Host struct {
	Name string     `toml:"name"`
	Node param.Node `toml:"node"`
}

// A Route says how to reach a node. The address is "ws://..." or
// "wss://..." for a websocket, or a network address as accepted by
// csp.SplitAddress.
type Route struct {
	Node param.Node `toml:"node"`
	Addr string     `toml:"addr"`
}

// Serve configures the node served by the serve command.
type Serve struct {
	Node        param.Node // bus address of the node; 0 answers any address
	Addr        string     // csp listener address
	WSAddr      string     // websocket listener address
	MetricsAddr string     // HTTP address for Prometheus metrics
	DB          string     // SQLite database of parameter values
	Hostname    string
	Model       string
	Revision    string
	Vmem        []Vmem
	Params      []Param
}

// Vmem is a memory area of a served node.
type Vmem struct {
	Name     string `toml:"name"`
	Addr     uint64 `toml:"addr"`
	Size     int    `toml:"size"`
	ReadOnly bool   `toml:"read_only"`
}

// Param describes a parameter of a served node.
type Param struct {
	ID    uint16 `toml:"id"`
	Name  string `toml:"name"`
	Type  string `toml:"type"`
	Count int    `toml:"count"`
	Mask  string `toml:"mask"`
	Unit  string `toml:"unit"`
	Doc   string `toml:"doc"`
	Value any    `toml:"value"` // initial value, optional
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Timeout:  time.Second,
		Retries:  1,
		LogLevel: "info",
		Serve: Serve{
			Hostname: "pcsh",
			Model:    "pcsh",
			Revision: "dev",
		},
	}
}

type fileConfig struct {
	Node     param.Node `toml:"node"`
	Timeout  string     `toml:"timeout"`
	Retries  int        `toml:"retries"`
	LogLevel string     `toml:"log_level"`
	Hosts    []Host     `toml:"hosts"`
	Routes   []Route    `toml:"routes"`
	Serve    struct {
		Node        param.Node `toml:"node"`
		Addr        string     `toml:"addr"`
		WSAddr      string     `toml:"ws_addr"`
		MetricsAddr string     `toml:"metrics_addr"`
		DB          string     `toml:"db"`
		Hostname    string     `toml:"hostname"`
		Model       string     `toml:"model"`
		Revision    string     `toml:"revision"`
		Vmem        []Vmem     `toml:"vmem"`
		Params      []Param    `toml:"params"`
	} `toml:"serve"`
}

// Load reads the configuration file at path over the defaults, and checks
// the result.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if keys := meta.Undecoded(); len(keys) != 0 {
		return Config{}, fmt.Errorf("load config: unknown keys %v", keys)
	}

	if meta.IsDefined("node") {
		cfg.Node = raw.Node
	}
	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse timeout: %w", err)
		}
		cfg.Timeout = d
	}
	if meta.IsDefined("retries") {
		cfg.Retries = raw.Retries
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("hosts") {
		cfg.Hosts = raw.Hosts
	}
	if meta.IsDefined("routes") {
		cfg.Routes = raw.Routes
	}

	s, rs := &cfg.Serve, &raw.Serve
	if meta.IsDefined("serve", "node") {
		s.Node = rs.Node
	}
	if meta.IsDefined("serve", "addr") {
		s.Addr = strings.TrimSpace(rs.Addr)
	}
	if meta.IsDefined("serve", "ws_addr") {
		s.WSAddr = strings.TrimSpace(rs.WSAddr)
	}
	if meta.IsDefined("serve", "metrics_addr") {
		s.MetricsAddr = strings.TrimSpace(rs.MetricsAddr)
	}
	if meta.IsDefined("serve", "db") {
		s.DB = strings.TrimSpace(rs.DB)
	}
	if meta.IsDefined("serve", "hostname") {
		s.Hostname = strings.TrimSpace(rs.Hostname)
	}
	if meta.IsDefined("serve", "model") {
		s.Model = strings.TrimSpace(rs.Model)
	}
	if meta.IsDefined("serve", "revision") {
		s.Revision = strings.TrimSpace(rs.Revision)
	}
	if meta.IsDefined("serve", "vmem") {
		s.Vmem = rs.Vmem
	}
	if meta.IsDefined("serve", "params") {
		s.Params = rs.Params
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Validate reports an error if c is not usable.
func (c Config) Validate() error {
	var errs []error
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %v", c.Timeout))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil || c.LogLevel == "" {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.LogLevel))
	}
	seen := make(map[string]bool)
	for _, h := range c.Hosts {
		if h.Name == "" || strings.ContainsAny(h.Name, " \t:") {
			errs = append(errs, fmt.Errorf("invalid host name %q", h.Name))
		} else if seen[h.Name] {
			errs = append(errs, fmt.Errorf("duplicate host name %q", h.Name))
		}
		seen[h.Name] = true
	}
	for _, r := range c.Routes {
		if r.Addr == "" {
			errs = append(errs, fmt.Errorf("route for node %d has no address", r.Node))
		}
	}
	if _, err := c.Serve.Areas(); err != nil {
		errs = append(errs, err)
	}
	for _, p := range c.Serve.Params {
		if _, err := p.Desc(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HostTable returns a table of the configured host names.
func (c Config) HostTable() hosts.Table {
	tab := hosts.New()
	for _, h := range c.Hosts {
		tab.Set(h.Name, h.Node)
	}
	return tab
}

// Options returns client options for c.
func (c Config) Options(log *zerolog.Logger) *param.Options {
	return &param.Options{Timeout: c.Timeout, Retries: c.Retries, Host: param.Local, Logger: log}
}

// Desc returns the parameter description of p, on the local node.
func (p Param) Desc() (param.Desc, error) {
	typ, err := param.ParseType(p.Type)
	if err != nil {
		return param.Desc{}, fmt.Errorf("param %q: %w", p.Name, err)
	}
	mask, err := param.ParseMask(p.Mask)
	if err != nil {
		return param.Desc{}, fmt.Errorf("param %q: %w", p.Name, err)
	}
	return param.Desc{
		ID:    p.ID,
		Name:  p.Name,
		Type:  typ,
		Count: p.Count,
		Mask:  mask,
		Unit:  p.Unit,
		Doc:   p.Doc,
	}, nil
}

// Register adds the configured parameters to reg and sets their initial
// values.
func (s Serve) Register(reg *param.Registry) error {
	for _, cp := range s.Params {
		d, err := cp.Desc()
		if err != nil {
			return err
		}
		p, _, err := reg.Add(d)
		if err != nil {
			return fmt.Errorf("param %q: %w", cp.Name, err)
		}
		if cp.Value != nil {
			if err := p.View().Set(param.Whole, cp.Value); err != nil {
				return fmt.Errorf("param %q value: %w", cp.Name, err)
			}
		}
	}
	return nil
}

// Areas returns fresh memory areas for the configured vmem regions.
func (s Serve) Areas() ([]*service.Area, error) {
	var out []*service.Area
	for _, v := range s.Vmem {
		if v.Name == "" || v.Size <= 0 {
			return nil, fmt.Errorf("invalid vmem area %q (size %d)", v.Name, v.Size)
		}
		for _, a := range out {
			if v.Addr < a.Addr+uint64(len(a.Mem)) && a.Addr < v.Addr+uint64(v.Size) {
				return nil, fmt.Errorf("vmem area %q overlaps %q", v.Name, a.Name)
			}
		}
		out = append(out, &service.Area{
			Name:     v.Name,
			Addr:     v.Addr,
			Mem:      make([]byte, v.Size),
			ReadOnly: v.ReadOnly,
		})
	}
	return out, nil
}

// Ident returns the identity of the served node.
func (s Serve) Ident() param.Ident {
	return param.Ident{Hostname: s.Hostname, Model: s.Model, Revision: s.Revision}
}
