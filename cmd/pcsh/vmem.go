// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/param"
	"github.com/creachadair/param/hosts"
)

var vmemFlags struct {
	Node string `flag:"n,Node to address (default --node)"`
	Out  string `flag:"o,Write downloaded data to this file (default stdout)"`
}

var vmemCmd = &command.C{
	Name:     "vmem",
	Usage:    "[-n node]\n<command> [args]",
	Help:     "List the memory areas of a node, or transfer memory contents.",
	SetFlags: command.Flags(flax.MustBind, &vmemFlags),
	Run: withClient(func(env *command.Env, s *session) error {
		node, err := s.resolve(vmemFlags.Node)
		if err != nil {
			return err
		}
		areas, err := s.client.VmemList(env.Context(), node)
		if err != nil {
			return err
		}
		for _, a := range areas {
			fmt.Println(a)
		}
		return nil
	}),
	Commands: []*command.C{
		{
			Name:     "download",
			Usage:    "[-n node] [-o file] <addr> <length>",
			Help:     "Read a range of node memory.",
			SetFlags: command.Flags(flax.MustBind, &vmemFlags),
			Run: withClient(func(env *command.Env, s *session) error {
				if len(env.Args) != 2 {
					return env.Usagef("an address and a length are required")
				}
				node, addr, err := s.vmemTarget(env.Args[0])
				if err != nil {
					return err
				}
				length, err := strconv.ParseUint(env.Args[1], 0, 32)
				if err != nil {
					return fmt.Errorf("invalid length: %w", err)
				}
				data, err := s.client.VmemDownload(env.Context(), addr, int(length), node)
				if err != nil {
					return err
				}
				if vmemFlags.Out == "" {
					_, err = os.Stdout.Write(data)
					return err
				}
				return os.WriteFile(vmemFlags.Out, data, 0644)
			}),
		},
		{
			Name:     "upload",
			Usage:    "[-n node] <addr> <file>",
			Help:     "Write the contents of a file to node memory.",
			SetFlags: command.Flags(flax.MustBind, &vmemFlags),
			Run: withClient(func(env *command.Env, s *session) error {
				if len(env.Args) != 2 {
					return env.Usagef("an address and a file are required")
				}
				node, addr, err := s.vmemTarget(env.Args[0])
				if err != nil {
					return err
				}
				data, err := os.ReadFile(env.Args[1])
				if err != nil {
					return err
				}
				if err := s.client.VmemUpload(env.Context(), addr, data, node); err != nil {
					return err
				}
				fmt.Printf("wrote %d bytes at %#x on %s\n", len(data), addr, s.nodeName(node))
				return nil
			}),
		},
	},
}

func (s *session) vmemTarget(addrText string) (param.Node, uint64, error) {
	node, err := s.resolve(vmemFlags.Node)
	if err != nil {
		return 0, 0, err
	}
	addr, err := strconv.ParseUint(addrText, 0, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid address: %w", err)
	}
	return node, addr, nil
}

var hostsCmd = &command.C{
	Name:  "hosts",
	Usage: "[node]",
	Help: `Print the known host names.

With a node argument, the host table of that node is fetched and merged into
the table shown.`,
	Run: withClient(func(env *command.Env, s *session) error {
		if len(env.Args) > 1 {
			return env.Usagef("extra arguments: %q", env.Args[1:])
		}
		if len(env.Args) == 1 {
			node, err := s.resolve(env.Args[0])
			if err != nil {
				return err
			}
			data, err := s.router.Call(env.Context(), node, param.PortHosts, nil)
			if err != nil {
				return err
			}
			remote := hosts.New()
			if err := remote.Decode(data); err != nil {
				return fmt.Errorf("hosts of %s: %w", s.nodeName(node), err)
			}
			for _, name := range remote.Names() {
				n, _ := remote.Lookup(name)
				s.hosts.Set(name, n)
			}
		}
		for _, name := range s.hosts.Names() {
			n, _ := s.hosts.Lookup(name)
			fmt.Printf("%-16s %d\n", name, n)
		}
		return nil
	}),
}
