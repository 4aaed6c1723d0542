// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/param"
	"github.com/creachadair/param/listfile"
)

var pingCmd = &command.C{
	Name:  "ping",
	Usage: "[node ...]",
	Help:  "Report the round-trip time of an echo exchange with each node.",
	Run: withClient(func(env *command.Env, s *session) error {
		args := env.Args
		if len(args) == 0 {
			args = []string{""}
		}
		for _, arg := range args {
			node, err := s.resolve(arg)
			if err != nil {
				return err
			}
			if rtt := s.client.Ping(env.Context(), node); rtt < 0 {
				fmt.Printf("%s: no reply\n", s.nodeName(node))
			} else {
				fmt.Printf("%s: %v\n", s.nodeName(node), rtt)
			}
		}
		return nil
	}),
}

var identCmd = &command.C{
	Name:  "ident",
	Usage: "[node]",
	Help:  "Print the identity of a node.",
	Run: withClient(func(env *command.Env, s *session) error {
		node, err := s.nodeArg(env)
		if err != nil {
			return err
		}
		id, err := s.client.Ident(env.Context(), node)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	}),
}

var uptimeCmd = &command.C{
	Name:  "uptime",
	Usage: "[node]",
	Help:  "Print how long a node has been running.",
	Run: withClient(func(env *command.Env, s *session) error {
		node, err := s.nodeArg(env)
		if err != nil {
			return err
		}
		up, err := s.client.Uptime(env.Context(), node)
		if err != nil {
			return err
		}
		fmt.Printf("%s: up %v\n", s.nodeName(node), up)
		return nil
	}),
}

var rebootCmd = &command.C{
	Name:  "reboot",
	Usage: "<node>",
	Help:  "Ask a node to restart.",
	Run: withClient(func(env *command.Env, s *session) error {
		if len(env.Args) != 1 {
			return env.Usagef("a node is required")
		}
		node, err := s.resolve(env.Args[0])
		if err != nil {
			return err
		}
		return s.client.Reboot(env.Context(), node)
	}),
}

// nodeArg returns the node named by the only argument of env, or the default
// node if there are no arguments.
func (s *session) nodeArg(env *command.Env) (param.Node, error) {
	switch len(env.Args) {
	case 0:
		return s.node, nil
	case 1:
		return s.resolve(env.Args[0])
	}
	return 0, env.Usagef("extra arguments after node: %q", env.Args[1:])
}

var getCmd = &command.C{
	Name:  "get",
	Usage: "<param>[index] ...",
	Help: `Read and print the values of parameters.

A parameter is named by "name", "host:name", or "host:id", where host is a
host name or node address; without a host the default node is used. An
optional index follows in brackets: [3], [1:4], [::-1], [0,2], or [*].

If a parameter is not yet known, the parameter list of its node is
downloaded first.`,
	Run: withClient(func(env *command.Env, s *session) error {
		if len(env.Args) == 0 {
			return env.Usagef("at least one parameter is required")
		}
		for _, arg := range env.Args {
			p, x, err := s.lookup(env.Context(), arg)
			if err != nil {
				return err
			}
			v, err := s.client.Get(env.Context(), p, x)
			if err != nil {
				return fmt.Errorf("get %s: %w", arg, err)
			}
			if !strings.HasSuffix(arg, "]") {
				fmt.Println(p)
			} else {
				fmt.Printf("%s%v = %s\n", p.Name(), x, param.FormatValue(p.Type(), v))
			}
		}
		return nil
	}),
}

var setFlags struct {
	Stage bool `flag:"stage,Store the value locally without sending it"`
}

var setCmd = &command.C{
	Name:  "set",
	Usage: "<param>[index] <value>",
	Help: `Write the value of a parameter.

Parameters are named as for the get command. For an array parameter, the
value may be a comma-separated list of elements, or a single element to
store at every selected position.`,
	SetFlags: command.Flags(flax.MustBind, &setFlags),
	Run: withClient(func(env *command.Env, s *session) error {
		if len(env.Args) != 2 {
			return env.Usagef("a parameter and a value are required")
		}
		p, x, err := s.lookup(env.Context(), env.Args[0])
		if err != nil {
			return err
		}
		var val any = env.Args[1]
		if p.Type() != param.String && strings.Contains(env.Args[1], ",") {
			var elts []any
			for e := range strings.SplitSeq(env.Args[1], ",") {
				elts = append(elts, e)
			}
			val = elts
		}
		if setFlags.Stage {
			p.SetAutoSend(false)
		}
		if err := s.client.Set(env.Context(), p, x, val); err != nil {
			return fmt.Errorf("set %s: %w", env.Args[0], err)
		}
		if s.db != nil {
			return s.db.Save(env.Context(), []*param.Param{p})
		}
		return nil
	}),
}

// lookup finds the parameter named by spec, and parses its index.
func (s *session) lookup(ctx context.Context, spec string) (*param.Param, param.Index, error) {
	name, x := spec, param.Whole
	if strings.HasSuffix(spec, "]") {
		i := strings.LastIndex(spec, "[")
		if i < 0 {
			return nil, x, fmt.Errorf("invalid parameter %q", spec)
		}
		var err error
		if x, err = param.ParseIndex(spec[i+1 : len(spec)-1]); err != nil {
			return nil, x, err
		}
		name = spec[:i]
	}

	node := s.node
	if host, rest, ok := strings.Cut(name, ":"); ok {
		var err error
		if node, err = s.resolve(host); err != nil {
			return nil, x, err
		}
		name = rest
	}
	find := func() (*param.Param, error) {
		if id, err := strconv.ParseUint(name, 10, 16); err == nil {
			return s.reg.Find(node, uint16(id))
		}
		return s.reg.FindName(node, name)
	}
	p, err := find()
	if isNotFound(err) && node != param.Local {
		if _, err := s.download(ctx, node); err != nil {
			return nil, x, err
		}
		p, err = find()
	}
	return p, x, err
}

var selectFlags struct {
	Node    string `flag:"n,Node whose parameters are selected (default all)"`
	Include string `flag:"m,Mask of flags a parameter must have one of"`
	Exclude string `flag:"e,Mask of flags a parameter must not have"`
}

// selectParams returns the registered parameters matching the selection
// flags and the name pattern in args, if any.
func (s *session) selectParams(env *command.Env) (*param.Set, error) {
	var f param.Filter
	if selectFlags.Node == "" {
		f.AllNodes = true
	} else {
		n, err := s.resolve(selectFlags.Node)
		if err != nil {
			return nil, err
		}
		f.Node = n
	}
	var err error
	if f.Include, err = param.ParseMask(selectFlags.Include); err != nil {
		return nil, err
	}
	if selectFlags.Exclude == "" {
		f.Exclude = param.DefaultExclude
	} else if f.Exclude, err = param.ParseMask(selectFlags.Exclude); err != nil {
		return nil, err
	}
	switch len(env.Args) {
	case 0:
	case 1:
		f.Name = env.Args[0]
	default:
		return nil, env.Usagef("extra arguments after pattern: %q", env.Args[1:])
	}
	return s.reg.Select(f), nil
}

var pullCmd = &command.C{
	Name:     "pull",
	Usage:    "[-n node] [-m mask] [-e mask] [pattern]",
	Help:     "Refresh and print the values of the selected parameters.",
	SetFlags: command.Flags(flax.MustBind, &selectFlags),
	Run: withClient(func(env *command.Env, s *session) error {
		set, err := s.selectParams(env)
		if err != nil {
			return err
		}
		if err := s.client.Pull(env.Context(), set, param.Local); err != nil {
			return err
		}
		for p := range set.All() {
			fmt.Println(p)
		}
		if s.db != nil {
			return s.db.Save(env.Context(), set.Params())
		}
		return nil
	}),
}

var pushCmd = &command.C{
	Name:  "push",
	Usage: "[-n node] [-m mask] [-e mask] [pattern]",
	Help: `Send the cached values of the selected parameters to their nodes.

Cached values come from the parameter database, so push restores the values
last saved there.`,
	SetFlags: command.Flags(flax.MustBind, &selectFlags),
	Run: withClient(func(env *command.Env, s *session) error {
		set, err := s.selectParams(env)
		if err != nil {
			return err
		}
		return s.client.Push(env.Context(), set, param.Local)
	}),
}

var listCmd = &command.C{
	Name:     "list",
	Usage:    "[-n node] [-m mask] [-e mask] [pattern]\n<command> [args]",
	Help:     "List the known parameters, or manage the parameter list.",
	SetFlags: command.Flags(flax.MustBind, &selectFlags),
	Run: withLocal(func(env *command.Env, s *session) error {
		set, err := s.selectParams(env)
		if err != nil {
			return err
		}
		for p := range set.All() {
			fmt.Println(listfile.Line(p.Desc(), true))
		}
		return nil
	}),
	Commands: []*command.C{
		{
			Name:  "download",
			Usage: "[node]",
			Help:  "Download the parameter list of a node.",
			Run: withClient(func(env *command.Env, s *session) error {
				node, err := s.nodeArg(env)
				if err != nil {
					return err
				}
				ps, err := s.download(env.Context(), node)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %d parameters\n", s.nodeName(node), len(ps))
				return nil
			}),
		},
		{
			Name:  "forget",
			Usage: "[node]",
			Help:  "Forget the known parameters of a node.",
			Run: withLocal(func(env *command.Env, s *session) error {
				node, err := s.nodeArg(env)
				if err != nil {
					return err
				}
				n := s.reg.ForgetNode(node)
				if s.db != nil {
					if n, err = s.db.Forget(env.Context(), node); err != nil {
						return err
					}
				}
				fmt.Printf("%s: forgot %d parameters\n", s.nodeName(node), n)
				return nil
			}),
		},
		{
			Name:  "save",
			Usage: "<file>",
			Help:  "Save the known parameters as a list file.",
			Run: withLocal(func(env *command.Env, s *session) error {
				if len(env.Args) != 1 {
					return env.Usagef("a file name is required")
				}
				f, err := os.Create(env.Args[0])
				if err != nil {
					return err
				}
				if err := listfile.Save(f, s.reg.List(), true); err != nil {
					f.Close()
					return err
				}
				return f.Close()
			}),
		},
		{
			Name:  "load",
			Usage: "<file>",
			Help: `Load parameters from a list file.

Entries without a node are assigned to the default node.`,
			Run: withLocal(func(env *command.Env, s *session) error {
				if len(env.Args) != 1 {
					return env.Usagef("a file name is required")
				}
				f, err := os.Open(env.Args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				ps, err := listfile.Load(f, s.reg, s.node)
				if err != nil {
					return err
				}
				if s.db != nil {
					if err := s.db.Save(env.Context(), ps); err != nil {
						return err
					}
				}
				fmt.Printf("loaded %d parameters\n", len(ps))
				return nil
			}),
		},
	},
}
