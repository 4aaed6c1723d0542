// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package listfile reads and writes parameter descriptions as text.
//
// A list file has one command per line:
//
//	list add [-a count] [-c "doc"] [-u "unit"] [-n node] [-m "mask"] name id type
//
// Blank lines and lines beginning with "#" are ignored. The mask is written
// as mask letters (see param.Mask), and the type by name (see param.Type).
package listfile

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/creachadair/flax"
	"github.com/creachadair/param"
)

// Save writes a line for each of ps to w. If withNode is false, the node of
// each parameter is omitted, so that loading the file places the parameters
// on the loader's default node.
func Save(w io.Writer, ps []*param.Param, withNode bool) error {
	bw := bufio.NewWriter(w)
	for _, p := range ps {
		bw.WriteString(Line(p.Desc(), withNode))
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// Line renders d as a list add command.
func Line(d param.Desc, withNode bool) string {
	var sb strings.Builder
	sb.WriteString("list add ")
	if d.Count > 1 {
		fmt.Fprintf(&sb, "-a %d ", d.Count)
	}
	if d.Doc != "" {
		fmt.Fprintf(&sb, "-c %s ", strconv.Quote(d.Doc))
	}
	if d.Unit != "" {
		fmt.Fprintf(&sb, "-u %s ", strconv.Quote(d.Unit))
	}
	if d.Node != param.Local && withNode {
		fmt.Fprintf(&sb, "-n %d ", d.Node)
	}
	if d.Mask != 0 {
		fmt.Fprintf(&sb, "-m %s ", strconv.Quote(d.Mask.String()))
	}
	fmt.Fprintf(&sb, "%s %d %s", d.Name, d.ID, d.Type)
	return sb.String()
}

// addFlags are the options of a list add command.
type addFlags struct {
	Count int    `flag:"a,default=1,Number of elements"`
	Doc   string `flag:"c,Documentation string"`
	Unit  string `flag:"u,Unit of measure"`
	Node  int    `flag:"n,default=-1,Node address"`
	Mask  string `flag:"m,Mask letters"`
}

// A SyntaxError reports an invalid line of a list file.
type SyntaxError struct {
	Line int
	Err  error
}

func (e *SyntaxError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }

func (e *SyntaxError) Unwrap() error { return e.Err }

// Parse parses a single list add command. Parameters without a node flag
// are placed on node dflt.
func Parse(line string, dflt param.Node) (param.Desc, error) {
	args, err := split(line)
	if err != nil {
		return param.Desc{}, err
	}
	if len(args) < 2 || args[0] != "list" || args[1] != "add" {
		return param.Desc{}, fmt.Errorf("unknown command %q", line)
	}

	var af addFlags
	fs := flag.NewFlagSet("list add", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	flax.MustBind(fs, &af)
	if err := fs.Parse(args[2:]); err != nil {
		return param.Desc{}, err
	}
	rest := fs.Args()
	if len(rest) != 3 {
		return param.Desc{}, errors.New("usage: list add [flags] name id type")
	}

	id, err := strconv.ParseUint(rest[1], 10, 16)
	if err != nil {
		return param.Desc{}, fmt.Errorf("invalid id %q: %w", rest[1], err)
	}
	typ, err := param.ParseType(rest[2])
	if err != nil {
		return param.Desc{}, err
	}
	mask, err := param.ParseMask(af.Mask)
	if err != nil {
		return param.Desc{}, err
	}
	node := dflt
	if af.Node >= 0 {
		if af.Node > 0xffff {
			return param.Desc{}, fmt.Errorf("invalid node %d", af.Node)
		}
		node = param.Node(af.Node)
	}
	if af.Count < 1 {
		return param.Desc{}, fmt.Errorf("invalid count %d", af.Count)
	}
	return param.Desc{
		Node:  node,
		ID:    uint16(id),
		Name:  rest[0],
		Type:  typ,
		Count: af.Count,
		Mask:  mask,
		Doc:   af.Doc,
		Unit:  af.Unit,
	}, nil
}

// Read parses the list file from r, and returns the descriptions in order.
func Read(r io.Reader, dflt param.Node) ([]param.Desc, error) {
	var out []param.Desc
	sc := bufio.NewScanner(r)
	for ln := 1; sc.Scan(); ln++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		d, err := Parse(line, dflt)
		if err != nil {
			return nil, &SyntaxError{Line: ln, Err: err}
		}
		out = append(out, d)
	}
	return out, sc.Err()
}

// Load reads the list file from r and adds each description to reg. It
// returns the registered parameters in file order.
func Load(r io.Reader, reg *param.Registry, dflt param.Node) ([]*param.Param, error) {
	ds, err := Read(r, dflt)
	if err != nil {
		return nil, err
	}
	var out []*param.Param
	for _, d := range ds {
		p, _, err := reg.Add(d)
		if err != nil {
			return out, fmt.Errorf("add %q: %w", d.Name, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// split separates line into words at whitespace. A word beginning with a
// double quote runs to the matching quote and is unquoted with Go rules.
func split(line string) ([]string, error) {
	var out []string
	for {
		line = strings.TrimLeft(line, " \t")
		if line == "" {
			return out, nil
		}
		if line[0] != '"' {
			end := strings.IndexAny(line, " \t")
			if end < 0 {
				end = len(line)
			}
			out = append(out, line[:end])
			line = line[end:]
			continue
		}
		end := 1
		for end < len(line) && line[end] != '"' {
			if line[end] == '\\' {
				end++
			}
			end++
		}
		if end >= len(line) {
			return nil, fmt.Errorf("unterminated string %s", line)
		}
		word, err := strconv.Unquote(line[:end+1])
		if err != nil {
			return nil, fmt.Errorf("invalid string %s: %w", line[:end+1], err)
		}
		out = append(out, word)
		line = line[end+1:]
	}
}
