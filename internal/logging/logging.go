// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package logging constructs the zerolog loggers used by pcsh.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/creachadair/param/csp"
	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// EnvLevel is the environment variable that overrides the configured level.
const EnvLevel = "PCSH_LOG_LEVEL"

// Level returns the log level named by the environment, if set, or else
// dflt.
func Level(dflt string) string {
	if v := strings.TrimSpace(os.Getenv(EnvLevel)); v != "" {
		return v
	}
	return dflt
}

// New returns a logger that writes to w at the named level. If w is a
// terminal the output is formatted for humans; otherwise each record is a
// line of JSON.
func New(w io.Writer, level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level: %w", err)
	}
	if isTerminal(w) {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}

// Packets returns a packet logger that records each packet at trace level.
func Packets(log zerolog.Logger) csp.PacketLogger {
	return func(pkt csp.PacketInfo) {
		dir := "recv"
		if pkt.Sent {
			dir = "send"
		}
		log.Trace().
			Str("dir", dir).
			Uint8("type", uint8(pkt.Type)).
			Int("size", len(pkt.Payload)).
			Msg(pkt.Packet.String())
	}
}
