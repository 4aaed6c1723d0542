// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/creachadair/param/csp"
	"github.com/creachadair/param/internal/logging"
	"github.com/google/go-cmp/cmp"
)

func TestLevel(t *testing.T) {
	t.Setenv(logging.EnvLevel, "")
	if got := logging.Level("warn"); got != "warn" {
		t.Errorf("Level: got %q, want warn", got)
	}
	t.Setenv(logging.EnvLevel, " trace ")
	if got := logging.Level("warn"); got != "trace" {
		t.Errorf("Level: got %q, want trace", got)
	}
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	log, err := logging.New(&buf, "info")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Debug().Msg("hidden")
	log.Info().Str("node", "radio").Msg("hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("Decode %q: %v", buf.String(), err)
	}
	delete(rec, "time")
	if diff := cmp.Diff(rec, map[string]any{
		"level":   "info",
		"node":    "radio",
		"message": "hello",
	}); diff != "" {
		t.Errorf("Record (-got, +want):\n%s", diff)
	}

	if _, err := logging.New(&buf, "loud"); err == nil {
		t.Error("New loud: got nil, want error")
	}
}

func TestPackets(t *testing.T) {
	var buf bytes.Buffer
	log, err := logging.New(&buf, "trace")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	plog := logging.Packets(log)
	plog(csp.PacketInfo{Packet: &csp.Packet{Version: csp.Version, Type: 200, Payload: []byte("abc")}, Sent: true})

	var rec struct {
		Level string `json:"level"`
		Dir   string `json:"dir"`
		Type  int    `json:"type"`
		Size  int    `json:"size"`
	}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("Decode %q: %v", buf.String(), err)
	}
	if rec.Level != "trace" || rec.Dir != "send" || rec.Type != 200 || rec.Size != 3 {
		t.Errorf("Packet record: got %+v", rec)
	}
}
