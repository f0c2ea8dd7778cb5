// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestConfigureAttachesServiceAndComponent(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "relay-test", Version: "v0.0.1"})
	t.Cleanup(func() { Configure(Config{}) })

	l := WithComponent("dispatch")
	l.Info().Str(FieldEvent, "test.line").Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["service"] != "relay-test" {
		t.Errorf("service = %v, want relay-test", entry["service"])
	}
	if entry["version"] != "v0.0.1" {
		t.Errorf("version = %v, want v0.0.1", entry["version"])
	}
	if entry[FieldComponent] != "dispatch" {
		t.Errorf("component = %v, want dispatch", entry[FieldComponent])
	}
	if entry[FieldEvent] != "test.line" {
		t.Errorf("event = %v, want test.line", entry[FieldEvent])
	}
}

func TestDeriveAddsFields(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf})
	t.Cleanup(func() { Configure(Config{}) })

	l := Derive(func(c *zerolog.Context) { *c = c.Str(FieldBus, "demo") })
	l.Info().Msg("x")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry[FieldBus] != "demo" {
		t.Errorf("bus = %v, want demo", entry[FieldBus])
	}
}
