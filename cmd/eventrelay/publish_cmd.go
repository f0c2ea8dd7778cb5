// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ManuGH/eventrelay/internal/api"
	"github.com/ManuGH/eventrelay/internal/bus"
	"github.com/ManuGH/eventrelay/internal/config"
	"github.com/ManuGH/eventrelay/internal/daemon"
	"github.com/ManuGH/eventrelay/internal/log"
	"github.com/ManuGH/eventrelay/internal/model"
	"github.com/ManuGH/eventrelay/internal/version"
	"github.com/spf13/cobra"
)

type publishOptions struct {
	source     string
	detailType string
	detail     string
	busName    string
	server     string
	timeout    time.Duration
}

func newPublishCmd(root *rootOptions) *cobra.Command {
	opts := &publishOptions{}
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one event, in-process or to a running relay",
		Long: `Publish one event and print the delivery records.

Without --server the relay is built in-process from the configuration and the
event is delivered synchronously. With --server the event is posted to
<server>/api/v1/events.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entry, err := opts.entry()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if opts.server != "" {
				return publishRemote(ctx, cmd.OutOrStdout(), opts.server, opts.timeout, entry)
			}
			return publishLocal(ctx, cmd.OutOrStdout(), resolveConfigPath(root.configPath), entry)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.source, "source", "", "event source, e.g. custom.orders")
	f.StringVar(&opts.detailType, "detail-type", "", "event detail type, e.g. OrderCreated")
	f.StringVar(&opts.detail, "detail", "{}", "event detail as a JSON object")
	f.StringVar(&opts.busName, "bus", config.DefaultBusName, "target bus name")
	f.StringVar(&opts.server, "server", "", "base URL of a running relay")
	f.DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout for --server")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("detail-type")
	return cmd
}

func (o *publishOptions) entry() (api.PublishEntry, error) {
	var detail map[string]any
	dec := json.NewDecoder(strings.NewReader(o.detail))
	dec.UseNumber()
	if err := dec.Decode(&detail); err != nil {
		return api.PublishEntry{}, fmt.Errorf("--detail must be a JSON object: %w", err)
	}
	return api.PublishEntry{
		Source:     o.source,
		DetailType: o.detailType,
		Detail:     detail,
		BusName:    o.busName,
	}, nil
}

func publishLocal(ctx context.Context, out io.Writer, path string, entry api.PublishEntry) error {
	log.Configure(log.Config{Level: "warn", Output: os.Stderr, Service: "eventrelay", Version: version.Version})

	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	cfg.Bus.Mode = string(bus.ModeSync)
	cfg.DeadLetter.Redis.Enabled = false
	cfg.DeadLetter.Kafka.Enabled = false
	cfg.Telemetry.Enabled = false

	rt, err := daemon.Build(ctx, cfg, loader, version.Version)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close(context.WithoutCancel(ctx)) }()

	res, err := rt.Bus.Publish(ctx, model.Event{
		Source:     entry.Source,
		DetailType: entry.DetailType,
		Detail:     api.NormalizeNumbers(entry.Detail),
		BusName:    entry.BusName,
	})
	if err != nil {
		return err
	}
	// chained publishes have their own records
	res.Records = rt.Tracker.RecordsFor(res.EventID)
	return writeIndented(out, res)
}

func publishRemote(ctx context.Context, out io.Writer, server string, timeout time.Duration, entry api.PublishEntry) error {
	body, err := json.Marshal(api.PublishRequest{Entries: []api.PublishEntry{entry}})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimRight(server, "/") + "/api/v1/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("publish: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	var pr api.PublishResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := writeIndented(out, pr); err != nil {
		return err
	}
	if pr.FailedEntryCount > 0 {
		return fmt.Errorf("%d entries rejected", pr.FailedEntryCount)
	}
	return nil
}

func writeIndented(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
