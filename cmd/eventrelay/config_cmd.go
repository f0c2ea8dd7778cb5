// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ManuGH/eventrelay/internal/config"
	"github.com/ManuGH/eventrelay/internal/handlers"
	"github.com/spf13/cobra"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file and summarise its topology",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := resolveConfigPath(opts.configPath)
			if path == "" {
				return errors.New("--config is required (no config.yaml found in $EVENTRELAY_DATA)")
			}
			return runValidate(cmd.OutOrStdout(), path)
		},
	}
}

func runValidate(out io.Writer, path string) error {
	cfg, err := config.NewLoader(path).Load()
	if err != nil {
		return fmt.Errorf("configuration error in %s: %w", path, err)
	}
	reg, err := config.BuildRegistry(cfg.Buses)
	if err != nil {
		return err
	}
	stats := reg.Stats()
	fmt.Fprintf(out, "✓ %s is valid: %d buses, %d rules, %d targets\n", path, stats.Buses, stats.Rules, stats.Targets)
	for _, ref := range config.UnknownHandlers(cfg.Buses, handlers.Refs()) {
		fmt.Fprintf(out, "  warning: handler %q is not built in; its deliveries will fail\n", ref)
	}
	return nil
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or generate configuration",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write the default configuration to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteFile(args[0], config.Default(), force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	var format string
	dumpCmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the effective configuration (defaults, file, ENV)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewLoader(resolveConfigPath(opts.configPath)).Load()
			if err != nil {
				return err
			}
			return dumpConfig(cmd.OutOrStdout(), cfg, format)
		},
	}
	dumpCmd.Flags().StringVar(&format, "format", "yaml", "output format: yaml or json")

	cmd.AddCommand(initCmd, dumpCmd)
	return cmd
}

func dumpConfig(out io.Writer, cfg config.Config, format string) error {
	cfg.DeadLetter.Redis.Password = redact(cfg.DeadLetter.Redis.Password)
	switch format {
	case "yaml", "":
		data, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
