// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Command eventrelay runs the event relay daemon and its operator tooling.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ManuGH/eventrelay/internal/config"
	"github.com/ManuGH/eventrelay/internal/version"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "eventrelay",
		Short:         "Rule-based event relay",
		Long:          "eventrelay matches published events against bus rules and delivers them to every bound target with retries.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file (YAML)")

	serve := newServeCmd(opts)
	root.RunE = serve.RunE
	root.AddCommand(
		serve,
		newValidateCmd(opts),
		newPublishCmd(opts),
		newConfigCmd(opts),
		newHealthcheckCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.String())
			return err
		},
	}
}

// resolveConfigPath returns the explicit path, else ${EVENTRELAY_DATA}/config.yaml
// when it exists, else "".
func resolveConfigPath(explicit string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	dataDir := strings.TrimSpace(config.ParseString(config.EnvPrefix+"DATA", ""))
	if dataDir == "" {
		return ""
	}
	auto := filepath.Join(dataDir, "config.yaml")
	if _, err := os.Stat(auto); err == nil {
		return auto
	}
	return ""
}
