// Copyright (c) 2026 Wiresmith Authors
// SPDX-License-Identifier: MIT

// Command wiresmith runs the per-node mesh agent: it publishes this
// host's WireGuard identity into a shared KV backend, discovers peers,
// and reconciles the local WireGuard configuration.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/wiresmith/wiresmith/internal/config"
	"github.com/wiresmith/wiresmith/internal/hostaddr"
	"github.com/wiresmith/wiresmith/internal/kv/consulkv"
	"github.com/wiresmith/wiresmith/internal/logging"
	"github.com/wiresmith/wiresmith/internal/netconfig"
	"github.com/wiresmith/wiresmith/internal/reconciler"
	"github.com/wiresmith/wiresmith/internal/version"
)

func main() {
	err := newRootCmd().Execute()
	if err == nil {
		return
	}

	var usageErr *config.UsageError
	if errors.As(err, &usageErr) {
		os.Exit(2)
	}
	os.Exit(1)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "wiresmith",
		Short:         "Cooperative WireGuard mesh agent",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          run,
	}
	config.RegisterFlags(root)
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version.Info())
			return nil
		},
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromFlags(cmd)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logging.New(cfg.Verbose)
	log.Infof("starting %s", version.Info())

	endpoint, err := hostaddr.Resolve(cfg.EndpointInterface, cfg.EndpointAddress, cfg.Network, cfg.WGPort)
	if err != nil {
		return fmt.Errorf("resolve endpoint: %w", err)
	}
	log.Infof("advertising endpoint %s", endpoint)

	kvClient := consulkv.New(consulkv.Options{
		Address:       cfg.ConsulAddress,
		Token:         cfg.ConsulToken,
		Datacenter:    cfg.ConsulDatacenter,
		TLSSkipVerify: cfg.ConsulTLSSkipVerify,
		Logger:        log,
	})

	backend, err := netconfig.NewFileBackend(cfg.NetworkdDir, cfg.WGInterface, cfg.Network, log)
	if err != nil {
		return fmt.Errorf("initialize network-config backend: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	r, err := reconciler.New(ctx, cfg, kvClient, backend, endpoint, log)
	if err != nil {
		return fmt.Errorf("initialize reconciler: %w", err)
	}

	return r.Run(ctx)
}
