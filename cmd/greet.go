// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	fscpconfig "github.com/freelan-developers/go-fscp/internal/config"
	"github.com/freelan-developers/go-fscp/internal/fscp"
)

// greetCmd is a one-shot diagnostic probe: fire a HELLO_REQUEST at an
// endpoint and print the measured round-trip time, or report a timeout.
var greetCmd = &cobra.Command{
	Use:   "greet endpoint",
	Short: "Send a single HELLO to a peer and report the round-trip time",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadFSCPConfig(cmd)
		if err != nil {
			return err
		}
		timeout, err := cmd.Flags().GetDuration("timeout")
		if err != nil {
			return err
		}
		listen := viper.GetString("listen")
		if listen == "" {
			listen = "127.0.0.1:0"
		}
		return runGreet(cfg, listen, args[0], timeout)
	},
}

func init() {
	rootCmd.AddCommand(greetCmd)
	greetCmd.Flags().String("config", "", "Pathname of the configuration file")
	greetCmd.Flags().String("listen", "127.0.0.1:0", "Local UDP endpoint to greet from")
	greetCmd.Flags().Duration("timeout", 3*time.Second, "How long to wait for a HELLO_RESPONSE")
}

func runGreet(cfg *fscpconfig.Config, listen, target string, timeout time.Duration) error {
	identity, err := cfg.Identity.LoadIdentity()
	if err != nil {
		return err
	}
	listenEndpoint, err := fscp.ParseEndpoint(listen)
	if err != nil {
		return fmt.Errorf("invalid --listen endpoint: %w", err)
	}
	targetEndpoint, err := fscp.ParseEndpoint(target)
	if err != nil {
		return fmt.Errorf("invalid target endpoint: %w", err)
	}

	srv, err := fscp.NewServer(fscp.ServerConfig{
		ListenEndpoint: listenEndpoint,
		Identity:       identity,
		HelloTimeout:   timeout,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)
	defer func() { _ = srv.Close() }()

	greetCtx, greetCancel := context.WithTimeout(context.Background(), timeout+time.Second)
	defer greetCancel()

	rtt, err := srv.Greet(greetCtx, targetEndpoint)
	if err != nil {
		if errors.Is(err, fscp.ErrTimeout) {
			fmt.Printf("%s: timed out after %s\n", target, timeout)
			return nil
		}
		return err
	}
	fmt.Printf("%s: %s\n", target, rtt)
	return nil
}
