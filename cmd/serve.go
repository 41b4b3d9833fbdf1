// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/freelan-developers/go-fscp/api/handlers"
	fscpconfig "github.com/freelan-developers/go-fscp/internal/config"
	"github.com/freelan-developers/go-fscp/internal/directory"
	"github.com/freelan-developers/go-fscp/internal/fscp"
)

// serveCmd starts one FSCP daemon: the UDP peer-state-machine server
// plus its loopback-bound administrative HTTP surface.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the FSCP daemon",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadFSCPConfig(cmd)
		if err != nil {
			return err
		}
		return cfg.Validate()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := fscpconfig.Decode(viper.AllSettings())
		if err != nil {
			return err
		}
		if listen := viper.GetString("listen"); listen != "" {
			cfg.Listen = listen
		}
		return runServe(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("config", "", "Pathname of the configuration file")
	serveCmd.Flags().String("listen", "", "Override the configured UDP listen address")
}

func runServe(cfg *fscpconfig.Config) error {
	identity, err := cfg.Identity.LoadIdentity()
	if err != nil {
		return err
	}
	listenEndpoint, err := cfg.ListenEndpoint()
	if err != nil {
		return err
	}
	helloTimeout, err := cfg.HelloTimeoutDuration()
	if err != nil {
		return err
	}
	suites, err := cfg.CipherSuites()
	if err != nil {
		return err
	}
	curves, err := cfg.Curves()
	if err != nil {
		return err
	}
	neverContact, err := cfg.NeverContactList()
	if err != nil {
		return err
	}
	seeds, err := cfg.LoadPresentationSeeds()
	if err != nil {
		return err
	}

	var dirStore *directory.Store
	if cfg.Directory.Type != "" {
		dirStore, err = directory.Open(cfg.Directory.Type, cfg.Directory.DSN)
		if err != nil {
			return err
		}
		defer func() { _ = dirStore.Close() }()

		dirSeeds, err := dirStore.LoadPresentationSeeds()
		if err != nil {
			return err
		}
		for ep, rec := range dirSeeds {
			seeds[ep] = rec
		}

		dirNeverContact, err := dirStore.LoadNeverContact()
		if err != nil {
			return err
		}
		neverContact = fscp.MergeNeverContactLists(neverContact, dirNeverContact)
	}

	srvCfg := fscp.ServerConfig{
		ListenEndpoint:              listenEndpoint,
		Identity:                    identity,
		Handlers:                    daemonHandlers(),
		CipherSuites:                suites,
		Curves:                      curves,
		RateLimit:                   cfg.MaxUnauthenticatedMessagesPerSecond,
		NeverContact:                neverContact,
		AcceptHelloDefault:          true,
		AcceptSessionRequestDefault: true,
		AcceptContacts:              cfg.AcceptContacts,
		AcceptContactRequests:       cfg.AcceptContactRequests,
		HelloTimeout:                helloTimeout,
		AutoIntroduce:               true,
	}
	if srvCfg.RateLimit <= 0 {
		srvCfg.RateLimit = 1
	}

	srv, err := fscp.NewServer(srvCfg)
	if err != nil {
		return err
	}
	for ep, rec := range seeds {
		srv.SetPresentation(ep, rec)
	}

	ctx, cancel := context.WithCancel(context.Background())

	var adminServer *http.Server
	if cfg.Admin.Listen != "" {
		adminServer = newAdminServer(cfg.Admin.Listen, srv, helloTimeout)
		go func() {
			slog.Info("Admin API listening", "addr", cfg.Admin.Listen)
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("Admin API server failed", "err", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		slog.Debug("Shutting down fscpd...")
		cancel()
	}()

	slog.Info("fscpd listening", "addr", srv.LocalAddr().String())
	srv.Run(ctx)

	var shutdownErr error
	if adminServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		shutdownErr = multierr.Append(shutdownErr, adminServer.Shutdown(shutdownCtx))
	}
	return multierr.Append(shutdownErr, srv.Close())
}

// daemonHandlers builds the default Handlers set: log session events,
// deliver data to... nothing yet, since this daemon owns no TAP/TUN
// switching layer. A real deployment wires OnData/OnContact into that
// layer; the daemon command logs what it would have dispatched.
func daemonHandlers() fscp.Handlers {
	return fscp.Handlers{
		OnSessionEstablished: func(peer fscp.Endpoint) {
			slog.Info("session established", "peer", peer.String())
		},
		OnPeerLost: func(peer fscp.Endpoint, cause error) {
			slog.Info("peer lost", "peer", peer.String(), "cause", cause)
		},
		OnData: func(peer fscp.Endpoint, channel fscp.ChannelNumber, payload []byte) {
			slog.Debug("data received", "peer", peer.String(), "channel", channel, "bytes", len(payload))
		},
		OnContact: func(peer fscp.Endpoint, advertised map[uint32]fscp.Endpoint) {
			slog.Debug("contact received", "peer", peer.String(), "entries", len(advertised))
		},
	}
}

func newAdminServer(addr string, srv *fscp.Server, greetTimeout time.Duration) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/peers", handlers.PeersHandler(srv))
	mux.HandleFunc("GET /api/v1/peers/{endpoint}/presentation", handlers.PresentationHandler(srv))
	mux.HandleFunc("PUT /api/v1/peers/{endpoint}/presentation", handlers.PresentationHandler(srv))
	mux.HandleFunc("DELETE /api/v1/peers/{endpoint}/presentation", handlers.PresentationHandler(srv))
	mux.HandleFunc("POST /api/v1/peers/{endpoint}/rekey", handlers.RekeyHandler(srv))
	mux.HandleFunc("POST /api/v1/peers/{endpoint}/greet", handlers.GreetHandler(srv, greetTimeout))

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}
}
