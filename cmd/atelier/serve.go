package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"

	"github.com/jariahh/ateliercode-sub000"
	"github.com/jariahh/ateliercode-sub000/httpapi"
	"github.com/jariahh/ateliercode-sub000/internal/appconfig"
	"github.com/jariahh/ateliercode-sub000/internal/metrics"
	"github.com/jariahh/ateliercode-sub000/internal/wire"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var disableAuditTrails bool
	var peerURL string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the engine and its listeners",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if disableAuditTrails {
				cfg.Logging.DisableAuditTrails = true
			}
			if peerURL != "" {
				cfg.Peer.URL = peerURL
			}
			serverCfg, err := toServerConfig(cfg)
			if err != nil {
				return err
			}

			var m *metrics.Metrics
			if cfg.Metrics.Enabled {
				m = metrics.New()
			}
			var host *ateliercode.LocalHost
			if cfg.Peer.URL == "" {
				host, err = ateliercode.OpenLocalHost(cfg, logger, m)
				if err != nil {
					return err
				}
				defer func() {
					if err := host.Close(); err != nil {
						logger.Warn("local host close failed", "err", err)
					}
				}()
			} else {
				logger.Info("agent host is remote", "peer_url", cfg.Peer.URL)
			}

			opts := []ateliercode.ServerOption{ateliercode.WithHTTP()}
			if cfg.Peer.WebRTC.Enabled {
				opts = append(opts, ateliercode.WithWebRTC())
			}
			server, err := ateliercode.New(serverCfg, localDeps(host, logger, m), opts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			logger.Info("http server listening", "addr", serverCfg.Addr, "peer_path", serverCfg.HTTP.PeerPath)
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&disableAuditTrails, "disable-audit-trails", false, "disable audit trail logging for commands")
	cmd.Flags().StringVar(&peerURL, "peer", "", "dispatch agent commands to a remote host websocket")
	return cmd
}

func toServerConfig(cfg appconfig.Config) (ateliercode.ServerConfig, error) {
	codec, err := wire.CodecByName(cfg.Peer.Codec)
	if err != nil {
		return ateliercode.ServerConfig{}, err
	}
	return ateliercode.ServerConfig{
		Service:             cfg.ServiceConfig(),
		Addr:                cfg.HTTP.Addr,
		HTTP:                toHTTPConfig(cfg, codec),
		EventHistory:        cfg.HTTP.EventHistory,
		PeerURL:             cfg.Peer.URL,
		CallTimeout:         cfg.CallTimeout(),
		WebRTC:              toWebRTCConfig(cfg.Peer.WebRTC),
		DisableAuditLogging: cfg.Logging.DisableAuditTrails,
	}, nil
}

func toHTTPConfig(cfg appconfig.Config, codec wire.Codec) httpapi.Config {
	out := httpapi.Config{
		BasePath: cfg.HTTP.BasePath,
		PeerPath: cfg.Peer.WebSocketPath,
		Codec:    codec,
	}
	if cfg.Metrics.Enabled {
		out.MetricsPath = cfg.Metrics.Path
	}
	return out
}

func toWebRTCConfig(cfg appconfig.WebRTCConfig) ateliercode.WebRTCConfig {
	return ateliercode.WebRTCConfig{
		LocalID:    cfg.LocalID,
		ICEServers: cfg.ICEServers,
		Username:   cfg.Username,
		Credential: cfg.Credential,
	}
}
