package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"

	"github.com/jariahh/ateliercode-sub000/internal/appconfig"
	"github.com/jariahh/ateliercode-sub000/schema"
)

func newWatchCmd() *cobra.Command {
	var cfgPath string
	var link linkOptions
	var agent string
	var project string
	cmd := &cobra.Command{
		Use:   "watch <external-session-id>",
		Short: "Print live updates of an agent session as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if agent == "" {
				agent = cfg.Agents.Default
			}
			agentType, err := schema.NormalizeAgentType(agent)
			if err != nil {
				return err
			}
			if project == "" {
				if project, err = os.Getwd(); err != nil {
					return err
				}
			}
			projectID, err := schema.NormalizeProjectID(schema.ProjectID(project))
			if err != nil {
				return err
			}
			req := schema.WatchRequest{
				AgentType:  agentType,
				ProjectID:  projectID,
				ExternalID: schema.ExternalSessionID(args[0]),
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			transport, release, err := openTransport(ctx, cfg, link, nil)
			if err != nil {
				return err
			}
			defer func() { _ = release() }()

			var mu sync.Mutex
			enc := json.NewEncoder(cmd.OutOrStdout())
			cancel, err := transport.Subscribe(ctx, req, func(update schema.SessionUpdate) {
				mu.Lock()
				defer mu.Unlock()
				if err := enc.Encode(update); err != nil {
					pslog.Ctx(ctx).Warn("watch write failed", "err", err)
				}
			})
			if err != nil {
				return fmt.Errorf("watch %s: %w", req.ExternalID, err)
			}
			defer cancel()
			pslog.Ctx(ctx).Info("watching session", "agent", req.AgentType, "project", req.ProjectID, "external_session", req.ExternalID)
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&link.PeerURL, "peer", "", "remote host websocket url")
	cmd.Flags().BoolVar(&link.WebRTC, "webrtc", false, "reach the peer over a webrtc data channel")
	cmd.Flags().StringVarP(&agent, "agent", "a", "", "agent type (defaults to agents.default)")
	cmd.Flags().StringVarP(&project, "project", "p", "", "project path (defaults to the working directory)")
	return cmd
}
