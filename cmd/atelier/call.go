package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jariahh/ateliercode-sub000/internal/appconfig"
	"github.com/jariahh/ateliercode-sub000/internal/command"
	"github.com/jariahh/ateliercode-sub000/internal/dispatch"
)

func newCallCmd() *cobra.Command {
	var cfgPath string
	var link linkOptions
	cmd := &cobra.Command{
		Use:   "call <command> [key=value ...|{json}]",
		Short: "Invoke a host or engine command and print the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			call, err := command.Parse(strings.Join(args, " "))
			if err != nil {
				return err
			}
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			transport, release, err := openTransport(cmd.Context(), cfg, link, nil)
			if err != nil {
				return err
			}
			defer func() { _ = release() }()

			var out any
			if err := dispatch.New(transport, nil).Call(cmd.Context(), call.Name, call.Params, &out); err != nil {
				return fmt.Errorf("%s: %w", call.Name, err)
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&link.PeerURL, "peer", "", "remote host websocket url")
	cmd.Flags().BoolVar(&link.WebRTC, "webrtc", false, "reach the peer over a webrtc data channel")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	if v == nil {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), "ok")
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
