package main

import (
	"context"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/avei/concord/internal/domain"
)

var (
	joinScope   string
	joinChannel string
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a voice channel and print mesh activity",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(false, func(ctx context.Context, s *session) error {
			key := domain.ChannelKey{
				Scope:   domain.ScopeID(joinScope),
				Channel: domain.ChannelID(joinChannel),
			}
			pterm.Info.Println("joining", key.String())
			return s.orch.JoinChannel(ctx, key)
		})
	},
}

var callCmd = &cobra.Command{
	Use:   "call <target-identity>",
	Short: "Place a direct call to another identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(false, func(ctx context.Context, s *session) error {
			target := domain.Identity(args[0])
			pterm.Info.Println("calling", string(target))
			return s.orch.StartCall(ctx, target)
		})
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Stay connected and auto-accept incoming calls",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(true, func(ctx context.Context, s *session) error {
			pterm.Info.Println("waiting for calls")
			return nil
		})
	},
}

func init() {
	joinCmd.Flags().StringVar(&joinScope, "scope", "", "scope (server) identifier")
	joinCmd.Flags().StringVar(&joinChannel, "channel", "", "voice channel identifier")
	_ = joinCmd.MarkFlagRequired("scope")
	_ = joinCmd.MarkFlagRequired("channel")
}
