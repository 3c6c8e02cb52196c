// Concord reference client: joins voice channels and places direct calls
// against a Concord signaling server, printing mesh activity as it happens.
// Audio capture is not wired in; links carry a silent track.
package main

import (
	"os"

	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	serverURL   string
	stunServers []string
	debugMode   bool
)

var rootCmd = &cobra.Command{
	Use:   "concord-client",
	Short: "Concord voice signaling client",
	Long:  `Connects to a Concord signaling server. Commands: join, call, listen.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		if debugMode {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		} else {
			zerolog.SetGlobalLevel(zerolog.WarnLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server",
		"ws://127.0.0.1:8080/api/ws/signal", "signaling server WebSocket URL")
	rootCmd.PersistentFlags().StringSliceVar(&stunServers, "stun",
		[]string{"stun:stun.l.google.com:19302"}, "STUN servers used when the server advertises none")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")

	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(listenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}
