package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"

	"chunkswarm/pkg/logger"
	"chunkswarm/tracker"
)

var (
	trackerAddr        string
	trackerTTL         time.Duration
	trackerInteractive bool
)

var trackerCmd = &cobra.Command{
	Use:   "tracker",
	Short: "Start the tracker",
	Run: func(cmd *cobra.Command, args []string) {
		logger.Sugar.Infof("Starting tracker on %s (ttl=%s)", trackerAddr, trackerTTL)

		server := tracker.NewServer(trackerAddr, trackerTTL)

		if trackerInteractive {
			go func() {
				if err := server.Start(); err != nil {
					logger.Sugar.Error("Error starting tracker ", err)
					os.Exit(1)
				}
			}()

			fmt.Println("chunkswarm tracker interactive shell")
			fmt.Println("Type 'help' for commands.")

			p := prompt.New(
				func(in string) { trackerExecutor(in, server) },
				trackerCompleter,
				prompt.OptionPrefix("tracker> "),
				prompt.OptionTitle("chunkswarm tracker"),
			)
			p.Run()
		} else {
			if err := server.Start(); err != nil {
				logger.Sugar.Error("Error starting tracker ", err)
			}
		}
	},
}

func trackerExecutor(in string, server *tracker.Server) {
	in = strings.TrimSpace(in)
	blocks := strings.Fields(in)
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping tracker...")
		server.Stop()
		os.Exit(0)
	case "status":
		fmt.Println(server.GetStatus())
	case "sweep":
		fmt.Printf("Purged %d stale peers.\n", server.Registry().Sweep())
	case "peers":
		if len(blocks) < 2 {
			fmt.Println("Usage: peers <file_id>")
			return
		}
		records := server.Registry().ListPeers(blocks[1], "")
		if len(records) == 0 {
			fmt.Println("No peers registered for " + blocks[1])
			return
		}
		for _, rec := range records {
			role := "leecher"
			if rec.Seeder() {
				role = "seeder"
			}
			fmt.Printf("  %s (%s) last seen %s\n", rec.Addr, role, rec.LastSeen.Format("15:04:05"))
		}
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status       - Show tracker status")
		fmt.Println("  peers <file> - List registered peers for a file")
		fmt.Println("  sweep        - Purge stale registrations now")
		fmt.Println("  exit         - Stop tracker and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func trackerCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show tracker status"},
		{Text: "peers", Description: "List registered peers for a file"},
		{Text: "sweep", Description: "Purge stale registrations"},
		{Text: "exit", Description: "Exit the tracker"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(trackerCmd)
	trackerCmd.Flags().StringVarP(&trackerAddr, "addr", "a", "0.0.0.0:9090", "Tracker address to listen on")
	trackerCmd.Flags().DurationVarP(&trackerTTL, "ttl", "t", tracker.DefaultTTL, "Registration staleness TTL")
	trackerCmd.Flags().BoolVarP(&trackerInteractive, "interactive", "i", false, "Start in interactive mode")
}
