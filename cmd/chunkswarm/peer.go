package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"

	"chunkswarm/peer"
	"chunkswarm/pkg/chunker"
	"chunkswarm/pkg/discovery"
	"chunkswarm/pkg/logger"
	"chunkswarm/pkg/monitor"
)

var (
	peerListenAddr  string
	peerTrackerAddr string
	peerChunkSize   int
	peerReqTimeout  time.Duration
	peerOutputDir   string
	fileToShare     string
	metaToDownload  string
	peerInteractive bool
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Start a peer node",
	Run: func(cmd *cobra.Command, args []string) {
		trackerAddr := peerTrackerAddr
		if trackerAddr == "discover" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			resolver, err := discovery.NewResolver()
			if err != nil {
				logger.Sugar.Fatal("Error creating mDNS resolver: ", err)
			}
			trackerAddr, err = resolver.FirstTracker(ctx)
			if err != nil {
				logger.Sugar.Fatal("No tracker found via mDNS: ", err)
			}
			logger.Sugar.Infof("Discovered tracker at %s", trackerAddr)
		}

		p := peer.NewPeerServer(peer.Config{
			ListenAddr:     peerListenAddr,
			TrackerAddr:    trackerAddr,
			ChunkSize:      peerChunkSize,
			RequestTimeout: peerReqTimeout,
			OutputDir:      peerOutputDir,
		})

		if err := p.Listen(); err != nil {
			logger.Sugar.Fatal("Error starting peer: ", err)
		}
		go p.Run()
		go monitor.LogPeriodic(30 * time.Second)

		if fileToShare != "" {
			if desc, err := p.Share(fileToShare); err != nil {
				logger.Sugar.Errorf("Failed to share file: %v", err)
			} else {
				logger.Sugar.Infof("Sharing %s as %s", desc.Name, desc.FileID)
			}
		}

		if metaToDownload != "" {
			go func() {
				if err := p.DownloadFromMeta(metaToDownload); err != nil {
					logger.Sugar.Errorf("Download failed: %v", err)
				}
			}()
		}

		if peerInteractive {
			fmt.Println("chunkswarm peer interactive shell")
			fmt.Println("Type 'help' for commands.")

			prompt.New(
				func(in string) { peerExecutor(in, p) },
				peerCompleter,
				prompt.OptionPrefix("peer> "),
				prompt.OptionTitle("chunkswarm peer"),
			).Run()
		} else {
			select {}
		}
	},
}

func peerExecutor(in string, p *peer.PeerServer) {
	in = strings.TrimSpace(in)
	blocks := strings.Fields(in)
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping peer...")
		p.Stop()
		os.Exit(0)
	case "status":
		fmt.Println(p.GetStatus())
	case "share":
		if len(blocks) < 2 {
			fmt.Println("Usage: share <file_path>")
			return
		}
		desc, err := p.Share(blocks[1])
		if err != nil {
			fmt.Printf("Error sharing file: %v\n", err)
			return
		}
		fmt.Printf("Sharing %s (id %s), descriptor at %s\n", desc.Name, desc.FileID, blocks[1]+chunker.MetaExtension)
	case "download":
		if len(blocks) < 2 {
			fmt.Println("Usage: download <meta_file>")
			return
		}
		meta := blocks[1]
		go func() {
			if err := p.DownloadFromMeta(meta); err != nil {
				fmt.Printf("Download failed: %v\n", err)
			} else {
				fmt.Println("Download complete.")
			}
		}()
		fmt.Println("Download started.")
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status           - Show peer status")
		fmt.Println("  share <path>     - Split, register, and seed a local file")
		fmt.Println("  download <meta>  - Download the file a descriptor names")
		fmt.Println("  exit             - Stop peer and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func peerCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show peer status"},
		{Text: "share", Description: "Share a file"},
		{Text: "download", Description: "Download from a descriptor file"},
		{Text: "exit", Description: "Exit the peer"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(peerCmd)
	peerCmd.Flags().StringVarP(&peerListenAddr, "addr", "a", "127.0.0.1:0", "Address for this peer to listen on")
	peerCmd.Flags().StringVarP(&peerTrackerAddr, "tracker", "t", "127.0.0.1:9090", "Tracker address, or 'discover' for mDNS")
	peerCmd.Flags().IntVarP(&peerChunkSize, "chunk-size", "c", chunker.DefaultChunkSize, "Chunk size in bytes for shared files")
	peerCmd.Flags().DurationVar(&peerReqTimeout, "request-timeout", 10*time.Second, "Per-chunk request timeout")
	peerCmd.Flags().StringVarP(&peerOutputDir, "output", "o", ".", "Directory for reassembled files")
	peerCmd.Flags().StringVarP(&fileToShare, "share", "s", "", "Path to a file to share immediately")
	peerCmd.Flags().StringVarP(&metaToDownload, "download", "d", "", "Descriptor file to download immediately")
	peerCmd.Flags().BoolVarP(&peerInteractive, "interactive", "i", false, "Start in interactive mode")
}
