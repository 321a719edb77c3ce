package main

import (
	"os"

	"github.com/spf13/cobra"

	"chunkswarm/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "chunkswarm",
	Short: "Swarm file distribution",
	Long:  `Distributes files among a swarm of peers as verified fixed-size chunks, with a central tracker for peer discovery.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Sugar.Error(err)
		os.Exit(1)
	}
}
