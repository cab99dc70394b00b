package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "netplayctl",
	Short: "Drive a melonDS-sub010 multiplayer session from the command line",
}

func init() {
	rootCmd.AddCommand(hostCmd)
	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(discoverCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}
