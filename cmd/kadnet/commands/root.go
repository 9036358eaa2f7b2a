// Package commands implements the kadnet CLI.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const Version = "0.3.0"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "kadnet",
	Short:   "Kademlia distributed hash table node",
	Long:    `kadnet runs a Kademlia-style DHT node: it serves peer requests over UDP, keeps a routing table of known-good peers, replicates stored records toward the nodes responsible for them, and honors cryptographically authorized deletes.`,
	Version: Version,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is built-in defaults)")
}
