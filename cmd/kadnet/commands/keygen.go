package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shirokane/kadnet/internal/dht"
)

var keygenForce bool

var keygenCmd = &cobra.Command{
	Use:   "keygen <file>",
	Short: "Generate a node identity file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		if _, err := os.Stat(path); err == nil && !keygenForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		identity, err := dht.NewIdentity()
		if err != nil {
			return err
		}
		if err := dht.SaveIdentity(identity, path); err != nil {
			return err
		}
		fmt.Printf("wrote %s\nnode id: %s\n", path, identity.ID())
		return nil
	},
}

func init() {
	keygenCmd.Flags().BoolVar(&keygenForce, "force", false, "overwrite an existing identity file")
	rootCmd.AddCommand(keygenCmd)
}
