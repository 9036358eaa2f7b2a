package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/shirokane/kadnet/internal/dht"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a running node's status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(fmt.Sprintf("http://%s/v1/status", statusAddr))
		if err != nil {
			return fmt.Errorf("node unreachable at %s: %w", statusAddr, err)
		}
		defer resp.Body.Close()

		var st dht.Status
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return fmt.Errorf("decode status: %w", err)
		}
		fmt.Printf("node id:   %s\n", st.ID)
		fmt.Printf("address:   %s\n", st.Addr)
		fmt.Printf("contacts:  %d\n", st.Contacts)
		fmt.Printf("records:   %d under %d keywords\n", st.Records, st.Keywords)
		fmt.Printf("uptime:    started %s\n", humanize.Time(st.Started))
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "api", "127.0.0.1:18468", "address of the node's HTTP API")
	rootCmd.AddCommand(statusCmd)
}
