package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/qms-infoclinica/ire/internal/output"
	"github.com/qms-infoclinica/ire/internal/store"
)

type healthResponse struct {
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
	BacklogSize     int        `json:"backlog_size"`
	RetryCount      int64      `json:"retry_count"`
}

// NewHealthCmd creates the health command: the engine_health read view
// (last-processed time, pending backlog, accumulated retry count).
func NewHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show engine health: backlog size, last processed time, retry count",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *DB) error {
				h, err := store.GetEngineHealth(context.Background(), db)
				if err != nil {
					return err
				}
				resp := healthResponse{
					LastProcessedAt: h.LastProcessedAt,
					BacklogSize:     h.BacklogSize,
					RetryCount:      h.RetryCount,
				}

				if isatty.IsTerminal(os.Stdout.Fd()) {
					printHealthTable(resp)
					return nil
				}
				return output.PrintSuccess(resp)
			})
		},
	}

	return cmd
}

func printHealthTable(resp healthResponse) {
	fmt.Printf("backlog:      %s pending\n", humanize.Comma(int64(resp.BacklogSize)))
	fmt.Printf("retry count:  %s\n", humanize.Comma(resp.RetryCount))
	if resp.LastProcessedAt == nil {
		fmt.Println("last processed: never")
		return
	}
	fmt.Printf("last processed: %s (%s)\n", resp.LastProcessedAt.Format(time.RFC3339), humanize.Time(*resp.LastProcessedAt))
}
