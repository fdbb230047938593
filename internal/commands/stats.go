package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/qms-infoclinica/ire/internal/output"
	"github.com/qms-infoclinica/ire/internal/store"
)

type statsResponse struct {
	MatchingStats  map[string]int `json:"matching_stats"`
	MobileAppStats struct {
		New    int `json:"new"`
		Update int `json:"update"`
	} `json:"mobile_app_stats"`
}

// NewStatsCmd creates the stats command: the matching_stats and
// mobile_app_stats read views. Prints a human table on a terminal, JSON
// otherwise, so the same command serves an operator's shell and a script.
func NewStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show match-type and mobile pre-registration counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *DB) error {
				ctx := context.Background()
				matchCounts, err := store.MatchingStats(ctx, db)
				if err != nil {
					return err
				}
				newCount, updateCount, err := store.MobileAppStats(ctx, db)
				if err != nil {
					return err
				}

				resp := statsResponse{MatchingStats: make(map[string]int, len(matchCounts))}
				for mt, count := range matchCounts {
					resp.MatchingStats[string(mt)] = count
				}
				resp.MobileAppStats.New = newCount
				resp.MobileAppStats.Update = updateCount

				if isatty.IsTerminal(os.Stdout.Fd()) {
					printStatsTable(resp)
					return nil
				}
				return output.PrintSuccess(resp)
			})
		},
	}

	return cmd
}

func printStatsTable(resp statsResponse) {
	fmt.Println("match type              count")
	for mt, count := range resp.MatchingStats {
		fmt.Printf("%-24s%s\n", mt, humanize.Comma(int64(count)))
	}
	fmt.Println()
	fmt.Printf("mobile pre-reg new:    %s\n", humanize.Comma(int64(resp.MobileAppStats.New)))
	fmt.Printf("mobile pre-reg update: %s\n", humanize.Comma(int64(resp.MobileAppStats.Update)))
}
