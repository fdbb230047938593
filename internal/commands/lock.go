package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/qms-infoclinica/ire/internal/output"
)

// NewLockCmd creates the lock command: sets matching_locked on a canonical
// so it becomes invisible to matching until explicitly unlocked.
func NewLockCmd() *cobra.Command {
	var canonicalID, reason string

	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Lock a canonical out of matching",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *DB) error {
				engine := newEngine(db)
				if err := engine.Lock(context.Background(), canonicalID, reason); err != nil {
					return err
				}

				type resp struct {
					CanonicalID string `json:"canonical_id"`
					Locked      bool   `json:"locked"`
				}
				return output.PrintSuccess(resp{CanonicalID: canonicalID, Locked: true})
			})
		},
	}

	cmd.Flags().StringVar(&canonicalID, "canonical-id", "", "Canonical to lock (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded on the canonical (required)")
	_ = cmd.MarkFlagRequired("canonical-id")
	_ = cmd.MarkFlagRequired("reason")

	return cmd
}
