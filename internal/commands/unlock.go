package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/qms-infoclinica/ire/internal/output"
)

// NewUnlockCmd creates the unlock command: clears matching_locked so a
// canonical becomes visible to matching again.
func NewUnlockCmd() *cobra.Command {
	var canonicalID string

	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Return a locked canonical to matching",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *DB) error {
				engine := newEngine(db)
				if err := engine.Unlock(context.Background(), canonicalID); err != nil {
					return err
				}

				type resp struct {
					CanonicalID string `json:"canonical_id"`
					Locked      bool   `json:"locked"`
				}
				return output.PrintSuccess(resp{CanonicalID: canonicalID, Locked: false})
			})
		},
	}

	cmd.Flags().StringVar(&canonicalID, "canonical-id", "", "Canonical to unlock (required)")
	_ = cmd.MarkFlagRequired("canonical-id")

	return cmd
}
