package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/qms-infoclinica/ire/internal/output"
	"github.com/qms-infoclinica/ire/internal/store"
)

// NewReconcileCmd creates the reconcile command: manual replay of one
// already-staged raw record, for operators working a dead-letter entry or
// re-running a record after fixing upstream data.
func NewReconcileCmd() *cobra.Command {
	var rawID string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Replay a staged raw record through the reconciliation engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *DB) error {
				ctx := context.Background()
				tx, err := db.Begin()
				if err != nil {
					return err
				}
				raw, err := store.GetRawPatientByID(ctx, tx, rawID)
				_ = tx.Rollback()
				if err != nil {
					return err
				}

				engine := newEngine(db)
				canonicalID, err := engine.Reconcile(ctx, raw)
				if err != nil {
					return err
				}

				type resp struct {
					RawID       string `json:"raw_id"`
					CanonicalID string `json:"canonical_id"`
				}
				return output.PrintSuccess(resp{RawID: rawID, CanonicalID: canonicalID})
			})
		},
	}

	cmd.Flags().StringVar(&rawID, "raw-id", "", "Raw record ID to reconcile (required)")
	_ = cmd.MarkFlagRequired("raw-id")

	return cmd
}
