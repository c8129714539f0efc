package cmd

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/SOG-web/reauth-sub000/internal/db/bunx"
	"github.com/SOG-web/reauth-sub000/internal/db/models"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Signing key management commands",
	Long:  `Commands for inspecting and rotating the JWKS signing keys.`,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active signing keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := bunx.NewDB(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer bunx.Close(db)

		ctx := context.Background()
		svcs, err := buildServices(ctx, db)
		if err != nil {
			return err
		}
		if svcs.JWKS == nil {
			return fmt.Errorf("JWT mode is disabled (JWT_ENABLED=false)")
		}

		keys, err := svcs.JWKS.GetAllActiveKeys(ctx)
		if err != nil {
			return err
		}

		log.Printf("Active signing keys:")
		for _, key := range keys {
			expires := "never"
			if key.ExpiresAt != nil {
				expires = key.ExpiresAt.Format("2006-01-02 15:04:05")
			}
			log.Printf("  %s alg=%s created=%s expires=%s uses=%d",
				key.KeyID, key.Algorithm,
				key.CreatedAt.Format("2006-01-02 15:04:05"), expires, key.UsageCount)
		}
		return nil
	},
}

var keysRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the signing key",
	Long:  `Generates a new signing key and demotes the current one to the grace window.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := bunx.NewDB(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer bunx.Close(db)

		ctx := context.Background()
		svcs, err := buildServices(ctx, db)
		if err != nil {
			return err
		}
		if svcs.JWKS == nil {
			return fmt.Errorf("JWT mode is disabled (JWT_ENABLED=false)")
		}

		reason := models.RotationReasonManual
		if compromised, _ := cmd.Flags().GetBool("compromise"); compromised {
			reason = models.RotationReasonCompromise
		}

		key, err := svcs.JWKS.RotateKeys(ctx, reason)
		if err != nil {
			return fmt.Errorf("rotation failed: %w", err)
		}

		log.Printf("Rotated signing key, new kid: %s", key.KeyID)
		return nil
	},
}

var keysCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove expired signing keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := bunx.NewDB(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer bunx.Close(db)

		ctx := context.Background()
		svcs, err := buildServices(ctx, db)
		if err != nil {
			return err
		}
		if svcs.JWKS == nil {
			return fmt.Errorf("JWT mode is disabled (JWT_ENABLED=false)")
		}

		n, err := svcs.JWKS.CleanupExpiredKeys(ctx)
		if err != nil {
			return err
		}
		log.Printf("Removed %d expired keys", n)
		return nil
	},
}

func init() {
	keysRotateCmd.Flags().Bool("compromise", false, "Record the rotation as a key compromise")
	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysRotateCmd)
	keysCmd.AddCommand(keysCleanupCmd)
	rootCmd.AddCommand(keysCmd)
}
