// cmd/seeder/main.go
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/unclebandit/campaign-dispatch/internal/config"
	"github.com/unclebandit/campaign-dispatch/internal/db"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dsn string
	root := &cobra.Command{
		Use:           "seeder",
		Short:         "Prepare the campaign database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dsn, "dsn", "", "postgres connection string (default from DATABASE_URL or DB_*)")

	connect := func(ctx context.Context) (*sql.DB, error) {
		if dsn == "" {
			cfg, err := config.Load()
			if err != nil {
				return nil, err
			}
			dsn = cfg.DSN()
		}
		return db.Connect(ctx, dsn)
	}

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := db.Migrate(cmd.Context(), conn); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Schema applied")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "seed [files...]",
		Short: "Execute seed SQL files (default seed/campaigns.sql)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"seed/campaigns.sql"}
			}
			conn, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()
			return seedFiles(cmd.Context(), conn, args, cmd.OutOrStdout())
		},
	})

	var (
		recipients int
		channel    string
	)
	demo := &cobra.Command{
		Use:   "demo",
		Short: "Create a draft campaign with generated recipients",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := demoCampaign(model.ChannelType(channel), recipients)
			if err != nil {
				return err
			}
			conn, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()
			repo := &repository.CampaignRepository{DB: conn}
			if err := repo.Create(cmd.Context(), c); err != nil {
				return fmt.Errorf("create demo campaign: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s campaign %s with %d recipients\n", c.Channel, c.ID, len(c.Recipients))
			return nil
		},
	}
	demo.Flags().IntVarP(&recipients, "recipients", "n", 12, "number of recipients")
	demo.Flags().StringVarP(&channel, "channel", "c", string(model.ChannelSMS), "channel: sms, whatsapp or call")
	root.AddCommand(demo)

	return root
}

func seedFiles(ctx context.Context, conn *sql.DB, files []string, out io.Writer) error {
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}
		if _, err := conn.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("failed to execute %s: %w", file, err)
		}
		fmt.Fprintf(out, "Seeded: %s\n", file)
	}
	fmt.Fprintln(out, "Database seeding completed successfully!")
	return nil
}

// demoCampaign builds a draft campaign whose recipients live in the reserved
// +99555500xxxx range.
func demoCampaign(ch model.ChannelType, n int) (*model.Campaign, error) {
	if !ch.Valid() {
		return nil, fmt.Errorf("unknown channel %q", ch)
	}
	if n < 1 || n > 9999 {
		return nil, fmt.Errorf("recipients must be between 1 and 9999, got %d", n)
	}
	recipients := make([]model.Recipient, n)
	for i := range recipients {
		recipients[i] = model.Recipient{
			Phone: fmt.Sprintf("+99555500%04d", i+1),
			Vars:  map[string]string{"name": fmt.Sprintf("Customer %d", i+1)},
		}
	}
	return &model.Campaign{
		Name:       fmt.Sprintf("Demo %s campaign", ch),
		Channel:    ch,
		Status:     model.StatusDraft,
		Content:    "Hi {name}, this is a demo message to {phone}.",
		Recipients: recipients,
	}, nil
}
