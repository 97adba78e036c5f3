package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"outreach/internal/domain"
	"outreach/internal/history"

	"github.com/spf13/cobra"
)

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

func sendCmd() *cobra.Command {
	var (
		req       domain.OutreachRequest
		mediaPath string
		mimeType  string
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one outreach message",
		Long: `Sends a single message through the configured transport. A retryable
failure leaves the message in the durable queue. While a daemon owns the
queue the request is handed to it over its ops API.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if mediaPath != "" {
				data, err := os.ReadFile(mediaPath)
				if err != nil {
					return fmt.Errorf("read media: %w", err)
				}
				req.Media = &domain.Media{Data: data, MimeType: mimeType, Filename: mediaPath}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var res domain.OutreachResult
			a, err := buildApp(ctx, cfg, "")
			if err == nil {
				defer a.Close()
				res = a.coordinator.Execute(ctx, req)
			} else {
				client, cerr := daemonClient(err)
				if cerr != nil {
					return cerr
				}
				if res, err = client.execute(ctx, req); err != nil {
					return err
				}
			}
			printJSON(res)
			if res.Status == domain.StatusFailed || res.Status == domain.StatusBlocked {
				return fmt.Errorf("outreach %s: %s", res.Status, res.ErrorMessage)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.LeadID, "lead", "", "lead id (CRM item id)")
	f.StringVar(&req.LeadName, "name", "", "lead name")
	f.StringVar(&req.Company, "company", "", "lead company")
	f.StringVarP(&req.Destination, "to", "t", "", "destination phone number or chat id")
	f.StringVarP(&req.Content, "message", "m", "", "message text (caption for media)")
	f.StringVar((*string)(&req.Type), "type", string(domain.MessageText), "text, voice, image or document")
	f.StringVar(&mediaPath, "media", "", "path to the attachment for non-text messages")
	f.StringVar(&mimeType, "mime", "", "attachment MIME type")
	f.IntVarP(&req.Priority, "priority", "p", 1, "request priority")
	cmd.MarkFlagRequired("lead")
	cmd.MarkFlagRequired("to")
	return cmd
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the retry queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued messages in retry order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			q, _, err := openStores(context.Background(), db, nil)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tLEAD\tPRIORITY\tRETRIES\tERROR\tNEXT RETRY")
			for _, m := range q.Snapshot() {
				next := "now"
				if m.Error.NextRetryAt != nil {
					next = m.Error.NextRetryAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d/%d\t%s\t%s\n",
					m.ID, m.Request.LeadID, m.Priority, m.RetryCount, m.MaxRetries, m.Error.Kind, next)
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "size",
		Short: "Print the number of queued messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			q, _, err := openStores(context.Background(), db, nil)
			if err != nil {
				return err
			}
			fmt.Println(q.Size())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Drop every queued message",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			a, err := buildApp(ctx, cfg, "")
			if err != nil {
				client, cerr := daemonClient(err)
				if cerr != nil {
					return cerr
				}
				n, err := client.clear(ctx)
				if err != nil {
					return err
				}
				logger.Info("queue cleared by daemon", "removed", n)
				return nil
			}
			defer a.Close()

			n := a.queue.Size()
			if err := a.queue.Clear(ctx); err != nil {
				return err
			}
			logger.Info("queue cleared", "removed", n)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Retry queued messages once if the transport is connected",
		Long: `Retries up to one drain batch. While a daemon owns the queue the drain
is requested from it instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, "")
			if err != nil {
				client, cerr := daemonClient(err)
				if cerr != nil {
					return cerr
				}
				if err := client.drain(ctx); err != nil {
					return err
				}
				logger.Info("drain requested from daemon")
				return nil
			}
			defer a.Close()

			if !a.monitor.CheckOnce(ctx) {
				return fmt.Errorf("transport %s is not connected", a.transport.Name())
			}
			n := a.coordinator.Drain(ctx)
			logger.Info("drain finished", "attempted", n, "remaining", a.queue.Size())
			return nil
		},
	})

	return cmd
}

func historyCmd() *cobra.Command {
	var (
		limit int
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "history [lead]",
		Short: "Show a lead's interaction timeline, or recent activity with --since",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			hist := history.NewSQLiteStore(db)

			var recs []domain.InteractionRecord
			switch {
			case len(args) == 1:
				recs, err = hist.ByLead(ctx, args[0], limit)
			case since > 0:
				recs, err = hist.Recent(ctx, since)
			default:
				return fmt.Errorf("give a lead id or --since")
			}
			if err != nil {
				return err
			}
			printJSON(recs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum records for a lead (default 50)")
	cmd.Flags().DurationVar(&since, "since", 0, "show every interaction of the last duration (e.g. 24h)")
	return cmd
}
