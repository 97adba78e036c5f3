package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"outreach/internal/config"
	"outreach/internal/storage"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the outreach setup",
		Long: `Verifies the configuration, the database, the transport connection and
the ops port. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("Outreach Doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'outreachd init' to create a default configuration.\n")
				return fmt.Errorf("config file missing")
			}
			printPass("Config file", cfgPath)
			passed++

			config.LoadDotEnv()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, 1 failed\n", passed)
				return err
			}
			printPass("Config validation", "valid")
			passed++

			if owner, err := checkDatabase(cfg.Storage.DBPath); err != nil {
				printFail("Database", err.Error())
				failed++
			} else {
				printPass("Database", cfg.Storage.DBPath)
				passed++
				if owner != nil {
					printPass("Queue owner", fmt.Sprintf("daemon pid %d, last heartbeat %s", owner.PID, owner.HeartbeatAt.Format(time.RFC3339)))
				} else {
					printPass("Queue owner", "none, no daemon is running")
				}
				passed++
			}

			if t, err := newTransport(cfg); err != nil {
				printFail("Transport", err.Error())
				failed++
			} else {
				ctx, cancel := context.WithTimeout(context.Background(), cfg.Monitor.ProbeTimeout())
				ok, err := t.CheckConnection(ctx)
				cancel()
				switch {
				case err != nil:
					printWarn("Transport: "+t.Name(), err.Error())
					warned++
				case !ok:
					printWarn("Transport: "+t.Name(), "not connected, messages will be queued")
					warned++
				default:
					printPass("Transport: "+t.Name(), "connected")
					passed++
				}
			}

			switch cfg.CRM.Kind {
			case "monday":
				printPass("CRM", "monday board "+cfg.CRM.Monday.BoardID)
				passed++
			default:
				printWarn("CRM", "not configured, status changes are only logged")
				warned++
			}

			if cfg.HTTP.Enabled {
				if err := checkPort(cfg.HTTP.Addr); err != nil {
					printWarn("Ops port", fmt.Sprintf("%s may be in use: %v", cfg.HTTP.Addr, err))
					warned++
				} else {
					printPass("Ops port", cfg.HTTP.Addr+" available")
					passed++
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running the daemon.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nThe daemon should run but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! Start the daemon with 'outreachd run'.\n")
			}
			return nil
		},
	}
}

// checkDatabase opens the database, which applies migrations, tries a write
// and reports the live queue owner, if any.
func checkDatabase(dbPath string) (*storage.Lease, error) {
	db, err := storage.Open(dbPath, logger)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return nil, fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return storage.ActiveLease(ctx, db, time.Now(), leaseTTL)
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
