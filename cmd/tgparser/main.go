// Command tgparser is the harvester's CLI entrypoint: single-shot tick,
// long-running serve loop, and operator seed commands for accounts and
// channels.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/local/tgparser/internal/config"
	"github.com/local/tgparser/internal/health"
	"github.com/local/tgparser/internal/join"
	"github.com/local/tgparser/internal/lock"
	"github.com/local/tgparser/internal/logging"
	"github.com/local/tgparser/internal/membership"
	"github.com/local/tgparser/internal/notify"
	"github.com/local/tgparser/internal/parser"
	"github.com/local/tgparser/internal/pool"
	"github.com/local/tgparser/internal/scheduler"
	"github.com/local/tgparser/internal/store"
	"github.com/local/tgparser/internal/upstream/telegram"
)

const version = "0.1.0"

// exitCode values for single-shot mode.
const (
	exitCompleted = 0
	exitSkipped   = 2
	exitFailed    = 1
)

// deps bundles everything built from Config, shared by the tick and serve
// commands so each builds its own Scheduler without duplicating wiring.
type deps struct {
	cfg       config.Config
	store     *store.SQLiteStore
	scheduler *scheduler.Scheduler
	close     func()
}

func buildDeps() (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	log := logging.New(cfg.LogLevel)

	st, err := store.NewSQLite(cfg.DatabasePath, log)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("redis_url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	locker := lock.NewRedisLocker(redisClient, log)

	factory := telegram.Factory{Log: log}
	p := pool.New(factory, log)

	notifier, err := notify.New(cfg.NotifyBotToken, cfg.NotifyAdminChatID, st, log)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("notify: %w", err)
	}

	joinSvc := join.New()
	healthChecker := health.NewChecker(p, log)
	parserEngine := parser.New(st, p, joinSvc, notifier, log)
	membershipSvc := membership.New(st, p, joinSvc, log)

	sched := scheduler.New(st, locker, healthChecker, parserEngine, membershipSvc, p, cfg.LockTTL(), cfg.TickInterval(), log)

	return &deps{
		cfg:       cfg,
		store:     st,
		scheduler: sched,
		close: func() {
			st.Close()
			redisClient.Close()
		},
	}, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tgparser",
		Short: "tgparser — Telegram channel harvester",
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tgparser v%s\n", version)
		},
	})

	var force bool
	tickCmd := &cobra.Command{
		Use:   "tick",
		Short: "Run a single harvest tick and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps()
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				os.Exit(exitFailed)
			}
			defer d.close()

			ctx, cancel := signalContext()
			defer cancel()

			ok, err := d.scheduler.RunOnce(ctx, force)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				os.Exit(exitFailed)
			}
			if !ok {
				os.Exit(exitSkipped)
			}
			os.Exit(exitCompleted)
			return nil
		},
	}
	tickCmd.Flags().BoolVar(&force, "force", false, "bypass the distributed lock and run even if another holder is ticking")
	root.AddCommand(tickCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the harvest tick on a loop until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps()
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				os.Exit(exitFailed)
			}
			defer d.close()

			ctx, cancel := signalContext()
			defer cancel()

			if err := d.scheduler.Loop(ctx); err != nil && ctx.Err() == nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				os.Exit(exitFailed)
			}
			return nil
		},
	}
	root.AddCommand(serveCmd)

	root.AddCommand(seedAccountCmd())
	root.AddCommand(seedChannelCmd())

	return root
}

func seedAccountCmd() *cobra.Command {
	var label, phone, sessionString, proxyURL string
	var apiID int64
	var apiHash string

	cmd := &cobra.Command{
		Use:   "seed-account",
		Short: "Register an account capability supplied by external onboarding",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps()
			if err != nil {
				return err
			}
			defer d.close()

			id, err := d.store.CreateAccount(cmd.Context(), store.Account{
				Label:         label,
				PhoneNumber:   phone,
				IsActive:      true,
				Status:        store.AccountAuthRequired,
				SessionString: sessionString,
				APIID:         apiID,
				APIHash:       apiHash,
				ProxyURL:      proxyURL,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "account %d created\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "human-readable account label")
	cmd.Flags().StringVar(&phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&sessionString, "session", "", "opaque session string")
	cmd.Flags().Int64Var(&apiID, "api-id", 0, "upstream api_id")
	cmd.Flags().StringVar(&apiHash, "api-hash", "", "upstream api_hash")
	cmd.Flags().StringVar(&proxyURL, "proxy", "", "proxy URL")
	return cmd
}

func seedChannelCmd() *cobra.Command {
	var identifier, title, channelType string
	var backfillDays int

	cmd := &cobra.Command{
		Use:   "seed-channel",
		Short: "Register a channel to harvest",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps()
			if err != nil {
				return err
			}
			defer d.close()

			days := backfillDays
			if days == 0 {
				days = d.cfg.DefaultBackfillDays
			}

			id, err := d.store.CreateChannel(cmd.Context(), store.Channel{
				Type:         store.ChannelType(channelType),
				Identifier:   identifier,
				Title:        title,
				IsActive:     true,
				BackfillDays: days,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "channel %d created\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&identifier, "identifier", "", "username, t.me link, or invite hash")
	cmd.Flags().StringVar(&title, "title", "", "display title")
	cmd.Flags().StringVar(&channelType, "type", string(store.ChannelPublic), "public|private")
	cmd.Flags().IntVar(&backfillDays, "backfill-days", 0, "override the configured default_backfill_days")
	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFailed)
	}
}
