package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/toralehq/torale/internal/clock"
	"github.com/toralehq/torale/internal/config"
	"github.com/toralehq/torale/internal/events"
	"github.com/toralehq/torale/internal/executor"
	"github.com/toralehq/torale/internal/grounded"
	"github.com/toralehq/torale/internal/httpapi"
	"github.com/toralehq/torale/internal/notify"
	"github.com/toralehq/torale/internal/schedule"
	"github.com/toralehq/torale/internal/service"
	"github.com/toralehq/torale/internal/store"
	"github.com/toralehq/torale/internal/store/memory"
	"github.com/toralehq/torale/internal/store/pg"
	"github.com/toralehq/torale/internal/store/sqlite"
	"github.com/toralehq/torale/internal/workflow"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the torale engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.Logging)
	slog.Info("torale starting", "version", version, "driver", cfg.Database.Driver)

	taskStore, schedStore, cleanup, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	clk := clock.System{}

	provider := grounded.NewBraveProvider(cfg.Search.APIKey, cfg.Search.BaseURL)
	searcher := grounded.NewClient(grounded.ClientOptions{
		APIKey:            cfg.LLM.APIKey,
		APIBase:           cfg.LLM.BaseURL,
		Model:             cfg.LLM.Model,
		RequestsPerMinute: int(cfg.LLM.RequestsPerSecond * 60),
	}, provider)

	// An explicit 0 in the config disables the retry, which the executor
	// spells as a negative count.
	invalidRetries := cfg.LLM.MaxRetriesOnInvalidResponse
	if invalidRetries == 0 {
		invalidRetries = -1
	}
	exec := executor.New(searcher, clk, executor.Options{
		DefaultModel:           cfg.LLM.Model,
		CanonicalHash:          cfg.Executor.CanonicalKeys,
		HashCacheSize:          cfg.Executor.HashCacheSize,
		InvalidResponseRetries: invalidRetries,
	})

	router, err := buildRouter(cfg.Notify)
	if err != nil {
		return err
	}

	wf := workflow.New(taskStore, exec, router, clk, workflow.Timeouts{
		Load:    cfg.Workflow.LoadTimeout.Std(),
		Execute: cfg.Workflow.ExecuteTimeout.Std(),
		Persist: cfg.Workflow.PersistTimeout.Std(),
		Deliver: cfg.Workflow.DeliverTimeout.Std(),
	})

	if cfg.Events.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Events.RedisAddr,
			Password: cfg.Events.RedisPassword,
		})
		pub := events.New(rdb, cfg.Events.Channel)
		defer pub.Close()
		wf.SetEvents(pub)
		slog.Info("execution events enabled", "addr", cfg.Events.RedisAddr, "channel", cfg.Events.Channel)
	}

	runtime := schedule.NewService(schedStore, taskStore, wf, clk, schedule.Options{
		TickInterval:  cfg.Schedule.TickInterval.Std(),
		SweepInterval: cfg.Schedule.SweepInterval.Std(),
	})
	wf.SetPauser(runtime)

	if err := runtime.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer runtime.Stop()

	svc := service.New(taskStore, runtime, clk, cfg.Schedule.MinInterval.Std())
	srv := httpapi.NewServer(svc, cfg.Server.Addr)

	watcher, err := config.NewWatcher(configPath)
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	} else {
		watcher.OnChange(func(next *config.Config) {
			setupLogging(next.Logging)
			slog.Info("logging settings applied from reloaded config")
		})
		if err := watcher.Start(); err != nil {
			slog.Warn("config watcher not started", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("torale stopped")
	return nil
}

// openStores builds the task and schedule stores for the configured driver.
// The cleanup closes whatever was opened.
func openStores(cfg *config.Config) (store.TaskStore, schedule.Store, func(), error) {
	switch cfg.Database.Driver {
	case "postgres":
		db, err := pg.OpenDB(cfg.Database.DSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := pg.Migrate(db); err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return pg.NewTaskStore(db), pg.NewScheduleStore(db), func() { db.Close() }, nil

	case "sqlite":
		st, err := sqlite.Open(cfg.Database.DSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return st, st, func() { st.Close() }, nil

	case "memory":
		return memory.New(), schedule.NewFileStore(cfg.Schedule.FilePath), func() {}, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// buildRouter registers every notifier the config carries credentials for.
// The default channel falls back to the log notifier so a bare config still
// produces visible notifications.
func buildRouter(cfg config.NotifyConfig) (*notify.Router, error) {
	router := notify.NewRouter(cfg.DefaultChannel)

	if cfg.Slack.Token != "" {
		router.Register("slack", notify.NewSlackNotifier(cfg.Slack.Token, cfg.Slack.Channel))
	}
	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegramNotifier(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			return nil, fmt.Errorf("telegram notifier: %w", err)
		}
		router.Register("telegram", tg)
	}
	if cfg.Discord.Token != "" {
		dc, err := notify.NewDiscordNotifier(cfg.Discord.Token, cfg.Discord.ChannelID)
		if err != nil {
			return nil, fmt.Errorf("discord notifier: %w", err)
		}
		router.Register("discord", dc)
	}
	if cfg.Webhook.URL != "" {
		router.Register("webhook", notify.NewWebhookNotifier(cfg.Webhook.URL))
	}

	router.Register("email", notify.LogNotifier{})
	return router, nil
}
