package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-iam/cmd/iam/cli"
	"github.com/odyssey-erp/odyssey-iam/internal/app"
	"github.com/odyssey-erp/odyssey-iam/internal/auth"
	"github.com/odyssey-erp/odyssey-iam/internal/observability"
	"github.com/odyssey-erp/odyssey-iam/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-iam/internal/platform/db"
	"github.com/odyssey-erp/odyssey-iam/internal/platform/security"
	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
	"github.com/odyssey-erp/odyssey-iam/internal/users"
	"github.com/odyssey-erp/odyssey-iam/jobs"
)

var _ auth.Recorder = (*observability.Metrics)(nil)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "iam",
		Short:         "Identity and access management service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withStorage(cmd.Context(), func(_ *environment) error { return nil }, true)
			},
		},
		&cobra.Command{
			Use:   "seed",
			Short: "Sync the permission catalog and bootstrap roles",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withStorage(cmd.Context(), func(env *environment) error {
					return cli.Bootstrap{Roles: env.rbac, Out: cmd.OutOrStdout()}.Seed(cmd.Context(), env.catalog)
				}, false)
			},
		},
		newSuperAdminCommand(),
		newQueueCommand(),
	)
	return root
}

func newSuperAdminCommand() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "create-superadmin",
		Short: "Create an active account with the super_admin role",
		RunE: func(cmd *cobra.Command, _ []string) error {
			password := os.Getenv("IAM_SUPERADMIN_PASSWORD")
			if password == "" {
				return errors.New("IAM_SUPERADMIN_PASSWORD must be set")
			}
			return withStorage(cmd.Context(), func(env *environment) error {
				b := cli.Bootstrap{Roles: env.rbac, Users: env.users, Out: cmd.OutOrStdout()}
				if err := b.Seed(cmd.Context(), env.catalog); err != nil {
					return err
				}
				_, err := b.CreateSuperAdmin(cmd.Context(), email, password)
				return err
			}, false)
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email address of the account")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newQueueCommand() *cobra.Command {
	var size int
	queue := &cobra.Command{Use: "queue", Short: "Inspect the mail queue"}
	withQueue := func(cmd *cobra.Command, fn func(*cli.QueueCLI) error) error {
		cfg, err := app.LoadConfig()
		if err != nil {
			return err
		}
		inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer inspector.Close()
		return fn(cli.NewQueueCLI(inspector))
	}
	archived := &cobra.Command{
		Use:   "archived",
		Short: "List mail tasks that exhausted their retries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueue(cmd, func(q *cli.QueueCLI) error {
				lines, err := q.ListArchived(cmd.Context(), size)
				if err != nil {
					return err
				}
				for _, line := range lines {
					cmd.Println(line)
				}
				return nil
			})
		},
	}
	archived.Flags().IntVar(&size, "size", 10, "number of tasks to list")
	queue.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Print mail queue counters",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withQueue(cmd, func(q *cli.QueueCLI) error {
					return q.PrintStats(cmd.Context(), cmd.OutOrStdout())
				})
			},
		},
		archived,
		&cobra.Command{
			Use:   "retry-archived",
			Short: "Requeue archived mail tasks",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withQueue(cmd, func(q *cli.QueueCLI) error {
					n, err := q.RetryArchived(cmd.Context())
					if err != nil {
						return err
					}
					cmd.Printf("requeued %d tasks\n", n)
					return nil
				})
			},
		},
	)
	return queue
}

// environment is the storage backed part of the object graph shared by the
// server and the operator commands.
type environment struct {
	guard   db.Guard
	catalog *rbac.Catalog
	hasher  *security.BcryptHasher
	rbac    *rbac.Service
	users   *users.Service
	usersDB *users.PGRepository
}

func withStorage(ctx context.Context, fn func(*environment) error, migrate bool) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	logger := app.NewLogger(cfg)
	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns, ConnectTimeout: cfg.StorageTimeout})
	if err != nil {
		return err
	}
	defer pool.Close()
	if migrate || cfg.MigrateOnStart {
		if err := db.Migrate(ctx, pool); err != nil {
			return err
		}
		logger.Info("migrations applied")
	}
	env, err := newEnvironment(cfg, logger, pool, users.LogMailer{Logger: logger})
	if err != nil {
		return err
	}
	return fn(env)
}

func newEnvironment(cfg *app.Config, logger *slog.Logger, pool *pgxpool.Pool, mailer users.Mailer) (*environment, error) {
	catalog, err := rbac.LoadCatalog(cfg.RBACCatalogPath)
	if err != nil {
		return nil, err
	}
	guard := db.Guard{Timeout: cfg.StorageTimeout}
	audit := shared.NewAuditLogger(pool)
	hasher := security.NewBcryptHasher(cfg.BcryptCost)
	usersRepo := users.NewRepository(pool, guard)
	roles := rbac.NewService(rbac.NewRepository(pool, guard), audit, logger)
	return &environment{
		guard:   guard,
		catalog: catalog,
		hasher:  hasher,
		rbac:    roles,
		usersDB: usersRepo,
		users: users.NewService(usersRepo, roles, hasher, security.NewRandomSource(), mailer, audit, logger, users.Config{
			DefaultStatus:     cfg.DefaultStatus(),
			InviteTTL:         cfg.InviteTTL,
			ResetTTL:          cfg.ResetTTL,
			PasswordMinLength: cfg.PasswordMinLength,
			BaseURL:           cfg.AppBaseURL,
			Clock:             shared.SystemClock,
		}),
	}, nil
}

func serve(ctx context.Context) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns, ConnectTimeout: cfg.StorageTimeout})
	if err != nil {
		return err
	}
	defer pool.Close()
	if cfg.MigrateOnStart {
		if err := db.Migrate(ctx, pool); err != nil {
			return err
		}
		logger.Info("migrations applied")
	}

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, DialTimeout: cfg.StorageTimeout, ReadTimeout: cfg.StorageTimeout})
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	var mailer users.Mailer = users.LogMailer{Logger: logger}
	if cfg.MailQueue {
		queue := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer queue.Close()
		mailer = jobs.NewQueueMailer(queue, metrics.Jobs(), logger)
	}

	env, err := newEnvironment(cfg, logger, pool, mailer)
	if err != nil {
		return err
	}
	if err := env.rbac.SyncCatalog(ctx, env.catalog); err != nil {
		return err
	}

	signer, err := security.NewJWTSigner(cfg.TokenSecret, cfg.TokenTTL, cfg.TokenIssuer, shared.SystemClock)
	if err != nil {
		return err
	}
	authService := auth.NewService(env.usersDB, env.rbac, env.hasher, signer, auth.Options{
		Denylist: auth.NewRedisDenylist(redisClient, env.guard, shared.SystemClock),
		Metrics:  metrics,
		Logger:   logger,
		Clock:    shared.SystemClock,
	})

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	rbacMiddleware := rbac.Middleware{Logger: logger}
	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		AuthHandler:    auth.NewHandler(logger, authService, rbacMiddleware, app.LoginLimiter(cfg)),
		UsersHandler:   users.NewHandler(logger, env.users, rbacMiddleware),
		RBACHandler:    rbac.NewHandler(logger, env.rbac, rbacMiddleware),
		RBACMiddleware: rbacMiddleware,
		JobHandler:     jobs.NewHandler(inspector, logger),
		Metrics:        metrics,
		Checks: map[string]app.HealthCheck{
			"postgres": pool.Ping,
			"redis": func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		},
	})

	server := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           router,
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
