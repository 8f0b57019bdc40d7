package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/telemed/telemed/internal/config"
	"github.com/telemed/telemed/internal/domain/scheduling"
	"github.com/telemed/telemed/internal/platform/auth"
	"github.com/telemed/telemed/internal/platform/db"
	"github.com/telemed/telemed/internal/platform/middleware"
	"github.com/telemed/telemed/internal/platform/notification"
	"github.com/telemed/telemed/internal/platform/websocket"
	"github.com/telemed/telemed/migrations"
)

const shutdownTimeout = 10 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:          "telemed-server",
		Short:        "Telemedicine scheduling API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduling API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			return withMigrator(cmd.Context(), dir, func(ctx context.Context, m *db.Migrator) error {
				fmt.Printf("Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	addMigrateFlags(upCmd)
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			return withMigrator(cmd.Context(), dir, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				fmt.Printf("Migration status for schema: %s\n", schema)
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	addMigrateFlags(statusCmd)
	cmd.AddCommand(statusCmd)

	return cmd
}

func addMigrateFlags(cmd *cobra.Command) {
	cmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.Flags().String("dir", "", "Migrations directory (default: migrations built into the binary)")
}

// migrationSource picks the on-disk directory when one is given.
func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func withMigrator(ctx context.Context, dir string, fn func(ctx context.Context, m *db.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.StoreDriver != config.StorePostgres {
		return fmt.Errorf("migrations need STORE_DRIVER=%s", config.StorePostgres)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, migrationSource(dir)))
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Mark scheduled appointments that ended before the grace period as completed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := newLogger(cfg)

			grace, _ := cmd.Flags().GetDuration("grace")
			if grace <= 0 {
				grace = cfg.CompletionGrace
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			st, err := openStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.close()

			svc, err := newService(cfg, st, logger)
			if err != nil {
				return err
			}
			n, err := svc.CompleteElapsed(ctx, grace)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			logger.Info().Int("completed", n).Dur("grace", grace).Msg("sweep finished")
			return nil
		},
	}
	cmd.Flags().Duration("grace", 0, "Override COMPLETION_GRACE")
	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// stores is the persistence selected by STORE_DRIVER.
type stores struct {
	schedules scheduling.ScheduleRepository
	appts     scheduling.AppointmentRepository
	reviews   scheduling.ReviewRepository
	directory scheduling.UserDirectory
	pinger    db.Pinger
	close     func()
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.StoreDriver == config.StoreMemory {
		mem := scheduling.NewMemoryStore()
		return &stores{
			schedules: mem.Schedules(),
			appts:     mem.Appointments(),
			reviews:   mem.Reviews(),
			pinger:    mem,
			close:     func() {},
		}, nil
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	return &stores{
		schedules: scheduling.NewScheduleRepoPG(pool),
		appts:     scheduling.NewAppointmentRepoPG(pool),
		reviews:   scheduling.NewReviewRepoPG(pool),
		directory: scheduling.NewUserDirectoryPG(pool),
		pinger:    pool,
		close:     pool.Close,
	}, nil
}

func newService(cfg *config.Config, st *stores, logger zerolog.Logger, publishers ...websocket.EventPublisher) (*scheduling.Service, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	opts := []scheduling.Option{
		scheduling.WithLogger(logger),
		scheduling.WithLocation(loc),
		scheduling.WithJoinBaseURL(cfg.AppBaseURL),
	}
	if st.directory != nil {
		opts = append(opts, scheduling.WithDirectory(st.directory))
	}
	for _, p := range publishers {
		opts = append(opts, scheduling.WithPublisher(p))
	}
	return scheduling.NewService(st.schedules, st.appts, st.reviews, opts...), nil
}

// topicAuthorizer limits websocket subscriptions to the caller's own topics.
func topicAuthorizer(c echo.Context) websocket.TopicFilter {
	ctx := c.Request().Context()
	actor := scheduling.Actor{
		ID:      auth.UserIDFromContext(ctx),
		IsAdmin: auth.HasRole(ctx, scheduling.RoleAdmin),
	}
	return func(topic string) bool { return scheduling.TopicVisibleTo(actor, topic) }
}

type routerDeps struct {
	svc           *scheduling.Service
	hub           *websocket.Hub
	notifications *notification.Dispatcher
	pinger        db.Pinger
}

func newRouter(cfg *config.Config, logger zerolog.Logger, deps routerDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.DevUserHeader, auth.DevRolesHeader},
	}))
	e.Use(echomw.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Auth middleware
	if cfg.ResolvedAuthMode() == "development" {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(deps.pinger, cfg.StoreDriver))

	websocket.NewWebSocketHandler(deps.hub, topicAuthorizer).RegisterRoutes(e.Group(""))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1 := e.Group("/api/v1", middleware.RateLimit(rateLimitCfg))

	scheduling.NewHandler(deps.svc).RegisterRoutes(apiV1)
	notification.NewHandler(deps.notifications).RegisterRoutes(apiV1.Group("", auth.RequireRole(scheduling.RoleAdmin)))

	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("development auth is enabled; identities are taken from X-Dev-User and X-Dev-Roles")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open store")
		return err
	}
	defer st.close()
	logger.Info().Str("driver", cfg.StoreDriver).Msg("store ready")

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	hub := websocket.NewHub(logger)
	dispatcher := notification.NewDispatcher(notification.NewLogSender(logger), notification.NewTemplateEngine(), loc, logger)

	svc, err := newService(cfg, st, logger, hub, dispatcher)
	if err != nil {
		return err
	}

	e := newRouter(cfg, logger, routerDeps{
		svc:           svc,
		hub:           hub,
		notifications: dispatcher,
		pinger:        st.pinger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
