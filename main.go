package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/example/nilesession/internal/account"
	"github.com/example/nilesession/internal/config"
	"github.com/example/nilesession/internal/events"
	"github.com/example/nilesession/internal/gate"
	"github.com/example/nilesession/internal/hasher"
	"github.com/example/nilesession/internal/ratelimit"
	"github.com/example/nilesession/internal/session"
	"github.com/example/nilesession/internal/store"
	"github.com/example/nilesession/internal/token"
)

// App holds the collaborators shared by every handler. It is built once in
// main and never mutated while serving.
type App struct {
	cfg      *config.Config
	store    store.Store
	sessions *session.Manager
	accounts *account.Service
	codec    *token.Codec
	limiter  ratelimit.Limiter
	events   events.Publisher
	log      logrus.FieldLogger
	started  time.Time
}

func main() {
	c, err := config.New()
	if err != nil {
		logrus.WithError(err).Fatal("config")
	}
	log := newLogger(c)

	if err := run(c, log); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
	log.Info("server exited properly")
}

func newLogger(c *config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
		log.SetLevel(lvl)
	} else {
		log.WithField("level", c.LogLevel).Warn("unknown log level, using info")
	}
	if strings.EqualFold(c.LogFormat, "json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

func run(c *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, c, log)
	if err != nil {
		return err
	}
	defer st.Close()

	app, err := newApp(ctx, c, st, log)
	if err != nil {
		return err
	}
	defer app.events.Close()

	if c.Bootstrap.Enabled() {
		created, err := app.accounts.Bootstrap(ctx, c.Bootstrap.Username, c.Bootstrap.Email, c.Bootstrap.Fullname, c.Bootstrap.Password)
		if err != nil {
			return fmt.Errorf("bootstrap administrator: %w", err)
		}
		if created {
			log.WithField("username", c.Bootstrap.Username).Info("seeded administrator")
		}
	}

	srv := &http.Server{
		Handler:           newRouter(app),
		Addr:              ":" + c.Port,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"port": c.Port, "env": c.Env, "db": c.DBAdapter}).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, c *config.Config, log logrus.FieldLogger) (store.Store, error) {
	switch c.DBAdapter {
	case "postgres":
		log.Info("applying database migrations")
		if err := store.ApplyMigrations(c.MigrationsDir, c.PostgresDSN, log); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		s, err := store.OpenPostgres(ctx, c.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres init: %w", err)
		}
		log.Info("connected to PostgreSQL database")
		return s, nil
	case "sqlite":
		if dir := filepath.Dir(c.SQLiteFile); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("sqlite dir: %w", err)
			}
		}
		s, err := store.OpenSQLite(ctx, c.SQLiteFile)
		if err != nil {
			return nil, fmt.Errorf("sqlite init: %w", err)
		}
		log.WithField("file", c.SQLiteFile).Info("using SQLite database")
		return s, nil
	case "mysql":
		s, err := store.OpenMySQL(ctx, c.MySQLDSN)
		if err != nil {
			return nil, fmt.Errorf("mysql init: %w", err)
		}
		log.Info("connected to MySQL database")
		return s, nil
	case "memory":
		log.Warn("using in-memory database (not recommended for production)")
		return store.NewMemory(), nil
	}
	return nil, fmt.Errorf("unsupported DB_ADAPTER: %s", c.DBAdapter)
}

// newApp wires the services on top of st. Background work started here
// stops when ctx is done.
func newApp(ctx context.Context, c *config.Config, st store.Store, log logrus.FieldLogger) (*App, error) {
	h, err := hasher.New(c.Hashing.Algorithm, c.Hashing.BcryptCost)
	if err != nil {
		return nil, err
	}
	codec, err := token.NewCodec([]byte(c.JwtSecret), token.WithLogger(log))
	if err != nil {
		return nil, err
	}

	var pub events.Publisher = events.LogPublisher{Log: log}
	if c.Events.URL != "" {
		pub = events.NewAMQPPublisher(c.Events.URL, c.Events.Queue, log)
		log.WithField("queue", c.Events.Queue).Info("publishing session events to RabbitMQ")
	}

	sessions, err := session.NewManager(st, h, codec, session.Config{
		AccessTTL:         c.Tokens.AccessTTL,
		RefreshTTL:        c.Tokens.RefreshTTL,
		PasswordChangeTTL: c.Tokens.PasswordChangeTTL,
		ReuseRevokesAll:   c.Tokens.ReuseRevokesAll,
	},
		session.WithEvents(pub),
		session.WithLogger(log),
		session.WithPasswordPolicy(account.ValidatePassword),
	)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      c,
		store:    st,
		sessions: sessions,
		accounts: account.NewService(st, h, pub, log),
		codec:    codec,
		limiter:  newLimiter(ctx, c, log),
		events:   pub,
		log:      log,
		started:  time.Now(),
	}, nil
}

// newLimiter returns nil when rate limiting is disabled. A reachable Redis
// shares budgets between instances; otherwise budgets are per process.
func newLimiter(ctx context.Context, c *config.Config, log logrus.FieldLogger) ratelimit.Limiter {
	if !c.Limits.Enabled {
		return nil
	}
	if c.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.WithError(err).Warn("redis unavailable, falling back to in-process rate limiter")
			_ = rdb.Close()
		} else {
			go func() {
				<-ctx.Done()
				_ = rdb.Close()
			}()
			log.WithField("addr", c.Redis.Addr).Info("using Redis rate limiter")
			return ratelimit.NewRedis(rdb, "nilesession:rl")
		}
	}
	l := ratelimit.NewLocal()
	go l.Run(ctx, time.Minute)
	return l
}

func (a *App) policies() (login, refresh, api ratelimit.Policy) {
	l := a.cfg.Limits
	return ratelimit.Policy{Name: "login", Max: l.LoginMax, Window: l.LoginWindow},
		ratelimit.Policy{Name: "refresh", Max: l.RefreshMax, Window: l.RefreshWindow},
		ratelimit.Policy{Name: "api", Max: l.APIMax, Window: l.APIWindow}
}

func newRouter(a *App) *mux.Router {
	loginPolicy, refreshPolicy, apiPolicy := a.policies()

	r := mux.NewRouter()
	r.Use(RequestID)
	r.Use(a.SecurityHeaders)
	r.Use(a.Logging)
	r.Use(a.CORS)

	// Health check endpoints (no auth required)
	r.HandleFunc("/health", a.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", a.HandleReady).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(a.RateLimit(apiPolicy))

	// Session endpoints
	api.Handle("/login", a.RateLimit(loginPolicy)(http.HandlerFunc(a.HandleLogin))).Methods(http.MethodPost, http.MethodOptions)
	api.Handle("/refresh", a.RateLimit(refreshPolicy)(http.HandlerFunc(a.HandleRefresh))).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/logout", a.HandleLogout).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/password/change", a.HandlePasswordChange).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/session", a.protect(gate.MinLevel, a.HandleSession)).Methods(http.MethodGet, http.MethodOptions)

	// Principal management
	api.HandleFunc("/users", a.protect(gate.LevelAdmin, a.HandleListUsers)).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/user/getbyid", a.protect(gate.MinLevel, a.HandleGetUser)).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/user/create", a.protect(gate.LevelAdmin, a.HandleCreateUser)).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/user/update", a.protect(gate.LevelAdmin, a.HandleUpdateUser)).Methods(http.MethodPatch, http.MethodOptions)
	api.HandleFunc("/user/chgpass", a.protect(gate.LevelAdmin, a.HandleChangePassword)).Methods(http.MethodPatch, http.MethodOptions)
	api.HandleFunc("/user/delete", a.protect(gate.LevelAdmin, a.HandleDeleteUser)).Methods(http.MethodDelete, http.MethodOptions)

	api.HandleFunc("/token/introspect", a.protect(gate.LevelAdmin, a.HandleTokenIntrospect)).Methods(http.MethodPost, http.MethodOptions)

	return r
}
