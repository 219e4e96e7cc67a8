package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/victornm/trivia/internal/api"
	"github.com/victornm/trivia/internal/event"
	"github.com/victornm/trivia/internal/hub"
	"github.com/victornm/trivia/internal/leaderboard"
	"github.com/victornm/trivia/internal/match"
	"github.com/victornm/trivia/internal/question"
	"github.com/victornm/trivia/internal/round"
	"github.com/victornm/trivia/internal/storage"
	"github.com/victornm/trivia/internal/telemetry"
)

const serviceName = "trivia"

type RedisConfig struct {
	Addrs  []string
	Pass   string
	Prefix string
}

type PostgresConfig struct {
	Addr string
	User string
	Pass string
	Name string
}

func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s", c.User, c.Pass, c.Addr, c.Name)
}

type Config struct {
	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Redis struct {
		Leaderboard RedisConfig
		Pubsub      RedisConfig
		Questions   RedisConfig
	}

	Postgres PostgresConfig

	Storage struct {
		// Driver is postgres or sqlite.
		Driver     string
		SQLitePath string
	}

	Questions struct {
		// Source is memory, redis or postgres. The memory source is loaded from File.
		Source string
		File   string
	}

	Match struct {
		Rounds          int
		RoundDuration   time.Duration
		TransitionDelay time.Duration
		TickInterval    time.Duration
		Retention       time.Duration
	}

	Log struct {
		Level string
	}

	Telemetry struct {
		Endpoint    string
		Insecure    bool
		SampleRatio float64
	}
}

func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8080
	c.GRPC.Port = 9090
	c.Redis.Leaderboard.Prefix = serviceName
	c.Redis.Pubsub.Prefix = serviceName
	c.Redis.Questions.Prefix = serviceName
	c.Storage.Driver = "sqlite"
	c.Storage.SQLitePath = "trivia.db"
	c.Questions.Source = "memory"
	c.Match.Rounds = match.DefaultRounds
	c.Match.RoundDuration = round.DefaultDuration
	c.Match.TransitionDelay = round.DefaultTransitionDelay
	c.Match.TickInterval = round.DefaultTickInterval
	c.Match.Retention = match.DefaultRetention
	c.Log.Level = "info"
	c.Telemetry.SampleRatio = 1
	return c
}

func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Questions.Source {
	case "memory":
		if c.Questions.File == "" {
			return fmt.Errorf("config: questions.file is required for the memory source")
		}
	case "redis", "postgres":
	default:
		return fmt.Errorf("config: unknown question source %q", c.Questions.Source)
	}

	if c.Match.Rounds <= 0 {
		return fmt.Errorf("config: match.rounds must be positive, got %d", c.Match.Rounds)
	}
	if c.Match.RoundDuration <= 0 || c.Match.TickInterval <= 0 || c.Match.Retention <= 0 {
		return fmt.Errorf("config: match durations must be positive")
	}
	if c.Match.TransitionDelay < 0 {
		return fmt.Errorf("config: match.transitionDelay must not be negative")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("config: telemetry.sampleRatio must be within [0, 1]")
	}

	return nil
}

// ParseLevel maps Log.Level to a slog level, defaulting to info.
func (c Config) ParseLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func (c Config) usesPostgres() bool {
	return c.Storage.Driver == "postgres" || c.Questions.Source == "postgres"
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			leaderboard redis.UniversalClient
			pubsub      redis.UniversalClient
			questions   redis.UniversalClient
		}

		postgres *pgxpool.Pool
	}

	service struct {
		store       storage.Store
		questions   match.QuestionSource
		matches     *match.Manager
		leaderboard *leaderboard.Service
		hub         *hub.Hub
	}

	stopTracing func(context.Context) error

	http *http.Server
	grpc *grpc.Server
}

func Init(c Config) (*Server, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	s := &Server{c: c}

	if err := s.initTelemetry(); err != nil {
		return nil, fmt.Errorf("server: init telemetry: %w", err)
	}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initService(); err != nil {
		return nil, fmt.Errorf("server: init service: %w", err)
	}

	s.initAPI()
	return s, nil
}

func (s *Server) initTelemetry() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stop, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
		Endpoint:    s.c.Telemetry.Endpoint,
		Insecure:    s.c.Telemetry.Insecure,
		ServiceName: serviceName,
		SampleRatio: s.c.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	s.stopTracing = stop

	return nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if s.c.usesPostgres() {
		if err := s.initPostgres(); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}

	return nil
}

// initRedis connects the configured clients. A client with no addrs stays nil and the feature
// it backs is off.
func (s *Server) initRedis() error {
	connect := func(name string, rc RedisConfig) (redis.UniversalClient, error) {
		if len(rc.Addrs) == 0 {
			slog.Warn("server: redis disabled", "client", name)
			return nil, nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    rc.Addrs,
			Password: rc.Pass,
		})

		if err := telemetry.MonitorRedis(r, name); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.leaderboard, err = connect("leaderboard", s.c.Redis.Leaderboard)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}

	s.infra.redis.pubsub, err = connect("pubsub", s.c.Redis.Pubsub)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	if s.c.Questions.Source == "redis" {
		s.infra.redis.questions, err = connect("questions", s.c.Redis.Questions)
		if err != nil {
			return fmt.Errorf("questions: %w", err)
		}
		if s.infra.redis.questions == nil {
			return fmt.Errorf("questions: redis.questions.addrs is required")
		}
	}

	return nil
}

func (s *Server) initPostgres() error {
	db, err := ConnectPostgres(s.c.Postgres)
	if err != nil {
		return err
	}
	s.infra.postgres = db
	return nil
}

// ConnectPostgres opens and pings a pool.
func ConnectPostgres(c PostgresConfig) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cc, err := pgxpool.ParseConfig(c.DSN())
	if err != nil {
		return nil, err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func (s *Server) initService() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	if s.service.store, err = s.openStore(ctx); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	if s.service.questions, err = s.openQuestions(ctx); err != nil {
		return fmt.Errorf("questions: %w", err)
	}

	telemetry.NewMetrics(prometheus.DefaultRegisterer).Subscribe(s.eb)

	s.service.matches = match.NewManager(match.Config{
		Rounds:          s.c.Match.Rounds,
		RoundDuration:   s.c.Match.RoundDuration,
		TransitionDelay: s.c.Match.TransitionDelay,
		TickInterval:    s.c.Match.TickInterval,
		Retention:       s.c.Match.Retention,
		EventBus:        s.eb,
		Store:           s.service.store,
		Questions:       s.service.questions,
	})

	if s.infra.redis.leaderboard != nil {
		s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
			EventBus: s.eb,
			Redis:    s.infra.redis.leaderboard,
			Prefix:   s.c.Redis.Leaderboard.Prefix,
		})
	}

	s.service.hub = hub.New(hub.Config{Answers: s.service.matches})

	return nil
}

func (s *Server) openStore(ctx context.Context) (storage.Store, error) {
	if s.c.Storage.Driver == "postgres" {
		st := storage.NewPostgres(s.infra.postgres)
		if err := st.Migrate(ctx); err != nil {
			return nil, err
		}
		return st, nil
	}

	st, err := storage.OpenSQLite(ctx, s.c.Storage.SQLitePath)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Server) openQuestions(ctx context.Context) (match.QuestionSource, error) {
	switch s.c.Questions.Source {
	case "redis":
		return question.NewRedis(s.infra.redis.questions, s.c.Redis.Questions.Prefix), nil
	case "postgres":
		src := question.NewPostgres(s.infra.postgres)
		if err := src.Migrate(ctx); err != nil {
			return nil, err
		}
		return src, nil
	default:
		qs, err := question.LoadBankFile(s.c.Questions.File)
		if err != nil {
			return nil, err
		}
		slog.InfoContext(ctx, "server: question bank loaded", "file", s.c.Questions.File, "count", len(qs))
		return question.NewMemory(qs), nil
	}
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	s.grpc = grpc.NewServer(telemetry.GRPCServerOptions(slog.Default())...)
	healthpb.RegisterHealthServer(s.grpc, health.NewServer())

	c := api.Config{
		Router:   e,
		EventBus: s.eb,
		Matches:  s.service.matches,
		Scores:   s.service.store,
		Hub:      s.service.hub,
	}
	if s.service.leaderboard != nil {
		c.Leaderboard = s.service.leaderboard
	} else {
		c.Leaderboard = api.NoLeaderboard{}
	}
	if s.infra.redis.pubsub != nil {
		c.Redis = s.infra.redis.pubsub
		c.PubsubPrefix = s.c.Redis.Pubsub.Prefix
	}
	api.New(c)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

// Shutdown aborts running matches, drains the bus, then stops the listeners and closes infra.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.service.matches.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: abort matches failed", "error", err)
	}

	s.eb.Stop()
	s.service.hub.Stop()

	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	if err := s.service.store.Close(); err != nil {
		slog.ErrorContext(ctx, "server: close storage failed", "error", err)
	}
	if s.infra.postgres != nil {
		s.infra.postgres.Close()
	}
	for _, r := range []redis.UniversalClient{
		s.infra.redis.leaderboard,
		s.infra.redis.pubsub,
		s.infra.redis.questions,
	} {
		if r != nil {
			_ = r.Close()
		}
	}

	if err := s.stopTracing(ctx); err != nil {
		slog.ErrorContext(ctx, "server: stop tracing failed", "error", err)
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
