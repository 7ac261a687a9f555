package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/pawchat/internal/api"
	"github.com/npezzotti/pawchat/internal/auth"
	"github.com/npezzotti/pawchat/internal/chat"
	"github.com/npezzotti/pawchat/internal/config"
	"github.com/npezzotti/pawchat/internal/database"
	"github.com/npezzotti/pawchat/internal/notify"
	"github.com/npezzotti/pawchat/internal/server"
	"github.com/npezzotti/pawchat/internal/stats"
	"github.com/npezzotti/pawchat/internal/types"
	"github.com/redis/go-redis/v9"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	dsn            string
	signingKey     string
	allowedOrigins stringSliceFlag
	redisAddr      string
	typingTimeout  time.Duration
	rateLimit      float64
)

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func main() {
	logger := log.New(os.Stderr, "[pawchat] ", log.LstdFlags)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Fatal("load .env:", err)
	}

	defaultTyping, err := time.ParseDuration(envOr("PAWCHAT_TYPING_TIMEOUT", config.DefaultTypingTimeout.String()))
	if err != nil {
		logger.Fatal("PAWCHAT_TYPING_TIMEOUT:", err)
	}
	defaultRate, err := strconv.ParseFloat(envOr("PAWCHAT_RATE_LIMIT", strconv.Itoa(config.DefaultRateLimit)), 64)
	if err != nil {
		logger.Fatal("PAWCHAT_RATE_LIMIT:", err)
	}
	if origins := os.Getenv("PAWCHAT_ALLOWED_ORIGINS"); origins != "" {
		allowedOrigins.Set(origins)
	}

	flag.StringVar(&addr, "addr", envOr("PAWCHAT_ADDR", "localhost:8000"), "server address")
	flag.StringVar(&dsn, "dsn", envOr("PAWCHAT_DSN", "host=localhost user=postgres password=postgres dbname=pawchat sslmode=disable"), `database connection string, or "memory"`)
	flag.StringVar(&signingKey, "signing-key", envOr("PAWCHAT_SIGNING_KEY", defaultSigningKey), "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.StringVar(&redisAddr, "redis-addr", os.Getenv("PAWCHAT_REDIS_ADDR"), "redis address for notifications, empty to only log them")
	flag.DurationVar(&typingTimeout, "typing-timeout", defaultTyping, "how long a typing indicator lasts without a refresh")
	flag.Float64Var(&rateLimit, "rate-limit", defaultRate, "inbound frames per second per connection, 0 to disable")
	flag.Parse()

	cfg, err := config.NewConfig(addr, dsn, signingKey, allowedOrigins, redisAddr, typingTimeout)
	if err != nil {
		logger.Fatal("config:", err)
	}
	if cfg, err = cfg.WithRateLimit(rateLimit); err != nil {
		logger.Fatal("config:", err)
	}

	repo, closeRepo := openRepository(logger, cfg)
	defer closeRepo()

	notifier, closeNotifier := openNotifier(logger, cfg)

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	svc := chat.NewService(logger, repo, chat.NewTypingTracker(cfg.TypingTimeout), notifier)
	chatServer := server.NewChatServer(logger, svc, statsUpdater, cfg.RateLimit)
	srv := api.NewPawChatApp(mux, logger, chatServer, svc, repo, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Println("chat server shutdown:", err)
	}

	if err := closeNotifier(shutDownCtx); err != nil {
		logger.Println("notifier shutdown:", err)
	}

	logger.Println("shutdown complete")
}

func openRepository(logger *log.Logger, cfg *config.Config) (database.ChatRepository, func()) {
	if cfg.InMemory() {
		logger.Println("using in-memory store, data is lost on exit")
		repo := database.NewMemoryChatRepository()
		seedDevAccounts(logger, repo, cfg.SigningKey)
		return repo, func() {}
	}

	repo, err := database.NewPgChatRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	if err := repo.Migrate(); err != nil {
		logger.Fatal("db migrate:", err)
	}

	return repo, func() {
		if err := repo.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}
}

// seedDevAccounts gives the in-memory store one owner and one shelter and
// prints tokens for them, so a local setup can be exercised right away.
func seedDevAccounts(logger *log.Logger, repo *database.MemoryChatRepository, key []byte) {
	for _, p := range []types.Participant{
		{Role: types.RoleOwner, Id: 1},
		{Role: types.RoleShelter, Id: 1},
	} {
		repo.AddAccount(database.Account{Id: p.Id, Role: p.Role, Email: string(p.Role) + "@pawchat.local", Active: true})

		token, err := auth.SignToken(key, p, 24*time.Hour)
		if err != nil {
			logger.Fatal("sign dev token:", err)
		}
		logger.Printf("dev token for %s: %s", p, token)
	}
}

func openNotifier(logger *log.Logger, cfg *config.Config) (notify.Notifier, func(context.Context) error) {
	if cfg.RedisAddr == "" {
		return notify.NewLogNotifier(logger), func(context.Context) error { return nil }
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis ping:", err)
	}

	n := notify.NewRedisNotifier(logger, client, notify.DefaultChannel)
	go n.Run()

	return n, func(ctx context.Context) error {
		return errors.Join(n.Close(ctx), client.Close())
	}
}
