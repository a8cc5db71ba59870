package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/treasury/internal/automation"
	"github.com/terminal-bench/treasury/internal/gateway"
	"github.com/terminal-bench/treasury/internal/treasury"
	"github.com/terminal-bench/treasury/internal/verify"
	"github.com/terminal-bench/treasury/pkg/messaging"
	"github.com/terminal-bench/treasury/pkg/telemetry"
)

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func main() {
	port := env("PORT", "8010")
	natsURL := env("NATS_URL", "nats://localhost:4222")
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	signers := envList("TREASURY_SIGNERS")
	if len(signers) == 0 {
		log.Fatal("TREASURY_SIGNERS is required")
	}

	natsClient, err := messaging.NewClient(natsURL, messaging.ClientOptions{
		Name:          "treasuryd",
		ReconnectWait: time.Second,
		MaxReconnects: 10,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer natsClient.Close()

	var metrics treasury.MovementRecorder
	if influxURL := os.Getenv("INFLUXDB_URL"); influxURL != "" {
		recorder := telemetry.NewRecorder(influxURL,
			os.Getenv("INFLUXDB_TOKEN"),
			env("INFLUXDB_ORG", "treasury"),
			env("INFLUXDB_BUCKET", "movements"))
		defer recorder.Close()
		metrics = recorder
	}

	core, err := treasury.New(treasury.Config{
		Authority: env("TREASURY_AUTHORITY", signers[0]),
		Signers:   signers,
		Threshold: envInt("TREASURY_THRESHOLD", (len(signers)/2)+1),
		Approvers: envList("TREASURY_APPROVERS"),
		Events:    natsClient,
		Metrics:   metrics,
	})
	if err != nil {
		log.Fatalf("Failed to initialize treasury: %v", err)
	}

	var screener automation.Screener
	if verifyURL := os.Getenv("VERIFY_URL"); verifyURL != "" {
		var cache *redis.Client
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opts, err := redis.ParseURL(redisURL)
			if err != nil {
				log.Fatalf("Invalid REDIS_URL: %v", err)
			}
			cache = redis.NewClient(opts)
			defer cache.Close()
		}
		screener = verify.NewClient(verify.Config{
			BaseURL: verifyURL,
			Cache:   cache,
		})
	}

	poller := automation.NewPoller(core, automation.Config{
		Interval: time.Duration(envInt("AUTOMATION_INTERVAL_SECONDS", 60)) * time.Second,
		Screener: screener,
		Events:   natsClient,
	})

	gw := gateway.NewGateway(core, natsClient, gateway.Config{JWTSecret: jwtSecret})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: gw.Handler(),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("treasuryd listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		poller.Start(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("treasuryd exited: %v", err)
	}
}
