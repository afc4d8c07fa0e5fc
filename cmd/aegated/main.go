// Command aegated runs the Admission, Authorization, and Verified-Emission
// Gateway for a mesh of Atomic Expert agents. It wires every internal
// package into the HTTP surface spec §6 defines and serves it until an
// interrupt, draining outstanding requests before exit.
package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/aegate/internal/auditlog"
	"github.com/Mindburn-Labs/aegate/internal/bus"
	"github.com/Mindburn-Labs/aegate/internal/config"
	"github.com/Mindburn-Labs/aegate/internal/emit"
	"github.com/Mindburn-Labs/aegate/internal/httpapi"
	"github.com/Mindburn-Labs/aegate/internal/keyring"
	"github.com/Mindburn-Labs/aegate/internal/nonce"
	"github.com/Mindburn-Labs/aegate/internal/policy"
	"github.com/Mindburn-Labs/aegate/internal/session"
	"github.com/Mindburn-Labs/aegate/internal/sse"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable so tests can mock it out.
var startServer = runServer

// Run is the CLI entrypoint, kept separate from main for testability.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		startServer(stdout, stderr)
		return 0
	}

	switch args[1] {
	case "serve", "server":
		startServer(stdout, stderr)
		return 0
	case "trust":
		if len(args) < 3 {
			fmt.Fprintln(stderr, "usage: aegated trust <add-key|revoke-key|list-keys> [args...]")
			return 2
		}
		return runTrustCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "-h", "--help", "help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: aegated [serve|trust|health]")
	fmt.Fprintln(w, "  serve                        run the gateway (default)")
	fmt.Fprintln(w, "  trust add-key <ae_id> <hex_pubkey> [roles...]")
	fmt.Fprintln(w, "  trust revoke-key <ae_id>")
	fmt.Fprintln(w, "  trust list-keys")
	fmt.Fprintln(w, "  health                       probe a running gateway's /healthz")
}

func runHealthCmd(stdout, stderr io.Writer) int {
	resp, err := http.Get("http://localhost:8081/healthz")
	if err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}

// runServer loads configuration, wires every component, and serves the
// HTTP API until SIGINT/SIGTERM, draining in-flight requests on shutdown.
func runServer(stdout, stderr io.Writer) {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("aegated: %v", err)
	}

	var level slog.Level
	_ = level.UnmarshalText([]byte(cfg.LogLevel))
	logger := slog.New(slog.NewTextHandler(stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("aegated: data dir: %v", err)
	}
	dbPath := filepath.Join(cfg.DataDir, "aegate.db")
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		log.Fatalf("aegated: open db: %v", err)
	}
	defer db.Close()

	audit, err := auditlog.New(ctx, db)
	if err != nil {
		log.Fatalf("aegated: auditlog: %v", err)
	}
	ks, err := keyring.New(ctx, db, audit)
	if err != nil {
		log.Fatalf("aegated: keyring: %v", err)
	}

	var nonces nonce.Cache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		logger.Info("nonce cache backend", "backend", "redis", "addr", cfg.RedisAddr)
		nonces = nonce.NewRedisCache(rdb, cfg.NonceTTL)
	} else {
		logger.Info("nonce cache backend", "backend", "memory")
		nonces = nonce.NewMemCache(cfg.NonceTTL)
	}

	staticLoader := policy.NewLoader(cfg.PolicyFile, cfg.PolicyPollInterval, audit, nil)
	if err := staticLoader.Load(ctx); err != nil {
		log.Fatalf("aegated: policy file: %v", err)
	}
	caps, err := policy.NewCapabilityStore(ctx, db, audit, nil)
	if err != nil {
		log.Fatalf("aegated: capability store: %v", err)
	}
	engine, err := policy.Wire(ctx, staticLoader, caps)
	if err != nil {
		log.Fatalf("aegated: policy engine: %v", err)
	}
	if annotator, err := policy.NewRoleAnnotator(); err != nil {
		logger.Warn("cel role annotator disabled", "error", err)
	} else {
		engine.WithAnnotator(annotator)
	}

	sessions := session.New(cfg)
	eventBus := bus.New()

	srv := &httpapi.Server{
		Config:   cfg,
		Sessions: sessions,
		Keyring:  ks,
		Nonces:   nonces,
		Caps:     caps,
		Policy:   engine,
		Bus:      eventBus,
		Audit:    audit,
		Emit:     &emit.Pipeline{Sessions: sessions, Keyring: ks, Policy: engine, Bus: eventBus, Audit: audit},
		SSE:      &sse.Bridge{Sessions: sessions, Keyring: ks, Policy: engine, Bus: eventBus, Audit: audit},
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	healthSrv := &http.Server{Addr: ":8081", Handler: healthMux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		staticLoader.Watch(gctx)
		return nil
	})

	g.Go(func() error {
		logger.Info("gateway listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down")
		_ = httpSrv.Shutdown(shutdownCtx)
		_ = healthSrv.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		fmt.Fprintf(stderr, "aegated: %v\n", err)
	}
}

// runTrustCmd is the offline key-management CLI: enroll, revoke, or list
// keyring entries without going through the /register and /verify
// admission flow (for operator-driven onboarding of a new AE).
func runTrustCmd(args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "aegated trust: %v\n", err)
		return 1
	}

	ctx := context.Background()
	dbPath := filepath.Join(cfg.DataDir, "aegate.db")
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		fmt.Fprintf(stderr, "aegated trust: open db: %v\n", err)
		return 1
	}
	defer db.Close()

	audit, err := auditlog.New(ctx, db)
	if err != nil {
		fmt.Fprintf(stderr, "aegated trust: %v\n", err)
		return 1
	}
	ks, err := keyring.New(ctx, db, audit)
	if err != nil {
		fmt.Fprintf(stderr, "aegated trust: %v\n", err)
		return 1
	}

	switch args[0] {
	case "add-key":
		if len(args) < 3 {
			fmt.Fprintln(stderr, "usage: aegated trust add-key <ae_id> <hex_pubkey> [roles...]")
			return 2
		}
		aeID := args[1]
		pub, err := hex.DecodeString(args[2])
		if err != nil || len(pub) != ed25519.PublicKeySize {
			fmt.Fprintf(stderr, "aegated trust: invalid pubkey: %v\n", err)
			return 1
		}
		roles := args[3:]
		if err := ks.Upsert(ctx, "cli:trust", aeID, ed25519.PublicKey(pub), roles, nil, true); err != nil {
			fmt.Fprintf(stderr, "aegated trust: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "enrolled %s with roles %v\n", aeID, roles)
		return 0

	case "revoke-key":
		if len(args) < 2 {
			fmt.Fprintln(stderr, "usage: aegated trust revoke-key <ae_id>")
			return 2
		}
		if err := ks.SetState(ctx, "cli:trust", args[1], keyring.Revoked); err != nil {
			fmt.Fprintf(stderr, "aegated trust: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "revoked %s\n", args[1])
		return 0

	case "list-keys":
		recs, err := ks.List(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "aegated trust: %v\n", err)
			return 1
		}
		for _, r := range recs {
			fmt.Fprintf(stdout, "%s\tstate=%s\troles=%v\n", r.AEID, r.State, r.Roles)
		}
		return 0

	default:
		fmt.Fprintf(stderr, "unknown trust subcommand %q\n", args[0])
		return 2
	}
}
