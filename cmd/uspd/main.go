package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/iudanet/usp/internal/clock"
	"github.com/iudanet/usp/internal/document"
	"github.com/iudanet/usp/internal/peer"
	"github.com/iudanet/usp/internal/storage/sqlite"
	"github.com/iudanet/usp/internal/transport"
	"github.com/iudanet/usp/internal/validation"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	addr := flag.String("addr", ":8080", "Listen address")
	dbPath := flag.String("db", "uspd.db", "Path to the sqlite database")
	nodeID := flag.String("node-id", "uspd", "Node identifier of this replica")
	collections := flag.String("collections", "", "Comma-separated collections to serve (empty = all)")
	jwtSecret := flag.String("jwt-secret", os.Getenv("USPD_JWT_SECRET"), "JWT secret for peer authentication (empty = no auth)")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "Lifetime of issued peer tokens")
	rate := flag.Int("rate", 0, "Per-node requests per window (0 = unlimited)")
	rateWindow := flag.Duration("rate-window", time.Minute, "Rate limit window")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	issueToken := flag.String("issue-token", "", "Issue a peer token for the given node id and exit")
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))
	slog.SetDefault(logger)

	if err := validation.ValidateNodeID(*nodeID); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid -node-id: %v\n", err)
		os.Exit(1)
	}

	cfg := peer.Config{Collections: splitList(*collections)}
	if *jwtSecret != "" {
		cfg.Auth = peer.NewTokenAuth(*jwtSecret, *tokenTTL)
	}

	if *issueToken != "" {
		if cfg.Auth == nil {
			fmt.Fprintln(os.Stderr, "Error: -issue-token requires -jwt-secret")
			os.Exit(1)
		}
		token, err := cfg.Auth.IssueToken(*issueToken)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	if *rate > 0 {
		cfg.RateLimit = peer.NewRateLimiter(*rate, *rateWindow)
	}

	if err := run(*addr, *dbPath, *nodeID, cfg, logger); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run(addr, dbPath, nodeID string, cfg peer.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.New(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage", "error", err)
		}
	}()

	docs, err := restoreReplica(ctx, store, nodeID, logger)
	if err != nil {
		return err
	}
	responder := peer.NewResponder(docs, store, cfg, logger)
	defer responder.Close()

	mux := http.NewServeMux()
	mux.Handle(transport.SyncPath, transport.NewHTTPHandler(responder))
	mux.Handle("/api/v1/ws", transport.NewWSHandler(responder))
	mux.HandleFunc("/api/v1/health", handleHealth)

	handler := transport.RecoveryMiddleware(logger)(
		transport.LoggingWithSkip(logger, []string{"/api/v1/health"})(mux))

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errC := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "addr", addr, "node_id", nodeID, "version", Version)
		errC <- srv.ListenAndServe()
	}()

	select {
	case err := <-errC:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	if err := persistReplica(shutdownCtx, store, docs); err != nil {
		return fmt.Errorf("failed to persist replica state: %w", err)
	}
	if err := <-errC; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// restoreReplica восстанавливает реплику из хранилища: снимки
// документов и seed часов. Без seed первый tick после рестарта мог бы
// не превзойти уже опубликованные метки.
func restoreReplica(ctx context.Context, store *sqlite.Storage, nodeID string, logger *slog.Logger) (*document.Store, error) {
	stamp, err := store.LoadClock(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load clock state: %w", err)
	}

	var clk *clock.Clock
	if stamp.NodeID == nodeID {
		clk = clock.NewSeeded(nodeID, stamp.Time, stamp.Vector)
	} else {
		// Пустое или чужое состояние (сменился -node-id): часы с нуля
		clk = clock.NewWithNodeID(nodeID)
	}

	docs := document.NewStore(clk)
	snaps, err := store.LoadDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load document snapshots: %w", err)
	}
	for _, snap := range snaps {
		docs.Restore(snap)
	}

	logger.Info("Replica state restored",
		"documents", len(snaps),
		"clock_seeded", stamp.NodeID == nodeID,
	)
	return docs, nil
}

// persistReplica сохраняет снимки документов и часы перед остановкой
func persistReplica(ctx context.Context, store *sqlite.Storage, docs *document.Store) error {
	for _, snap := range docs.Export() {
		if err := store.SaveDocument(ctx, snap); err != nil {
			return fmt.Errorf("failed to save document snapshot: %w", err)
		}
	}
	if err := store.SaveClock(ctx, docs.Clock().Current()); err != nil {
		return fmt.Errorf("failed to save clock state: %w", err)
	}
	return nil
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"version": Version,
	})
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printVersion() {
	fmt.Printf("usp sync daemon\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
