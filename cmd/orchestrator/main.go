package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"agentloom/internal/agent"
	"agentloom/internal/config"
	"agentloom/internal/orchestrator"
	"agentloom/internal/policy"
	"agentloom/internal/route"
	sqlitestore "agentloom/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.agentloom/config.toml)")
	envFile := flag.String("env", ".env", "dotenv file loaded before reading config")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	workspaceFlag := flag.String("workspace", "", "workspace root override")
	workerFlag := flag.String("worker", "", "worker kind override (echo|command|http)")
	policyFlag := flag.String("policy", "", "graph error policy override")
	noWatch := flag.Bool("no-watch", false, "disable the workspace file watcher")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("load env file %s: %v", *envFile, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	addr := firstNonEmpty(*addrFlag, cfg.Engine.Addr, "127.0.0.1:8787")
	dbPath := filepath.Clean(firstNonEmpty(*dbPathFlag, cfg.Engine.DBPath, "agentloom.db"))
	workspaceRoot := filepath.Clean(firstNonEmpty(*workspaceFlag, cfg.Engine.WorkspaceRoot, "."))
	workerKind := firstNonEmpty(*workerFlag, cfg.Worker.Kind, agent.KindEcho)

	errorPolicy, err := policy.Parse(firstNonEmpty(*policyFlag, cfg.Engine.ErrorPolicy))
	if err != nil {
		log.Fatalf("parse error policy: %v", err)
	}
	missPolicy, err := route.ParseMissPolicy(cfg.Engine.FindMissPolicy)
	if err != nil {
		log.Fatalf("parse find miss policy: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	worker, err := agent.New(agent.Config{
		Kind:            workerKind,
		Command:         cfg.Worker.Command,
		Args:            cfg.Worker.Args,
		Workdir:         workspaceRoot,
		Endpoint:        cfg.Worker.Endpoint,
		Model:           cfg.Worker.Model,
		ReasoningEffort: cfg.Worker.ReasoningEffort,
		AuthTokenEnv:    cfg.Worker.AuthTokenEnv,
		Timeout:         cfg.Worker.Timeout(),
		Logger:          log.Default(),
	})
	if err != nil {
		log.Fatalf("create worker: %v", err)
	}

	svc, err := orchestrator.New(store, worker, orchestrator.Config{
		WorkspaceRoot:    workspaceRoot,
		Ignore:           cfg.Engine.Ignore,
		WatchWorkspace:   cfg.Engine.WatchWorkspace && !*noWatch,
		Debounce:         cfg.Engine.DebounceInterval(),
		MaxConcurrency:   cfg.Engine.MaxConcurrency,
		ErrorPolicy:      errorPolicy,
		MissPolicy:       missPolicy,
		BusCapacity:      cfg.Engine.BusCapacity,
		TransientRetries: cfg.Engine.TransientRetries,
		MaxHistory:       cfg.Engine.MaxHistory,
		AskPollInterval:  cfg.Engine.AskPollInterval(),
		AskMaxInterval:   cfg.Engine.AskMaxInterval(),
		AskTimeout:       cfg.Engine.AskTimeout(),
		WatchInterval:    cfg.Engine.WatchInterval(),
		GraphManifest:    cfg.Engine.GraphManifest,
	}, log.Default())
	if err != nil {
		log.Fatalf("create orchestrator: %v", err)
	}
	if _, err := svc.Reconcile(ctx); err != nil {
		log.Printf("initial reconcile failed: %v", err)
	}
	if err := svc.Start(ctx); err != nil {
		log.Fatalf("start orchestrator: %v", err)
	}
	defer svc.Close()

	a := &app{cfg: cfg, orchestrator: svc}
	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(a.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf(
		"agentloom started addr=%s db=%s workspace=%s worker=%s policy=%s",
		addr,
		dbPath,
		workspaceRoot,
		workerKind,
		errorPolicy,
	)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
