package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alexjbarnes/htsp-sync/internal/config"
	apperrors "github.com/alexjbarnes/htsp-sync/internal/errors"
	"github.com/alexjbarnes/htsp-sync/internal/guide"
	"github.com/alexjbarnes/htsp-sync/internal/htsp"
	"github.com/alexjbarnes/htsp-sync/internal/logging"
	"github.com/alexjbarnes/htsp-sync/internal/mcpserver"
	"github.com/alexjbarnes/htsp-sync/internal/server"
	"github.com/alexjbarnes/htsp-sync/internal/store"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

const usage = `usage: htsp-sync [command]

commands:
  (none)                    sync the guide, then repeat every SYNC_INTERVAL
  fetch <remote> <out>      download a file from the server
  dump                      print the stored guide as YAML
  hash-key                  read an API key from stdin and print its bcrypt hash
`

func main() {
	// Handle hash-key before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-key" {
		hashKey()
		return
	}

	var err error

	switch {
	case len(os.Args) == 1:
		err = run()
	case os.Args[1] == "fetch" && len(os.Args) == 4:
		err = runFetch(os.Args[2], os.Args[3])
	case os.Args[1] == "dump" && len(os.Args) == 2:
		err = runDump()
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func hashKey() {
	fmt.Fprint(os.Stderr, "Enter API key: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}
	key := scanner.Text()
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(hash))
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.IsProduction(), cfg.LogLevel)
	logger.Info("htsp-sync starting",
		slog.String("version", Version),
		slog.String("address", cfg.DialAddress()),
		slog.Duration("interval", cfg.SyncInterval),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.StatePath)
	if err != nil {
		return err
	}
	defer st.Close()

	d := &daemon{cfg: cfg, st: st, logger: logger}

	if !cfg.EnableMCP {
		return d.syncLoop(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.syncLoop(gctx)
	})

	g.Go(func() error {
		return runMCP(gctx, cfg, st, d, logger)
	})

	return g.Wait()
}

// connect dials the server and completes the hello/authenticate
// handshake.
func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*htsp.Conn, error) {
	conn, err := htsp.Dial(ctx, cfg.DialAddress(), htsp.DialOptions{
		Options: htsp.Options{
			Logger:         logger.With(slog.String("component", "htsp")),
			WriteTimeout:   cfg.ResponseTimeout,
			RequestTimeout: cfg.ResponseTimeout,
		},
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, err
	}

	hs := htsp.NewHandshake(conn,
		htsp.Credentials{Username: cfg.Username, Password: cfg.Password},
		htsp.ClientInfo{Name: cfg.ClientName, Version: Version},
		logger,
	)

	authCtx, cancel := context.WithTimeout(ctx, cfg.ResponseTimeout)
	defer cancel()

	if err := hs.Authenticate(authCtx); err != nil {
		conn.Close()
		return nil, err
	}

	info := hs.Server()
	logger.Info("authenticated",
		slog.String("server", info.Name),
		slog.String("server_version", info.Version),
		slog.Int64("protocol", info.ProtocolVersion),
	)

	return conn, nil
}

// daemon owns the sync schedule. Each pass runs on its own connection
// because the server sends the channel snapshot once per session.
type daemon struct {
	cfg    *config.Config
	st     *store.Bolt
	logger *slog.Logger

	running sync.Mutex
}

// Run performs one sync pass. It is also the MCP guide_sync entry point;
// a pass requested while another runs fails with ErrSyncInProgress.
func (d *daemon) Run(ctx context.Context) (guide.Report, error) {
	if !d.running.TryLock() {
		return guide.Report{}, apperrors.ErrSyncInProgress
	}
	defer d.running.Unlock()

	conn, err := connect(ctx, d.cfg, d.logger)
	if err != nil {
		return guide.Report{}, err
	}
	defer conn.Close()

	src := htsp.NewGuide(conn, htsp.GuideOptions{
		Logger:          d.logger,
		MaxEvents:       d.cfg.GuideMaxEvents,
		MetadataTimeout: d.cfg.ResponseTimeout,
	})

	syncer := guide.NewSyncer(src, d.st, guide.Options{
		Logger:      d.logger.With(slog.String("component", "guide")),
		Concurrency: d.cfg.GuideConcurrency,
	})

	return syncer.Run(ctx)
}

// syncLoop runs one pass, then another every SyncInterval until ctx
// ends. A failed pass is fatal only in one-shot mode.
func (d *daemon) syncLoop(ctx context.Context) error {
	once := d.cfg.SyncInterval == 0

	for {
		report, err := d.Run(ctx)

		switch {
		case err == nil:
			d.logger.Info("sync pass done",
				slog.Int("synced", report.Synced),
				slog.Int("failed", report.Failed),
				slog.Int("channel_ops", report.ChannelChanges.Ops()),
				slog.Int("program_ops", report.ProgramChanges.Ops()),
			)
		case ctx.Err() != nil:
			return nil
		case once:
			return fmt.Errorf("sync: %w", err)
		default:
			d.logger.Warn("sync pass failed", slog.String("error", err.Error()))
		}

		if once {
			// Keep serving MCP after a one-shot pass.
			if d.cfg.EnableMCP {
				<-ctx.Done()
			}

			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d.cfg.SyncInterval):
		}
	}
}

// runMCP serves the guide over MCP until ctx ends.
func runMCP(ctx context.Context, cfg *config.Config, st *store.Bolt, syncer mcpserver.Syncer, logger *slog.Logger) error {
	keys, err := cfg.ParseMCPAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing MCP API keys: %w", err)
	}

	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "htsp-sync-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, st, syncer)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		Keys:       keys,
		MCPHandler: logRequests(mcpHandler, mcpLogger),
		Logger:     mcpLogger,
		Status:     st,
		Version:    Version,
	})

	srv := &http.Server{
		Addr:         cfg.MCPListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.Int("keys", len(keys)),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}

// logRequests logs each authenticated MCP request with the API key that
// made it.
func logRequests(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("mcp request",
			slog.String("method", r.Method),
			slog.String("key", server.RequestKeyName(r.Context())),
			slog.String("ip", server.RequestRemoteIP(r.Context())),
		)
		next.ServeHTTP(w, r)
	})
}

// runFetch downloads one file through the file transfer task.
func runFetch(remotePath, outPath string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.IsProduction(), cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	fetcher := htsp.NewFileFetcher(conn, logger)
	defer fetcher.Close()

	data, err := fetcher.Fetch(ctx, remotePath)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", remotePath, err)
	}

	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", outPath, err)
	}

	logger.Info("file fetched",
		slog.String("remote", remotePath),
		slog.String("out", outPath),
		slog.Int("bytes", len(data)),
	)

	return nil
}

// runDump prints the stored guide.
func runDump() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := store.Open(cfg.StatePath)
	if err != nil {
		return err
	}
	defer st.Close()

	return writeDump(context.Background(), os.Stdout, st)
}
