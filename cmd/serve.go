package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudquill/azure-agent/internal/server"
	"github.com/cloudquill/azure-agent/internal/session"
	"github.com/cloudquill/azure-agent/internal/signal"
	"github.com/spf13/cobra"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	Long: `Start an HTTP server exposing the agent.

Endpoints:
  POST /api/query          synchronous question/answer
  POST /api/query/stream   streamed plain-text answer
  POST /api/session        create a persistent conversation
  GET  /healthz            health check`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind to (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext()
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	ag, client := buildAgent(cfg)
	defer client.Close()

	store, err := session.NewStore(cfg.Sessions)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	srv := server.New(server.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		CORSOrigins: cfg.Server.CORSOrigins,
		Token:       cfg.Server.Token,
	}, ag, store)

	if err := srv.Start(); err != nil {
		return err
	}
	fmt.Printf("Listening on http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)

	// Connect eagerly so tool discovery failures surface at startup rather
	// than on the first query. A failure here is not fatal: the subprocess
	// may become available later and Connect retries lazily per turn.
	if err := client.Connect(ctx); err != nil {
		warnf("tool provider unavailable: %v", err)
	} else {
		fmt.Printf("Discovered %d tools\n", len(client.Tools()))
	}

	<-ctx.Done()
	fmt.Println("\nShutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}
