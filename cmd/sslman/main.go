// Package main is the entry point for the sslman binary.
// It loads a profile configuration, starts every server and client profile,
// and supervises the resulting sessions until shutdown.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/cobra"

	"github.com/polisai/sslman/internal/certstore"
	"github.com/polisai/sslman/internal/mtls"
	"github.com/polisai/sslman/pkg/config"
	"github.com/polisai/sslman/pkg/logging"
)

const (
	defaultConfigPath = "sslman.yaml"
	defaultLogLevel   = "info"

	envConfigPath = "SSLMAN_CONFIG"
	envLogLevel   = "SSLMAN_LOG_LEVEL"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for sslman
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sslman",
		Short: "Profile-driven mutual-TLS session manager",
		Long: `sslman reads a YAML configuration of named server and client profiles,
listens for mutually authenticated TLS connections on every server profile,
and maintains pinned outbound connections for every client profile.

Example:
  sslman --config /etc/sslman/sslman.yaml --log-level debug --watch`,
		SilenceUsage: true,
		RunE:         run,
	}

	rootCmd.Flags().StringP("config", "c", envOr(envConfigPath, defaultConfigPath), "Path to configuration file (YAML)")
	rootCmd.Flags().StringP("log-level", "l", envOr(envLogLevel, defaultLogLevel), "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("watch", false, "Reload certificates when their files change")
	rootCmd.Flags().Bool("log-text", false, "Log in human-readable text instead of JSON")
	rootCmd.Flags().Bool("check", false, "Validate the configuration and exit")

	return rootCmd
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func run(cmd *cobra.Command, args []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return fmt.Errorf("failed to get log-level flag: %w", err)
	}
	watch, err := cmd.Flags().GetBool("watch")
	if err != nil {
		return fmt.Errorf("failed to get watch flag: %w", err)
	}
	checkOnly, err := cmd.Flags().GetBool("check")
	if err != nil {
		return fmt.Errorf("failed to get check flag: %w", err)
	}
	logText, err := cmd.Flags().GetBool("log-text")
	if err != nil {
		return fmt.Errorf("failed to get log-text flag: %w", err)
	}

	logger := logging.SetupLogger(logging.Config{Level: logLevel, Text: logText})

	doc, err := config.Load(configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "path", configPath, "error", err)
		return err
	}

	if checkOnly {
		logger.Info("Configuration is valid",
			"path", configPath,
			"format", doc.Format,
			"server_profiles", len(doc.Servers),
			"client_profiles", len(doc.Clients))
		return nil
	}

	logger.Info("Starting sslman",
		"config", configPath,
		"server_profiles", len(doc.Servers),
		"client_profiles", len(doc.Clients),
		"watch", watch)

	store := certstore.NewStore(logger)
	defer store.Close()

	registry, err := mtls.FromDocument(doc, store, logger)
	if err != nil {
		logger.Error("Failed to build profile registry", "error", err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results := registry.StartAll(ctx)
	running := 0
	for _, result := range results {
		if result.Err != nil {
			logger.Error("Profile failed to start",
				"profile", result.Name, "role", string(result.Role), "error", result.Err)
			continue
		}
		running++
		logger.Info("Profile started", "profile", result.Name, "role", string(result.Role))
	}
	if running == 0 {
		registry.StopAll()
		return fmt.Errorf("no profile started successfully")
	}

	if watch {
		metrics, err := mtls.GetMetricsCollector(logger)
		if err != nil {
			registry.StopAll()
			return err
		}
		if err := store.Watch(func(path string) {
			metrics.RecordCertificateReload(ctx, path)
		}); err != nil {
			logger.Warn("Certificate watching unavailable", "error", err)
		}
	}

	var wg sync.WaitGroup
	for _, name := range registry.ServerNames() {
		manager, err := registry.LookupServer(name)
		if err != nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			superviseServerSessions(ctx, manager, logger)
		}()
	}
	for _, name := range registry.ClientNames() {
		manager, err := registry.LookupClient(name)
		if err != nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			superviseClient(ctx, name, manager, logger)
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig.String())

	cancel()
	registry.StopAll()
	wg.Wait()

	logger.Info("sslman stopped")
	return nil
}

// superviseServerSessions drains one server profile's sessions and holds each
// open until the peer hangs up. Inbound bytes are discarded; the daemon has
// no application protocol of its own.
func superviseServerSessions(ctx context.Context, manager *mtls.ServerManager, logger *slog.Logger) {
	var sessionWG sync.WaitGroup
	for session := range manager.Sessions() {
		sessionWG.Add(1)
		go func(session *mtls.Session) {
			defer sessionWG.Done()
			defer session.Close()

			n, _ := io.Copy(io.Discard, session)
			logger.Info("Session closed",
				"profile", session.Profile,
				"role", string(session.Role),
				"session_id", session.ID,
				"bytes_read", n)
		}(session)
	}
	sessionWG.Wait()
}

// superviseClient keeps one client profile connected. Each attempt backs off
// exponentially; a session that drops starts a fresh backoff cycle.
// Authorization failures stop the supervisor: a wrong pin or hostname will
// not fix itself by retrying.
func superviseClient(ctx context.Context, name string, manager *mtls.ClientManager, logger *slog.Logger) {
	for {
		session, err := backoff.Retry(ctx, func() (*mtls.Session, error) {
			session, err := manager.Connect(ctx)
			if err != nil && mtls.IsAuthorizationError(err) {
				return nil, backoff.Permanent(err)
			}
			return session, err
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()))
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("Client profile gave up", "profile", name, "error", err)
			}
			return
		}

		done := make(chan struct{})
		go func() {
			io.Copy(io.Discard, session)
			close(done)
		}()

		select {
		case <-done:
			session.Close()
			logger.Warn("Session dropped, reconnecting", "profile", name, "session_id", session.ID)
		case <-ctx.Done():
			session.Close()
			<-done
			return
		}
	}
}
