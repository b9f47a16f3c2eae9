// Command staterund runs one node of the state runtime: it watches the
// ledger for TreeKEM handshakes and command ciphertexts, keeps this node's
// group state and application keychain in sync, and exposes the node's
// external HTTP surface.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stateruntime/staterund/internal/config"
	"github.com/stateruntime/staterund/internal/dispatcher"
	"github.com/stateruntime/staterund/internal/errs"
	"github.com/stateruntime/staterund/internal/httpapi"
	"github.com/stateruntime/staterund/internal/keyvault"
	"github.com/stateruntime/staterund/internal/ledger"
	"github.com/stateruntime/staterund/internal/logging"
	"github.com/stateruntime/staterund/internal/metrics"
	"github.com/stateruntime/staterund/internal/pathsecret"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "staterund",
		Short: "State runtime daemon: TreeKEM group sync, command dispatch, and the node's HTTP surface",
		RunE:  run,
	}
	root.Flags().StringVar(&configPath, "config", "", "path to an optional YAML config override file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o700); err != nil {
		return fmt.Errorf("staterund: create data dir: %w", err)
	}

	identitySK, err := loadOrCreateIdentity(cfg.Storage)
	if err != nil {
		return err
	}

	store, err := pathsecret.NewStore(filepath.Join(cfg.Storage.DataDir, "path_secrets"), nil)
	if err != nil {
		return fmt.Errorf("staterund: open path secret store: %w", err)
	}

	var kv keyvault.Client = keyvault.Disabled{}
	if cfg.KeyVault.Enabled() {
		kv = keyvault.NewHTTPClient(cfg.KeyVault.Endpoint, cfg.KeyVault.SubKey, cfg.KeyVault.SPID)
	}

	m := metrics.NewMetricsWithRegistry(prometheus.DefaultRegisterer)
	m.SetRosterSize(cfg.Roster.MaxRosterIdx)

	// Production ledger wiring (ABI encoding, gas, confirmations) is out of
	// scope; the simulator is the only driver this binary ships and is
	// meant for local development against a hand-rolled event feed.
	ledgerClient := ledger.WithRetry(ledger.NewSimulator(), ledger.RetryConfig{
		MaxAttempts: cfg.Ledger.RequestRetries,
		Delay:       cfg.Ledger.RetryDelay,
	})

	d, err := dispatcher.New(dispatcher.Config{
		MyRosterIdx:  cfg.Roster.MyRosterIdx,
		MaxRosterIdx: cfg.Roster.MaxRosterIdx,
	}, ledgerClient, identitySK, store, kv, nil, m, logger)
	if err != nil {
		return fmt.Errorf("staterund: build dispatcher: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := httpapi.New(d, logger)
	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	// The ledger poll loop and the HTTP server are two independent
	// goroutines under one cancellation: a canceled context stops both, and
	// an HTTP server error (such as failing to bind) cancels gctx, which
	// stops the poll loop. The poll loop halting on a state_counter gap
	// returns nil, so it does not stop the HTTP server.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		pollLedger(gctx, d, m, cfg.Ledger.SyncInterval, logger)
		return nil
	})

	if cfg.HTTP.Enabled {
		g.Go(func() error {
			logger.Info("http server listening", logging.KeyAddress, cfg.HTTP.Address)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("staterund: http server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// pollLedger drives FetchEvents on a fixed interval until ctx is canceled or
// a fatal *errs.OrderError is returned, per spec.md §4.G/§7: a state_counter
// gap means this node missed an event and cannot safely keep consuming.
func pollLedger(ctx context.Context, d *dispatcher.Dispatcher, m *metrics.Metrics, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			outcomes, err := d.FetchEvents(ctx)
			m.ObserveLedgerFetch(time.Since(start))

			for _, o := range outcomes {
				if o.Err != nil {
					logger.Warn("event applied with error",
						logging.KeyError, o.Err,
						logging.KeyStateCounter, o.Event.StateCounter)
				}
			}

			if err != nil {
				var orderErr *errs.OrderError
				if errors.As(err, &orderErr) {
					logger.Error("state_counter gap detected, halting ledger poll",
						logging.KeyError, err)
					return
				}
				logger.Error("fetch events failed", logging.KeyError, err)
			}
		}
	}
}

// loadOrCreateIdentity reads the node's secp256k1 signing key from
// storage.identity_key_hex if set, otherwise loads it from a file under the
// data dir, generating and persisting a fresh one on first run.
func loadOrCreateIdentity(cfg config.StorageConfig) (*btcec.PrivateKey, error) {
	if cfg.IdentityKeyHex != "" {
		return parseIdentityHex(cfg.IdentityKeyHex)
	}

	path := filepath.Join(cfg.DataDir, "identity.key")
	data, err := os.ReadFile(path)
	if err == nil {
		return parseIdentityHex(string(data))
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("staterund: read identity key: %w", err)
	}

	sk, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("staterund: generate identity key: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(sk.Serialize())), 0o600); err != nil {
		return nil, fmt.Errorf("staterund: persist identity key: %w", err)
	}
	return sk, nil
}

func parseIdentityHex(s string) (*btcec.PrivateKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("staterund: decode identity key: %w", err)
	}
	sk, _ := btcec.PrivKeyFromBytes(b)
	return sk, nil
}
