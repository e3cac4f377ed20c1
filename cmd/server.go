// Server = two ledgers (etherman) + store + relay + http reporter.
// All components are configured via RelayServerConfig (config file and
// RELAY_* environment variables).

package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/bridge-relay/agreement"
	"github.com/TEENet-io/bridge-relay/chainsync"
	"github.com/TEENet-io/bridge-relay/chaintxmgr"
	"github.com/TEENet-io/bridge-relay/chaintxmgrdb"
	"github.com/TEENet-io/bridge-relay/etherman"
	"github.com/TEENet-io/bridge-relay/logconfig"
	"github.com/TEENet-io/bridge-relay/relay"
	"github.com/TEENet-io/bridge-relay/reporter"
	"github.com/TEENet-io/bridge-relay/state"
	"github.com/TEENet-io/bridge-relay/state/redisstate"
	"github.com/TEENet-io/bridge-relay/supervisor"
	ethcommon "github.com/ethereum/go-ethereum/common"
)

// How long shutdown waits for in-flight completions. Whatever is still
// pending afterwards is resumed on the next start.
const shutdownGracePeriod = 30 * time.Second

// RelayServer holds the objects that consists of the relay server.
type RelayServer struct {
	Config *RelayServerConfig

	Store     agreement.Store
	TxHistory *chaintxmgrdb.SQLiteChainTxMgrDB // nil without a sqlite file
	historyDB *sql.DB                          // only when separate from the store

	Ethermen [2]*etherman.Etherman
	Relay    *relay.Relay
	Reporter *reporter.HttpReporter
}

// OpenStore opens the configured backend. The returned *sql.DB is the
// sqlite database when one is in use, nil otherwise.
func OpenStore(ctx context.Context, cfg *RelayServerConfig) (agreement.Store, *sql.DB, error) {
	switch cfg.DbDriver {
	case DB_DRIVER_REDIS:
		store, err := redisstate.New(ctx, &redisstate.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	default:
		db, err := state.OpenDB(cfg.DbFilePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open db file: %w", err)
		}
		store, err := state.NewStateDB(db)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to create state db: %w", err)
		}
		return store, db, nil
	}
}

// NewRelayServer connects to both ledgers and builds the relay. Nothing
// runs until Start.
func NewRelayServer(ctx context.Context, cfg *RelayServerConfig) (*RelayServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := logconfig.Configure(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("%w: %w", agreement.ErrFatalConfiguration, err)
	}

	key, err := etherman.LoadPrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", agreement.ErrFatalConfiguration, err)
	}

	var ethermen [2]*etherman.Etherman
	for i := range cfg.Ledgers {
		lc := &cfg.Ledgers[i]
		e, err := etherman.NewEtherman(ctx, ethermanConfig(cfg, lc), key)
		if err != nil {
			if ethermen[0] != nil {
				ethermen[0].Close()
			}
			return nil, err
		}
		ethermen[i] = e
		logger.WithFields(logger.Fields{
			"chain":  lc.Name,
			"bridge": e.BridgeAddress().Hex(),
			"sender": e.Sender().Hex(),
		}).Info("ledger connected")
	}

	return NewRelayServerWithEthermen(ctx, cfg, ethermen)
}

// NewRelayServerWithEthermen builds the server over already connected
// ledgers, in the order of cfg.Ledgers.
func NewRelayServerWithEthermen(ctx context.Context, cfg *RelayServerConfig, ethermen [2]*etherman.Etherman) (*RelayServer, error) {
	srv := &RelayServer{Config: cfg, Ethermen: ethermen}
	if err := srv.openStore(ctx); err != nil {
		srv.Close()
		return nil, err
	}

	if err := srv.buildRelay(); err != nil {
		srv.Close()
		return nil, err
	}
	return srv, nil
}

func (s *RelayServer) openStore(ctx context.Context) error {
	store, db, err := OpenStore(ctx, s.Config)
	if err != nil {
		return err
	}
	s.Store = store

	// tx history lives in sqlite, next to the store or in its own file
	if db == nil && s.Config.DbFilePath != "" {
		db, err = state.OpenDB(s.Config.DbFilePath)
		if err != nil {
			return fmt.Errorf("failed to open tx history db: %w", err)
		}
		s.historyDB = db
	}
	if db != nil {
		history, err := chaintxmgrdb.NewSQLiteChainTxMgrDB(db)
		if err != nil {
			return fmt.Errorf("failed to create tx history: %w", err)
		}
		s.TxHistory = history
	}
	return nil
}

// buildRelay wires the connected ledgers and the store into a relay and
// its reporter.
func (s *RelayServer) buildRelay() error {
	cfg := s.Config

	relayCfg := &relay.Config{
		Supervisor: supervisor.Config{
			TransientBudget:             cfg.TransientBudget,
			ReconnectBackoff:            cfg.ReconnectBackoff,
			MaxReconnectAttempts:        cfg.MaxReconnectAttempts,
			PreventiveReconnectInterval: cfg.PreventiveReconnectInterval,
		},
		StatsInterval: cfg.StatsInterval,
	}
	if s.TxHistory != nil {
		relayCfg.TxHistory = s.TxHistory
	}

	var ledgers [2]*relay.LedgerConfig
	for i := range cfg.Ledgers {
		lc := &cfg.Ledgers[i]
		e := s.Ethermen[i]
		ledgers[i] = &relay.LedgerConfig{
			Name:        lc.Name,
			Aliases:     lc.Aliases,
			SyncWorker:  etherman.NewEthSyncWorker(e),
			MgrWorker:   etherman.NewEthMgrWorker(e),
			Reconnector: e,
			Sync: chainsync.ChainSyncConfig{
				IntervalCheckBlockchain: cfg.PollInterval,
				BlockBatch:              cfg.BlockBatch,
				StartBlock:              lc.startBlock(),
				ForceScanBlkNum:         lc.forceScanBlock(),
			},
			Tx: chaintxmgr.ChainTxMgrConfig{
				ConfirmationDelay:   cfg.ConfirmationDelay,
				MaxAttempts:         cfg.MaxRetryAttempts,
				RetryBackoff:        cfg.RetryBackoff,
				MaxRetryBackoff:     cfg.MaxRetryBackoff,
				ReceiptTimeout:      cfg.ReceiptTimeout,
				ReceiptPollInterval: cfg.ReceiptPollInterval,
			},
		}
	}

	r, err := relay.New(relayCfg, ledgers, s.Store)
	if err != nil {
		return err
	}
	s.Relay = r
	s.Reporter = reporter.NewHttpReporter(cfg.HttpIp, cfg.HttpPort, r)
	return nil
}

func ethermanConfig(cfg *RelayServerConfig, lc *LedgerFileConfig) *etherman.Config {
	ec := &etherman.Config{
		ChainName:     lc.Name,
		Aliases:       lc.Aliases,
		URL:           lc.RpcUrl,
		ChainID:       lc.ChainID,
		BridgeAddress: ethcommon.HexToAddress(lc.BridgeAddress),
		GasLimit:      lc.GasLimit,
		FinalityDepth: cfg.FinalityDepth,
	}
	if lc.TokenAddress != "" {
		ec.TokenAddress = ethcommon.HexToAddress(lc.TokenAddress)
	}
	return ec
}

// Close releases the store and both ledger connections.
func (s *RelayServer) Close() {
	for _, e := range s.Ethermen {
		if e != nil {
			e.Close()
		}
	}
	if s.TxHistory != nil {
		s.TxHistory.Close()
	}
	if s.historyDB != nil {
		s.historyDB.Close()
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			logger.Errorf("failed to close store: %v", err)
		}
	}
}

// Run starts the relay and the reporter and blocks until ctx is done,
// then shuts down gracefully.
func (s *RelayServer) Run(ctx context.Context) error {
	if err := s.Relay.Start(ctx); err != nil {
		return err
	}

	reporterErr := make(chan error, 1)
	go func() {
		reporterErr <- s.Reporter.Run(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-reporterErr:
		if err != nil {
			runErr = fmt.Errorf("http reporter stopped: %w", err)
		}
	}

	s.Relay.Stop()
	done := make(chan struct{})
	go func() {
		s.Relay.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGracePeriod):
		logger.Warn("in-flight completions still running, they resume on next start")
	}
	return runErr
}

// Create, then start the relay server and wait.
// Press Ctrl-C to kill the server.
func StartRelayServerAndWait(cfg *RelayServerConfig) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up a signal channel to listen for Ctrl-C (SIGINT) or SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// Launch a new goroutine to handle the signal
	go func() {
		select {
		case sig := <-sigCh:
			logger.Infof("received signal: %v, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	srv, err := NewRelayServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer srv.Close()

	err = srv.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
