package etherman

import (
	"context"
	"crypto/ecdsa"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	logger "github.com/sirupsen/logrus"
)

const dialTimeout = 15 * time.Second

// NewEtherman connects to a real JSON-RPC endpoint and runs the startup
// checks. Any check failure is returned as a fatal configuration error.
func NewEtherman(ctx context.Context, cfg *Config, key *ecdsa.PrivateKey) (*Etherman, error) {
	dial := func(ctx context.Context) (ethereumClient, error) {
		dctx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		client, err := ethclient.DialContext(dctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	client, err := dial(ctx)
	if err != nil {
		logger.WithField("chain", cfg.ChainName).Errorf("failed to connect to rpc %s: %v", cfg.URL, err)
		return nil, wrapRPCError(err)
	}

	e, err := NewEthermanWithClient(cfg, client, key, dial)
	if err != nil {
		closeClient(client)
		return nil, err
	}

	if err := e.CheckChain(ctx); err != nil {
		logger.WithField("chain", cfg.ChainName).Errorf("startup check failed: %v", err)
		e.Close()
		return nil, err
	}

	logger.WithFields(logger.Fields{
		"chain":  cfg.ChainName,
		"bridge": cfg.BridgeAddress.Hex(),
		"sender": e.Sender().Hex(),
	}).Info("connected")

	return e, nil
}
