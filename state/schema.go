package state

import "strings"

var (
	strZeroBytes32 = strings.Repeat("0", 64)

	// one row per correlationId, the durable trace of a transfer
	transferTable = `CREATE TABLE IF NOT EXISTS transfer (
		correlationId CHAR(64) PRIMARY KEY NOT NULL,
		kind VARCHAR(8) NOT NULL,
		sourceChain VARCHAR(64) NOT NULL,
		destinationChain VARCHAR(64) NOT NULL,
		user CHAR(40) NOT NULL,
		destinationAddress CHAR(40) NOT NULL,
		amount TEXT NOT NULL,
		sourceTxHash CHAR(64) NOT NULL,
		sourceBlock BIGINT UNSIGNED NOT NULL,
		logIndex INTEGER NOT NULL,
		outcome VARCHAR(10) NOT NULL,
		destinationTxHash CHAR(64),
		attempts INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		updatedAt BIGINT NOT NULL,
		CONSTRAINT chk_kind CHECK (kind IN ('lock', 'burn')),
		CONSTRAINT chk_outcome CHECK (outcome IN ('pending', 'completed', 'failed')),
		CONSTRAINT chk_correlationId CHECK (correlationId != '` + strZeroBytes32 + `')
	);
	CREATE INDEX IF NOT EXISTS idx_transfer_outcome ON transfer (outcome);`

	// last fully scanned block per chain
	cursorTable = `CREATE TABLE IF NOT EXISTS cursor (
		chain VARCHAR(64) PRIMARY KEY NOT NULL,
		block BIGINT UNSIGNED NOT NULL
	);`

	transferColumns = ` correlationId, kind, sourceChain, destinationChain, user, destinationAddress,
		amount, sourceTxHash, sourceBlock, logIndex, outcome, destinationTxHash, attempts, reason, updatedAt `
)
