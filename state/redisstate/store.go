// Package redisstate is a redis backed agreement.Store. Durability across
// a crash depends on the server's persistence settings (AOF recommended).
package redisstate

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/TEENet-io/bridge-relay/agreement"
	"github.com/TEENet-io/bridge-relay/common"
	"github.com/TEENet-io/bridge-relay/state"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "relay"

type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type Store struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

// New connects to redis and pings it.
func New(ctx context.Context, cfg *Config) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(rdb, cfg.Prefix), nil
}

func NewWithClient(rdb *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix, now: time.Now}
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// Key helpers
func (s *Store) recordKey(id ethcommon.Hash) string {
	return fmt.Sprintf("%s:transfer:%s", s.prefix, common.HashToPureHexStr(id))
}

func (s *Store) outcomeKey(o agreement.Outcome) string {
	return fmt.Sprintf("%s:outcome:%s", s.prefix, o)
}

func (s *Store) cursorKey(chain string) string {
	return fmt.Sprintf("%s:cursor:%s", s.prefix, chain)
}

// score orders index members by (block, log index).
func score(ev *agreement.TransferEvent) float64 {
	return float64(ev.SourceBlock)*1e6 + float64(ev.LogIndex)
}

func (s *Store) TryBegin(ctx context.Context, ev *agreement.TransferEvent) (agreement.Admission, error) {
	if err := state.ValidateEvent(ev); err != nil {
		return agreement.AlreadyProcessed, err
	}

	id := common.HashToPureHexStr(ev.CorrelationId)
	args := []interface{}{
		id, score(ev), s.now().UnixMilli(),
		"kind", string(ev.Kind),
		"sourceChain", ev.SourceChain,
		"destinationChain", ev.DestinationChain,
		"user", common.AddressToPureHexStr(ev.User),
		"destinationAddress", common.AddressToPureHexStr(ev.DestinationAddress),
		"amount", ev.Amount.String(),
		"sourceTxHash", common.HashToPureHexStr(ev.SourceTxHash),
		"sourceBlock", ev.SourceBlock,
		"logIndex", ev.LogIndex,
	}
	keys := []string{
		s.recordKey(ev.CorrelationId),
		s.outcomeKey(agreement.Pending),
		s.outcomeKey(agreement.Failed),
	}

	n, err := tryBeginScript.Run(ctx, s.rdb, keys, args...).Int()
	if err != nil {
		return agreement.AlreadyProcessed, fmt.Errorf("try begin: %w", err)
	}
	if n == 1 {
		return agreement.Accepted, nil
	}
	return agreement.AlreadyProcessed, nil
}

func (s *Store) MarkSubmitted(ctx context.Context, id ethcommon.Hash, txHash ethcommon.Hash) error {
	return s.transition(ctx, id, agreement.Pending, "destinationTxHash", common.HashToPureHexStr(txHash))
}

func (s *Store) Complete(ctx context.Context, id ethcommon.Hash, txHash ethcommon.Hash) error {
	return s.transition(ctx, id, agreement.Completed,
		"destinationTxHash", common.HashToPureHexStr(txHash), "reason", "")
}

func (s *Store) Fail(ctx context.Context, id ethcommon.Hash, reason string) error {
	return s.transition(ctx, id, agreement.Failed, "reason", reason)
}

func (s *Store) transition(ctx context.Context, id ethcommon.Hash, to agreement.Outcome, fields ...interface{}) error {
	keys := []string{
		s.recordKey(id),
		s.outcomeKey(agreement.Pending),
		s.outcomeKey(to),
	}
	args := append([]interface{}{common.HashToPureHexStr(id), string(to), s.now().UnixMilli()}, fields...)

	res, err := transitionScript.Run(ctx, s.rdb, keys, args...).Text()
	if err != nil {
		return fmt.Errorf("transition to %s: %w", to, err)
	}
	switch res {
	case "ok":
		return nil
	case "":
		return state.ErrRecordNotFound(id)
	default:
		return state.ErrTransition(id, agreement.Outcome(res), to)
	}
}

func (s *Store) GetRecord(ctx context.Context, id ethcommon.Hash) (*agreement.ProcessingRecord, bool, error) {
	fields, err := s.rdb.HGetAll(ctx, s.recordKey(id)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get record: %w", err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}

	rec, err := parseRecord(id, fields)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (s *Store) GetRecordsByOutcome(ctx context.Context, outcome agreement.Outcome) ([]*agreement.ProcessingRecord, error) {
	if !outcome.Valid() {
		return nil, fmt.Errorf("invalid outcome: %q", outcome)
	}

	ids, err := s.rdb.ZRange(ctx, s.outcomeKey(outcome), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	records := []*agreement.ProcessingRecord{}
	for _, idStr := range ids {
		rec, ok, err := s.GetRecord(ctx, common.HexStrToHash(idStr))
		if err != nil {
			return nil, err
		}
		if ok && rec.Outcome == outcome {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (s *Store) GetCursor(ctx context.Context, chain string) (uint64, bool, error) {
	block, err := s.rdb.Get(ctx, s.cursorKey(chain)).Uint64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get cursor: %w", err)
	}
	return block, true, nil
}

func (s *Store) SetCursor(ctx context.Context, chain string, block uint64) error {
	res, err := setCursorScript.Run(ctx, s.rdb, []string{s.cursorKey(chain)}, block).Text()
	if err != nil {
		return fmt.Errorf("failed to set cursor: %w", err)
	}
	if res == "ok" {
		return nil
	}
	stored, _ := strconv.ParseUint(res, 10, 64)
	return state.ErrCursorRewind(chain, stored, block)
}

func (s *Store) ResetCursor(ctx context.Context, chain string, block uint64) error {
	return s.rdb.Set(ctx, s.cursorKey(chain), block, 0).Err()
}

func parseRecord(id ethcommon.Hash, f map[string]string) (*agreement.ProcessingRecord, error) {
	amount, ok := new(big.Int).SetString(f["amount"], 10)
	if !ok {
		return nil, fmt.Errorf("corrupted amount %q for correlationId %s", f["amount"], id.Hex())
	}
	srcBlock, err := strconv.ParseUint(f["sourceBlock"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupted sourceBlock for correlationId %s: %w", id.Hex(), err)
	}
	logIndex, _ := strconv.ParseUint(f["logIndex"], 10, 32)
	attempts, _ := strconv.Atoi(f["attempts"])
	updatedAt, _ := strconv.ParseInt(f["updatedAt"], 10, 64)

	rec := &agreement.ProcessingRecord{
		CorrelationId: id,
		Outcome:       agreement.Outcome(f["outcome"]),
		Attempts:      attempts,
		Reason:        f["reason"],
		UpdatedAt:     time.UnixMilli(updatedAt),
		Event: agreement.TransferEvent{
			Kind:               agreement.EventKind(f["kind"]),
			SourceChain:        f["sourceChain"],
			DestinationChain:   f["destinationChain"],
			User:               ethcommon.HexToAddress(f["user"]),
			DestinationAddress: ethcommon.HexToAddress(f["destinationAddress"]),
			Amount:             amount,
			CorrelationId:      id,
			SourceTxHash:       common.HexStrToHash(f["sourceTxHash"]),
			SourceBlock:        srcBlock,
			LogIndex:           uint(logIndex),
		},
	}
	if h := f["destinationTxHash"]; h != "" {
		rec.DestinationTxHash = common.HexStrToHash(h)
	}
	return rec, nil
}
