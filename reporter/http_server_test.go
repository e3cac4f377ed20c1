package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TEENet-io/bridge-relay/agreement"
	"github.com/TEENet-io/bridge-relay/chaintxmgrdb"
	"github.com/TEENet-io/bridge-relay/common"
	"github.com/TEENet-io/bridge-relay/relay"
	"github.com/TEENet-io/bridge-relay/supervisor"
	ethcommon "github.com/ethereum/go-ethereum/common"
)

type fakeSource struct {
	running   bool
	conns     []supervisor.LedgerStatus
	records   map[ethcommon.Hash]*agreement.ProcessingRecord
	txs       map[ethcommon.Hash][]*chaintxmgrdb.MonitoredTx
	reprocess []ethcommon.Hash
}

func (s *fakeSource) Running() bool { return s.running }

func (s *fakeSource) Stats() *relay.Stats {
	return &relay.Stats{Running: s.running, EventsSeen: 7}
}

func (s *fakeSource) Connections() []supervisor.LedgerStatus { return s.conns }

func (s *fakeSource) GetRecord(ctx context.Context, id ethcommon.Hash) (*agreement.ProcessingRecord, bool, error) {
	rec, ok := s.records[id]
	return rec, ok, nil
}

func (s *fakeSource) GetRecordsByOutcome(ctx context.Context, outcome agreement.Outcome) ([]*agreement.ProcessingRecord, error) {
	out := []*agreement.ProcessingRecord{}
	for _, rec := range s.records {
		if rec.Outcome == outcome {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *fakeSource) TxHistory(id ethcommon.Hash) ([]*chaintxmgrdb.MonitoredTx, error) {
	return s.txs[id], nil
}

func (s *fakeSource) Reprocess(ctx context.Context, id ethcommon.Hash) (agreement.Admission, error) {
	rec, ok := s.records[id]
	if !ok {
		return agreement.AlreadyProcessed, fmt.Errorf("%w: %s", relay.ErrRecordNotFound, id.Hex())
	}
	if rec.Outcome != agreement.Failed {
		return agreement.AlreadyProcessed, fmt.Errorf("%w: %s", relay.ErrNotFailed, id.Hex())
	}
	s.reprocess = append(s.reprocess, id)
	return agreement.Accepted, nil
}

func newRecord(outcome agreement.Outcome) *agreement.ProcessingRecord {
	id := ethcommon.Hash(common.RandBytes32())
	return &agreement.ProcessingRecord{
		CorrelationId: id,
		Outcome:       outcome,
		Attempts:      1,
		Event: agreement.TransferEvent{
			Kind:             agreement.Lock,
			SourceChain:      "chainA",
			DestinationChain: "chainB",
			User:             common.RandEthAddress(),
			Amount:           big.NewInt(42),
			CorrelationId:    id,
			SourceBlock:      100,
		},
	}
}

func newSource(recs ...*agreement.ProcessingRecord) *fakeSource {
	s := &fakeSource{
		running: true,
		conns: []supervisor.LedgerStatus{
			{Name: "chainA", State: supervisor.Connected},
			{Name: "chainB", State: supervisor.Connected},
		},
		records: map[ethcommon.Hash]*agreement.ProcessingRecord{},
		txs:     map[ethcommon.Hash][]*chaintxmgrdb.MonitoredTx{},
	}
	for _, rec := range recs {
		s.records[rec.CorrelationId] = rec
	}
	return s
}

func serve(t *testing.T, h *HttpReporter, method, target, body string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	src := newSource()
	h := NewHttpReporter("127.0.0.1", "0", src)

	w := serve(t, h, http.MethodGet, ROUTE_HEALTH, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	src.conns[1].State = supervisor.Stopped
	w = serve(t, h, http.MethodGet, ROUTE_HEALTH, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"stopped"`)
}

func TestRecord(t *testing.T) {
	rec := newRecord(agreement.Completed)
	src := newSource(rec)
	txHash := ethcommon.Hash(common.RandBytes32())
	src.txs[rec.CorrelationId] = []*chaintxmgrdb.MonitoredTx{
		{TxHash: txHash, CorrelationId: rec.CorrelationId, Chain: "chainB", Attempt: 1, TxStatus: agreement.TxSuccess, SentAt: time.Now()},
	}
	h := NewHttpReporter("127.0.0.1", "0", src)

	w := serve(t, h, http.MethodGet, ROUTE_RECORD+"?correlation_id="+rec.CorrelationId.Hex(), "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data agreement.JSONProcessingRecord `json:"data"`
		Txs  []JSONMonitoredTx              `json:"txs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, rec.CorrelationId.Hex(), resp.Data.CorrelationId)
	assert.Equal(t, "completed", resp.Data.Outcome)
	assert.Equal(t, "42", resp.Data.Event.Amount)
	require.Len(t, resp.Txs, 1)
	assert.Equal(t, txHash.Hex(), resp.Txs[0].TxHash)
	assert.Equal(t, "success", resp.Txs[0].Status)

	w = serve(t, h, http.MethodGet, ROUTE_RECORD+"?correlation_id=0x1234", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(t, h, http.MethodGet, ROUTE_RECORD+"?correlation_id="+ethcommon.Hash(common.RandBytes32()).Hex(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRecords(t *testing.T) {
	h := NewHttpReporter("127.0.0.1", "0", newSource(
		newRecord(agreement.Failed),
		newRecord(agreement.Failed),
		newRecord(agreement.Completed),
	))

	var resp struct {
		Data []agreement.JSONProcessingRecord `json:"data"`
	}
	w := serve(t, h, http.MethodGet, ROUTE_RECORDS, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 2)

	w = serve(t, h, http.MethodGet, ROUTE_RECORDS+"?outcome=completed", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 1)

	w = serve(t, h, http.MethodGet, ROUTE_RECORDS+"?outcome=lost", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReprocess(t *testing.T) {
	failed := newRecord(agreement.Failed)
	completed := newRecord(agreement.Completed)
	src := newSource(failed, completed)
	h := NewHttpReporter("127.0.0.1", "0", src)

	body := func(id ethcommon.Hash) string {
		return `{"correlation_id":"` + id.Hex() + `"}`
	}

	w := serve(t, h, http.MethodPost, ROUTE_REPROCESS, body(failed.CorrelationId))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), "accepted")
	assert.Equal(t, []ethcommon.Hash{failed.CorrelationId}, src.reprocess)

	w = serve(t, h, http.MethodPost, ROUTE_REPROCESS, body(completed.CorrelationId))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = serve(t, h, http.MethodPost, ROUTE_REPROCESS, body(common.RandBytes32()))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(t, h, http.MethodPost, ROUTE_REPROCESS, `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsRoute(t *testing.T) {
	relay.EventsSeen.WithLabelValues("chainA").Inc()
	h := NewHttpReporter("127.0.0.1", "0", newSource())

	w := serve(t, h, http.MethodGet, ROUTE_METRICS, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "relay_events_seen_total")
}

func TestHttpReader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := newRecord(agreement.Pending)
	h := NewHttpReporter("127.0.0.1", "0", newSource(rec))
	srv := httptest.NewServer(h.SetupRouter())
	defer srv.Close()

	host, port, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	reader := NewHttpReader(host, port)

	code, body, err := reader.GetHealth()
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "chainA")

	code, body, err = reader.GetStats()
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"events_seen":7`)

	code, body, err = reader.GetRecord(rec.CorrelationId.Hex())
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"outcome":"pending"`)
}

func TestRunShutdown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHttpReporter("127.0.0.1", "0", newSource())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reporter did not stop")
	}
}
