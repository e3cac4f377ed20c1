// This is a http type of reporter.
// It fetches data from the relay and its store
// and publishes on the http routes.

package reporter

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/bridge-relay/agreement"
	"github.com/TEENet-io/bridge-relay/chaintxmgrdb"
	"github.com/TEENet-io/bridge-relay/common"
	"github.com/TEENet-io/bridge-relay/relay"
	"github.com/TEENet-io/bridge-relay/supervisor"
	ethcommon "github.com/ethereum/go-ethereum/common"
)

const (
	ROUTE_HEALTH    = "/health"
	ROUTE_STATS     = "/stats"
	ROUTE_RECORD    = "/record"
	ROUTE_RECORDS   = "/records"
	ROUTE_REPROCESS = "/reprocess"
	ROUTE_METRICS   = "/metrics"
)

// Source is what the reporter reads, *relay.Relay implements it.
type Source interface {
	Running() bool
	Stats() *relay.Stats
	Connections() []supervisor.LedgerStatus
	GetRecord(ctx context.Context, id ethcommon.Hash) (*agreement.ProcessingRecord, bool, error)
	GetRecordsByOutcome(ctx context.Context, outcome agreement.Outcome) ([]*agreement.ProcessingRecord, error)
	TxHistory(id ethcommon.Hash) ([]*chaintxmgrdb.MonitoredTx, error)
	Reprocess(ctx context.Context, id ethcommon.Hash) (agreement.Admission, error)
}

type HttpReporter struct {
	serverIP   string // listen ip
	serverPort string // listen port

	// upstream data source
	source Source
}

func NewHttpReporter(serverIP string, serverPort string, source Source) *HttpReporter {
	return &HttpReporter{
		serverIP:   serverIP,
		serverPort: serverPort,
		source:     source,
	}
}

// Hook up routes & handlers
func (h *HttpReporter) SetupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET(ROUTE_HEALTH, h.Health)
	router.GET(ROUTE_STATS, h.Stats)
	router.GET(ROUTE_RECORD, h.Record)
	router.GET(ROUTE_RECORDS, h.Records)
	router.POST(ROUTE_REPROCESS, h.Reprocess)
	router.GET(ROUTE_METRICS, gin.WrapH(promhttp.Handler()))

	return router
}

// Run serves until ctx is done.
func (h *HttpReporter) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              h.serverIP + ":" + h.serverPort,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", srv.Addr).Info("http reporter listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// 200 while running with every ledger usable, 503 otherwise.
func (h *HttpReporter) Health(c *gin.Context) {
	conns := h.source.Connections()
	running := h.source.Running()

	healthy := running
	for _, conn := range conns {
		if conn.State != supervisor.Connected {
			healthy = false
		}
	}

	code, status := http.StatusOK, "ok"
	if !healthy {
		code, status = http.StatusServiceUnavailable, "degraded"
	}
	c.JSON(code, gin.H{
		"status":  status,
		"running": running,
		"ledgers": conns,
	})
}

func (h *HttpReporter) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.source.Stats()})
}

type JSONMonitoredTx struct {
	TxHash    string    `json:"tx_hash"`
	Chain     string    `json:"chain"`
	Attempt   int       `json:"attempt"`
	Status    string    `json:"status"`
	SentAt    time.Time `json:"sent_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Fetch one record, and the completion txs sent for it
func (h *HttpReporter) Record(c *gin.Context) {
	idStr := c.Query("correlation_id")
	if !common.IsHexHash(idStr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "correlation_id must be a 32-byte hex string"})
		return
	}
	id := common.HexStrToHash(idStr)

	rec, ok, err := h.source.GetRecord(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No record found"})
		return
	}

	txs, err := h.source.TxHistory(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	history := make([]JSONMonitoredTx, 0, len(txs))
	for _, tx := range txs {
		history = append(history, JSONMonitoredTx{
			TxHash:    tx.TxHash.Hex(),
			Chain:     tx.Chain,
			Attempt:   tx.Attempt,
			Status:    string(tx.TxStatus),
			SentAt:    tx.SentAt,
			UpdatedAt: tx.UpdatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"data": rec.ToJSON(), "txs": history})
}

func (h *HttpReporter) Records(c *gin.Context) {
	outcome := agreement.Outcome(c.DefaultQuery("outcome", string(agreement.Failed)))
	if !outcome.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "outcome must be pending, completed or failed"})
		return
	}

	recs, err := h.source.GetRecordsByOutcome(c.Request.Context(), outcome)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	data := make([]*agreement.JSONProcessingRecord, 0, len(recs))
	for _, rec := range recs {
		data = append(data, rec.ToJSON())
	}
	c.JSON(http.StatusOK, gin.H{"data": data})
}

type reprocessRequest struct {
	CorrelationId string `json:"correlation_id" binding:"required"`
}

// Operator action: run a failed record again
func (h *HttpReporter) Reprocess(c *gin.Context) {
	var req reprocessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !common.IsHexHash(req.CorrelationId) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "correlation_id must be a 32-byte hex string"})
		return
	}

	adm, err := h.source.Reprocess(c.Request.Context(), common.HexStrToHash(req.CorrelationId))
	switch {
	case errors.Is(err, relay.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, relay.ErrNotFailed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, gin.H{"admission": adm.String()})
	}
}
