// This is a http type of reporter.
// It reads liquid sends from the state db and the wallet balance
// and publishes them on the http routes.

package reporter

import (
	"net/http"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TEENet-io/liquidsend/agreement"
	"github.com/TEENet-io/liquidsend/liquidstate"
)

const (
	ROUTE_HELLO   = "/hello"
	ROUTE_SENDS   = "/liquid/sends"
	ROUTE_SEND    = "/liquid/send"
	ROUTE_BALANCE = "/liquid/balance"
	ROUTE_METRICS = "/metrics"

	defaultLimit = 50
	maxLimit     = 500
)

// SendReader is the read side of the liquid send store.
type SendReader interface {
	Get(hash agreement.PaymentHash) (*liquidstate.LiquidSend, bool, error)
	GetAll(limit int) ([]*liquidstate.LiquidSend, error)
}

type BalanceReader interface {
	Balance() (btcutil.Amount, error)
}

type HttpReporter struct {
	serverIP   string // listen ip
	serverPort string // listen port

	// upstream data sources
	sends    SendReader
	balance  BalanceReader
	gatherer prometheus.Gatherer // nil disables /metrics
}

func NewHttpReporter(serverIP string, serverPort string, sends SendReader, balance BalanceReader, gatherer prometheus.Gatherer) *HttpReporter {
	return &HttpReporter{
		serverIP:   serverIP,
		serverPort: serverPort,
		sends:      sends,
		balance:    balance,
		gatherer:   gatherer,
	}
}

// Hook up routes & handlers
func (h *HttpReporter) SetupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET(ROUTE_HELLO, Hello)
	router.GET(ROUTE_SENDS, h.Sends)
	router.GET(ROUTE_SEND, h.Send)
	router.GET(ROUTE_BALANCE, h.Balance)
	if h.gatherer != nil {
		router.GET(ROUTE_METRICS, gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}

	return router
}

// Hook up router & ip:port
func (h *HttpReporter) Run() error {
	router := h.SetupRouter()
	address := h.serverIP + ":" + h.serverPort
	return router.Run(address)
}

func Hello(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "world",
	})
}

// SendView is the json form of a liquid send.
type SendView struct {
	PaymentHash     string   `json:"payment_hash"`
	Destination     string   `json:"destination"`
	Amount          int64    `json:"amount"`
	Status          string   `json:"status"`
	HtlcVtxoIds     []string `json:"htlc_vtxo_ids"`
	HtlcExpiry      uint32   `json:"htlc_expiry"`
	MovementId      int64    `json:"movement_id"`
	RevocationStage string   `json:"revocation_stage"`
	SettlementTxid  string   `json:"settlement_txid,omitempty"`
	CreatedAt       int64    `json:"created_at"`
	FinishedAt      int64    `json:"finished_at,omitempty"`
}

func NewSendView(r *liquidstate.LiquidSend) SendView {
	v := SendView{
		PaymentHash:     r.PaymentHash.String(),
		Destination:     r.Destination,
		Amount:          int64(r.Amount),
		Status:          string(r.Status()),
		HtlcExpiry:      r.HtlcExpiry,
		MovementId:      r.MovementId,
		RevocationStage: string(r.RevocationStage),
		CreatedAt:       unix(r.CreatedAt),
	}
	for _, id := range r.HtlcVtxoIds {
		v.HtlcVtxoIds = append(v.HtlcVtxoIds, id.String())
	}
	if r.Proof != nil {
		v.SettlementTxid = r.Proof.SettlementTxid
	}
	if r.FinishedAt != nil {
		v.FinishedAt = unix(*r.FinishedAt)
	}
	return v
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// Sends lists the most recent liquid sends, newest first.
func (h *HttpReporter) Sends(c *gin.Context) {
	limit := defaultLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > maxLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and " + strconv.Itoa(maxLimit)})
			return
		}
		limit = n
	}

	sends, err := h.sends.GetAll(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	views := make([]SendView, 0, len(sends))
	for _, r := range sends {
		views = append(views, NewSendView(r))
	}
	c.JSON(http.StatusOK, gin.H{"data": views})
}

// Send looks up one liquid send by payment hash.
func (h *HttpReporter) Send(c *gin.Context) {
	hashStr := c.Query("payment_hash")
	if hashStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payment_hash must be provided"})
		return
	}
	hash, err := agreement.PaymentHashFromHex(hashStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	r, ok, err := h.sends.Get(hash)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No liquid send found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": NewSendView(r)})
}

func (h *HttpReporter) Balance(c *gin.Context) {
	if h.balance == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "balance not available"})
		return
	}
	b, err := h.balance.Balance()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"balance": int64(b)}})
}
