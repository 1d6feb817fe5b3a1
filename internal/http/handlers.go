package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/feed-data-realtime/internal/models"
	"github.com/feed-data-realtime/internal/repository"
	"github.com/feed-data-realtime/internal/validation"
)

const (
	defaultListLimit = 5
	maxListLimit     = 100
	moversLimit      = 15
	searchLimit      = 15
	defaultChartSpan = 24 * time.Hour
	maxEnvelopeBytes = 64 << 10
)

// InstrumentStore is implemented by repository.Instruments and
// repository.Breaker.
type InstrumentStore interface {
	repository.Store
}

type Handler struct {
	store     InstrumentStore
	validator *validation.Validator
	trusted   map[string]struct{}
	logger    *zap.Logger
	now       func() time.Time
}

func NewHandler(store InstrumentStore, v *validation.Validator, trusted map[string]struct{}, logger *zap.Logger) *Handler {
	if v == nil {
		v = validation.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, validator: v, trusted: trusted, logger: logger, now: time.Now}
}

func (h *Handler) Health(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) ListInstruments(ctx *gin.Context) {
	limit := defaultListLimit
	if raw := ctx.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxListLimit)
	}

	instruments, err := h.store.List(ctx.Request.Context(), limit)
	if err != nil {
		h.storeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, instruments)
}

func (h *Handler) GetInstrument(ctx *gin.Context) {
	id, ok := instrumentID(ctx)
	if !ok {
		return
	}
	detail, err := h.store.Detail(ctx.Request.Context(), id)
	if err != nil {
		h.storeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, detail)
}

type chartQuery struct {
	Interval string    `form:"interval" json:"interval" validate:"omitempty,oneof=1m 5m 30m 1h 1d 1M"`
	From     time.Time `form:"from" json:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To       time.Time `form:"to" json:"to" time_format:"2006-01-02T15:04:05Z07:00"`
}

func (h *Handler) GetChart(ctx *gin.Context) {
	id, ok := instrumentID(ctx)
	if !ok {
		return
	}

	var q chartQuery
	if err := ctx.ShouldBindQuery(&q); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "from and to must be RFC3339 timestamps"})
		return
	}
	if !h.validator.ValidateStruct(ctx, q) {
		return
	}

	interval := models.Interval1Hour
	if q.Interval != "" {
		interval = models.ChartInterval(q.Interval)
	}
	to := h.now().UTC()
	if !q.To.IsZero() {
		to = q.To
	}
	from := to.Add(-defaultChartSpan)
	if !q.From.IsZero() {
		from = q.From
	}
	if !from.Before(to) {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "from must be before to"})
		return
	}

	candles, err := h.store.Chart(ctx.Request.Context(), id, interval, from, to)
	if err != nil {
		h.storeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, candles)
}

func (h *Handler) SearchInstruments(ctx *gin.Context) {
	term := strings.TrimSpace(ctx.Query("q"))
	if term == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "query parameter q is required"})
		return
	}
	instruments, err := h.store.Search(ctx.Request.Context(), term, searchLimit)
	if err != nil {
		h.storeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, instruments)
}

func (h *Handler) TopGainers(ctx *gin.Context) {
	instruments, err := h.store.TopGainers(ctx.Request.Context(), moversLimit)
	if err != nil {
		h.storeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, instruments)
}

func (h *Handler) TopLosers(ctx *gin.Context) {
	instruments, err := h.store.TopLosers(ctx.Request.Context(), moversLimit)
	if err != nil {
		h.storeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, instruments)
}

// UpdatePrice accepts the same envelope the WebSocket endpoint does. Only
// trusted producers may write; the database trigger then notifies every
// connected client.
func (h *Handler) UpdatePrice(ctx *gin.Context) {
	body, err := readBody(ctx)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "request body too large or unreadable"})
		return
	}
	env, err := h.validator.DecodeEnvelope(body)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, ok := h.trusted[env.ClientID]; !ok {
		h.logger.Info("rejected price update from untrusted producer", zap.String("client_id", env.ClientID))
		ctx.JSON(http.StatusForbidden, gin.H{"error": "producer is not trusted"})
		return
	}

	if err := h.store.UpdatePrice(ctx.Request.Context(), env.Instrument); err != nil {
		h.storeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, env.Instrument)
}

func (h *Handler) storeError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		ctx.JSON(http.StatusNotFound, gin.H{"error": "instrument not found"})
		return
	case errors.Is(err, repository.ErrUnavailable):
		ctx.Header("Retry-After", "30")
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": "instrument store unavailable"})
		return
	}
	_ = ctx.Error(err)
	ctx.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func instrumentID(ctx *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil || id < 1 {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "instrument id must be a positive integer"})
		return 0, false
	}
	return id, true
}

func readBody(ctx *gin.Context) ([]byte, error) {
	ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxEnvelopeBytes)
	return ctx.GetRawData()
}
