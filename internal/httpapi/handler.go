package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"sofr-tracker/internal/fetcher"
	"sofr-tracker/internal/logging"
	"sofr-tracker/internal/model"
	"sofr-tracker/internal/service"
	"sofr-tracker/internal/storage"
)

// Runner triggers synchronisation passes.
type Runner interface {
	RunSync(ctx context.Context, lookbackDays int) (model.SyncResult, error)
	Backfill(ctx context.Context, start, end string) (model.SyncResult, error)
}

// Options tune request defaults.
type Options struct {
	// DefaultRangeMonths is how far back reads go when start is omitted.
	DefaultRangeMonths int
	// DefaultLookbackDays applies to POST /api/sync without days.
	DefaultLookbackDays int
	Now                 func() time.Time
}

// Handler serves the read API and the manual run triggers.
type Handler struct {
	reader storage.Reader
	runner Runner
	opts   Options
	logger zerolog.Logger
}

// NewHandler constructs the API handler.
func NewHandler(reader storage.Reader, runner Runner, opts Options, logger zerolog.Logger) *Handler {
	if opts.DefaultRangeMonths <= 0 {
		opts.DefaultRangeMonths = 3
	}
	if opts.DefaultLookbackDays < 0 {
		opts.DefaultLookbackDays = 7
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Handler{
		reader: reader,
		runner: runner,
		opts:   opts,
		logger: logging.Component(logger, "httpapi"),
	}
}

// NewRouter builds a gin engine with every route registered.
func NewRouter(h *Handler, mode string) *gin.Engine {
	if mode != "" {
		gin.SetMode(mode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.logger))
	h.Register(r)
	return r
}

// Register mounts the routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", h.healthz)

	api := r.Group("/api")
	{
		api.GET("/rates", h.getRates)
		api.GET("/spreads", h.getSpreads)
		api.GET("/rrp", h.getRRP)
		api.GET("/volume", h.getVolume)
		api.GET("/markers", h.getMarkers)
		api.GET("/status", h.getStatus)
		api.POST("/sync", h.postSync)
		api.POST("/backfill", h.postBackfill)
	}
}

func (h *Handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) getRates(c *gin.Context) {
	window, ok := h.window(c)
	if !ok {
		return
	}

	var (
		sofr   []model.RateObservation
		effr   []model.RateObservation
		policy []model.PolicyRateRow
	)
	g, ctx := errgroup.WithContext(c.Request.Context())
	g.Go(func() (err error) {
		sofr, err = h.reader.ListSOFR(ctx, window)
		return err
	})
	g.Go(func() (err error) {
		effr, err = h.reader.ListEFFR(ctx, window)
		return err
	})
	g.Go(func() (err error) {
		policy, err = h.reader.ListPolicyRates(ctx, window)
		return err
	})
	if err := g.Wait(); err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, ratesResponse{
		SOFR:   mapSlice(sofr, toSOFR),
		EFFR:   mapSlice(effr, toEFFR),
		Policy: mapSlice(policy, toPolicy),
	})
}

func (h *Handler) getSpreads(c *gin.Context) {
	kind, ok := storage.ParseSpreadKind(c.DefaultQuery("type", string(storage.SpreadSOFRPercentile)))
	if !ok {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "Invalid spread type"})
		return
	}
	window, ok := h.window(c)
	if !ok {
		return
	}
	values, err := h.reader.ListSpread(c.Request.Context(), kind, window)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toDatedValues(values))
}

func (h *Handler) getRRP(c *gin.Context) {
	window, ok := h.window(c)
	if !ok {
		return
	}
	rows, err := h.reader.ListRepoOperations(c.Request.Context(), window)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, mapSlice(rows, toRRP))
}

func (h *Handler) getVolume(c *gin.Context) {
	window, ok := h.window(c)
	if !ok {
		return
	}
	values, err := h.reader.ListSOFRVolume(c.Request.Context(), window)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toDatedValues(values))
}

func (h *Handler) getMarkers(c *gin.Context) {
	c.JSON(http.StatusOK, MarkersAround(h.opts.Now().UTC().Year()))
}

func (h *Handler) getStatus(c *gin.Context) {
	status, err := h.reader.Status(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse{
		Metadata: status.Metadata,
		Counts: statusCounts{
			TableCounts:  status.Counts,
			EarliestDate: status.EarliestDate,
			LatestDate:   status.LatestDate,
		},
	})
}

func (h *Handler) postSync(c *gin.Context) {
	days := h.opts.DefaultLookbackDays
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "days must be an integer"})
			return
		}
		days = n
	}

	result, err := h.runner.RunSync(passContext(c), days)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) postBackfill(c *gin.Context) {
	start := c.Query("start")
	if start == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "start date required"})
		return
	}
	end := c.DefaultQuery("end", model.FormatDate(h.opts.Now()))

	result, err := h.runner.Backfill(passContext(c), start, end)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// passContext keeps request values but not its cancellation. A started pass
// runs to completion even if the client goes away.
func passContext(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}

// window reads start/end, defaulting to the configured trailing months.
func (h *Handler) window(c *gin.Context) (model.Window, bool) {
	now := h.opts.Now().UTC()
	w := model.Window{
		Start: c.DefaultQuery("start", model.FormatDate(now.AddDate(0, -h.opts.DefaultRangeMonths, 0))),
		End:   c.DefaultQuery("end", model.FormatDate(now)),
	}
	if err := w.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return model.Window{}, false
	}
	return w, true
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidWindow):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrRunInProgress):
		status = http.StatusConflict
	case errors.Is(err, fetcher.ErrUpstreamUnavailable):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	}
	c.JSON(status, errorResponse{Error: err.Error()})
}
