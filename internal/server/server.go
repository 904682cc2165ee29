package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"price-alert-engine/internal/metrics"
	"price-alert-engine/internal/models"
	"price-alert-engine/internal/storage"
	"price-alert-engine/internal/version"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Reader is the read side the status API serves from.
type Reader interface {
	Ping(ctx context.Context) error
	GetFire(ctx context.Context, id string) (models.FireEvent, error)
	ListRecentFires(ctx context.Context, ruleID string, limit int) ([]models.FireEvent, error)
	ListAttemptsForFire(ctx context.Context, fireID string) ([]models.DeliveryAttempt, error)
	ListRecentAttempts(ctx context.Context, status models.DeliveryStatus, limit int) ([]models.DeliveryAttempt, error)
}

// Server exposes probes, metrics and fire/delivery status over HTTP.
type Server struct {
	store   Reader
	logger  zerolog.Logger
	engine  *gin.Engine
	http    *http.Server
	started time.Time

	ready    atomic.Bool
	lastTick atomic.Int64
}

// New builds the HTTP surface. It does not start listening.
func New(addr string, store Reader, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		store:   store,
		logger:  logger.With().Str("component", "http").Logger(),
		started: time.Now(),
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestID(), s.accessLog())
	r.GET("/livez", s.livez)
	r.GET("/readyz", s.readyz)
	r.GET("/healthz", s.healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.GET("/fires", s.listFires)
	api.GET("/fires/:id", s.getFire)
	api.GET("/fires/:id/deliveries", s.listDeliveries)
	api.GET("/deliveries", s.listRecentDeliveries)

	s.engine = r
	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.engine }

// MarkReady flips /readyz once evaluation state is loaded.
func (s *Server) MarkReady() { s.ready.Store(true) }

// RecordTick notes the completion time of an evaluation tick.
func (s *Server) RecordTick(at time.Time) { s.lastTick.Store(at.UnixNano()) }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.http.Addr).Msg("http server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Error().Err(err).Msg("http server shutdown error")
		return err
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

func (s *Server) livez(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) readyz(c *gin.Context) {
	if !s.ready.Load() {
		c.String(http.StatusServiceUnavailable, "not ready")
		return
	}
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.String(http.StatusServiceUnavailable, "store unreachable")
		return
	}
	c.String(http.StatusOK, "ready")
}

type healthResponse struct {
	Status   string     `json:"status"`
	Ready    bool       `json:"ready"`
	Version  string     `json:"version"`
	Uptime   string     `json:"uptime"`
	LastTick *time.Time `json:"last_tick,omitempty"`
	Store    string     `json:"store"`
}

func (s *Server) healthz(c *gin.Context) {
	res := healthResponse{
		Status:  "ok",
		Ready:   s.ready.Load(),
		Version: version.Version,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Store:   "ok",
	}
	if n := s.lastTick.Load(); n != 0 {
		t := time.Unix(0, n).UTC()
		res.LastTick = &t
	}
	code := http.StatusOK
	if err := s.store.Ping(c.Request.Context()); err != nil {
		res.Status = "degraded"
		res.Store = err.Error()
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, res)
}

type fireResponse struct {
	ID           string     `json:"id"`
	RuleID       string     `json:"rule_id"`
	RuleVersion  int64      `json:"rule_version"`
	Symbol       string     `json:"symbol"`
	Operator     string     `json:"operator"`
	Threshold    string     `json:"threshold"`
	Value        string     `json:"value"`
	QuoteAt      time.Time  `json:"quote_at"`
	FiredAt      time.Time  `json:"fired_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
}

func toFireResponse(f models.FireEvent) fireResponse {
	return fireResponse{
		ID:           f.ID,
		RuleID:       f.RuleID,
		RuleVersion:  f.RuleVersion,
		Symbol:       f.Symbol,
		Operator:     string(f.Operator),
		Threshold:    f.Threshold.String(),
		Value:        f.Value.String(),
		QuoteAt:      f.QuoteAt,
		FiredAt:      f.FiredAt,
		DispatchedAt: f.DispatchedAt,
	}
}

type deliveryResponse struct {
	ID          string    `json:"id"`
	FireID      string    `json:"fire_id"`
	ChannelID   string    `json:"channel_id"`
	ChannelKind string    `json:"channel_kind"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	NextRetryAt time.Time `json:"next_retry_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// queryLimit reads ?limit=, writing a 400 when it is malformed.
func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	return min(n, maxLimit), true
}

func (s *Server) listFires(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}

	fires, err := s.store.ListRecentFires(c.Request.Context(), c.Query("rule_id"), limit)
	if err != nil {
		s.internalError(c, err)
		return
	}
	out := make([]fireResponse, 0, len(fires))
	for _, f := range fires {
		out = append(out, toFireResponse(f))
	}
	c.JSON(http.StatusOK, gin.H{"fires": out})
}

func (s *Server) getFire(c *gin.Context) {
	fire, ok := s.loadFire(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toFireResponse(fire))
}

func (s *Server) listDeliveries(c *gin.Context) {
	fire, ok := s.loadFire(c)
	if !ok {
		return
	}
	attempts, err := s.store.ListAttemptsForFire(c.Request.Context(), fire.ID)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fire_id": fire.ID, "deliveries": toDeliveryResponses(attempts)})
}

// listRecentDeliveries serves the most recently updated attempts across all fires,
// optionally narrowed by ?status=.
func (s *Server) listRecentDeliveries(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	var status models.DeliveryStatus
	if raw := c.Query("status"); raw != "" {
		parsed, err := models.ParseDeliveryStatus(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		status = parsed
	}
	attempts, err := s.store.ListRecentAttempts(c.Request.Context(), status, limit)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": toDeliveryResponses(attempts)})
}

func toDeliveryResponses(attempts []models.DeliveryAttempt) []deliveryResponse {
	out := make([]deliveryResponse, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, deliveryResponse{
			ID:          a.ID,
			FireID:      a.FireID,
			ChannelID:   a.ChannelID,
			ChannelKind: a.ChannelKind,
			Status:      string(a.Status),
			Attempts:    a.Attempts,
			LastError:   a.LastError,
			NextRetryAt: a.NextRetryAt,
			UpdatedAt:   a.UpdatedAt,
		})
	}
	return out
}

func (s *Server) loadFire(c *gin.Context) (models.FireEvent, bool) {
	fire, err := s.store.GetFire(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "fire not found"})
		return models.FireEvent{}, false
	}
	if err != nil {
		s.internalError(c, err)
		return models.FireEvent{}, false
	}
	return fire, true
}

func (s *Server) internalError(c *gin.Context, err error) {
	s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(status)).Inc()

		event := s.logger.Debug()
		if status >= 500 {
			event = s.logger.Error()
		} else if status >= 400 {
			event = s.logger.Warn()
		}
		event.Str("request_id", c.GetString("request_id")).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("http request")
	}
}
