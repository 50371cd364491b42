// Package httpapi exposes the orchestrator over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"tourflow/internal/auth"
	"tourflow/internal/observability"
	"tourflow/internal/reliability"
	"tourflow/internal/saga"
)

const principalKey = "principal"

// Sagas is the orchestrator surface the API needs.
type Sagas interface {
	Start(ctx context.Context, req saga.StartRequest) (saga.StartResult, error)
	State(ctx context.Context, sagaID string) (saga.State, error)
}

type Config struct {
	Verifier auth.Verifier
	// Limiter throttles saga creation and queries. Nil disables it.
	Limiter *reliability.RateLimiter
	// Feed serves the realtime websocket. Nil leaves the route unregistered.
	Feed    http.Handler
	Metrics *observability.Metrics
	Log     zerolog.Logger
}

type createOrderRequest struct {
	ProductID     string `json:"productId" binding:"required"`
	Quantity      int    `json:"quantity" binding:"required,gt=0"`
	PaymentMethod string `json:"paymentMethod" binding:"required"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type handler struct {
	sagas Sagas
	log   zerolog.Logger
}

func NewRouter(sagas Sagas, cfg Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		cfg.Log.Error().Interface("panic", recovered).Str("path", c.Request.URL.Path).Msg("recovered from panic")
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{Error: "INTERNAL_ERROR", Message: "internal error"})
	}))
	r.Use(requestLogger(cfg.Log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Feed != nil {
		r.GET("/ws/sagas", gin.WrapH(cfg.Feed))
	}

	h := &handler{sagas: sagas, log: cfg.Log}
	api := r.Group("")
	api.Use(authenticate(cfg.Verifier))
	if cfg.Limiter != nil {
		api.Use(rateLimit(cfg.Limiter, cfg.Metrics))
	}
	api.POST("/pedidos", h.createOrder)
	api.GET("/sagas/:sagaId", h.getSaga)
	return r
}

func (h *handler) createOrder(c *gin.Context) {
	var body createOrderRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "INVALID_REQUEST", Message: "productId, quantity and paymentMethod are required"})
		return
	}

	principal := c.MustGet(principalKey).(auth.Principal)
	result, err := h.sagas.Start(c.Request.Context(), saga.StartRequest{
		ProductID:     body.ProductID,
		Quantity:      body.Quantity,
		PaymentMethod: body.PaymentMethod,
		UserID:        principal.Subject,
	})
	if errors.Is(err, saga.ErrInvalidRequest) {
		c.JSON(http.StatusBadRequest, errorBody{Error: "INVALID_REQUEST", Message: err.Error()})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("user", principal.Subject).Msg("saga not started")
		c.JSON(http.StatusInternalServerError, errorBody{Error: "INTERNAL_ERROR", Message: "could not create order"})
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *handler) getSaga(c *gin.Context) {
	state, err := h.sagas.State(c.Request.Context(), c.Param("sagaId"))
	if errors.Is(err, saga.ErrSagaNotFound) {
		c.JSON(http.StatusNotFound, errorBody{Error: "SAGA_NOT_FOUND", Message: "saga not found"})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("sagaId", c.Param("sagaId")).Msg("saga lookup failed")
		c.JSON(http.StatusInternalServerError, errorBody{Error: "INTERNAL_ERROR", Message: "could not load saga"})
		return
	}
	c.JSON(http.StatusOK, state)
}

func authenticate(v auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "UNAUTHENTICATED", Message: "missing bearer token"})
			return
		}
		principal, err := v.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "UNAUTHENTICATED", Message: err.Error()})
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

func rateLimit(l *reliability.RateLimiter, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow() {
			metrics.RateLimited()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody{Error: "RATE_LIMITED", Message: "too many requests"})
			return
		}
		c.Next()
	}
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	}
}
