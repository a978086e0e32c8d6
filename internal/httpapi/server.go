// Package httpapi serves the webhook endpoint, health and metrics probes, and the
// session-authenticated credit API.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/meetingcredits/internal/webhook"
	"github.com/MarkoPoloResearchLab/meetingcredits/pkg/credits"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey = "auth_claims"
	requestIDHeader  = "X-Request-ID"
	shutdownTimeout  = 5 * time.Second
)

var ErrInvalidDeps = errors.New("invalid http api dependencies")

// CreditService is the balance surface exposed over HTTP.
type CreditService interface {
	Balance(ctx context.Context, userID credits.UserID) (credits.CreditBalance, error)
	SetBalance(ctx context.Context, userID credits.UserID, remaining int64) (credits.CreditBalance, error)
	AdjustBalance(ctx context.Context, userID credits.UserID, delta credits.CreditDelta) (credits.CreditBalance, error)
	ListAccounts(ctx context.Context, limit int) ([]credits.CreditAccount, error)
}

// Deps carries the collaborators the router needs.
type Deps struct {
	Service  CreditService
	Webhook  *webhook.Handler
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
	Now      func() time.Time
}

// Run serves the API until ctx is canceled.
func Run(ctx context.Context, cfg Config, deps Deps) error {
	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(cfg, deps)
	if err != nil {
		return err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("creditd listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter builds the gin engine. Session routes are mounted only when cfg carries a
// signing key.
func NewRouter(cfg Config, deps Deps) (*gin.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Service == nil {
		return nil, fmt.Errorf("%w: service is nil", ErrInvalidDeps)
	}
	if deps.Webhook == nil {
		return nil, fmt.Errorf("%w: webhook handler is nil", ErrInvalidDeps)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(deps.Logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", requestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"version":   cfg.ServiceVersion,
			"timestamp": deps.Now().UTC().Format(time.RFC3339),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	deps.Webhook.Register(router)

	if !cfg.SessionsEnabled() {
		deps.Logger.Info("session signing key not set; credit api disabled")
		return router, nil
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}

	handler := &creditHandler{service: deps.Service, logger: deps.Logger, timeout: cfg.StoreTimeout}
	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))
	api.GET("/credits/me", handler.handleOwnBalance)

	admin := api.Group("/admin")
	admin.Use(requireRole(adminRole))
	admin.GET("/credits", handler.handleListAccounts)
	admin.GET("/credits/:user_id", handler.handleGetBalance)
	admin.PUT("/credits/:user_id", handler.handleSetBalance)
	admin.POST("/credits/:user_id/adjust", handler.handleAdjustBalance)

	return router, nil
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		requestID := strings.TrimSpace(ctx.GetHeader(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx.Header(requestIDHeader, requestID)
		startedAt := time.Now()
		ctx.Next()
		logger.Info("http request",
			zap.String("request_id", requestID),
			zap.String("method", ctx.Request.Method),
			zap.String("path", ctx.FullPath()),
			zap.Int("status", ctx.Writer.Status()),
			zap.Duration("latency", time.Since(startedAt)),
		)
	}
}

func requireRole(role string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		for _, granted := range claims.GetUserRoles() {
			if strings.EqualFold(strings.TrimSpace(granted), role) {
				ctx.Next()
				return
			}
		}
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "insufficient role"))
	}
}

type creditHandler struct {
	service CreditService
	logger  *zap.Logger
	timeout time.Duration
}

type setBalanceRequest struct {
	Remaining *int64 `json:"remaining" binding:"required"`
}

type adjustBalanceRequest struct {
	Delta *int64 `json:"delta" binding:"required"`
}

type accountPayload struct {
	UserID         string `json:"user_id"`
	Remaining      int64  `json:"remaining"`
	UpdatedUnixUTC int64  `json:"updated_unix_utc,omitempty"`
}

func (handler *creditHandler) handleOwnBalance(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	userID, err := credits.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no user"))
		return
	}
	handler.respondWithBalance(ctx, userID)
}

func (handler *creditHandler) handleGetBalance(ctx *gin.Context) {
	userID, ok := parseUserParam(ctx)
	if !ok {
		return
	}
	handler.respondWithBalance(ctx, userID)
}

func (handler *creditHandler) handleSetBalance(ctx *gin.Context) {
	userID, ok := parseUserParam(ctx)
	if !ok {
		return
	}
	var request setBalanceRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected {\"remaining\": n}"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()
	remaining, err := handler.service.SetBalance(requestCtx, userID, *request.Remaining)
	if err != nil {
		handler.respondWithError(ctx, "set balance failed", err)
		return
	}
	ctx.JSON(http.StatusOK, accountPayload{UserID: userID.String(), Remaining: remaining.Int64()})
}

func (handler *creditHandler) handleAdjustBalance(ctx *gin.Context) {
	userID, ok := parseUserParam(ctx)
	if !ok {
		return
	}
	var request adjustBalanceRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected {\"delta\": n}"))
		return
	}
	delta, err := credits.NewCreditDelta(*request.Delta)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_delta", err.Error()))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()
	remaining, err := handler.service.AdjustBalance(requestCtx, userID, delta)
	if err != nil {
		handler.respondWithError(ctx, "adjust balance failed", err)
		return
	}
	ctx.JSON(http.StatusOK, accountPayload{UserID: userID.String(), Remaining: remaining.Int64()})
}

func (handler *creditHandler) handleListAccounts(ctx *gin.Context) {
	limit := defaultListLimit
	if rawLimit := ctx.Query("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit must be an integer"))
			return
		}
		limit = parsed
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()
	accounts, err := handler.service.ListAccounts(requestCtx, limit)
	if err != nil {
		handler.respondWithError(ctx, "list accounts failed", err)
		return
	}
	payload := make([]accountPayload, 0, len(accounts))
	for _, account := range accounts {
		payload = append(payload, accountPayload{
			UserID:         account.UserID.String(),
			Remaining:      account.Remaining.Int64(),
			UpdatedUnixUTC: account.UpdatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"accounts": payload})
}

func (handler *creditHandler) respondWithBalance(ctx *gin.Context, userID credits.UserID) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()
	remaining, err := handler.service.Balance(requestCtx, userID)
	if err != nil {
		handler.respondWithError(ctx, "balance fetch failed", err)
		return
	}
	ctx.JSON(http.StatusOK, accountPayload{UserID: userID.String(), Remaining: remaining.Int64()})
}

func (handler *creditHandler) respondWithError(ctx *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, credits.ErrInvalidListLimit):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", err.Error()))
	case errors.Is(err, credits.ErrInvalidCreditDelta):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_delta", err.Error()))
	case errors.Is(err, credits.ErrInvalidUserID):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", err.Error()))
	default:
		handler.logger.Error(message, zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", message))
	}
}

func parseUserParam(ctx *gin.Context) (credits.UserID, bool) {
	userID, err := credits.NewUserID(ctx.Param("user_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", "user id is required"))
		return credits.UserID{}, false
	}
	return userID, true
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
