package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/MarkoPoloResearchLab/giftledger/pkg/giftcard"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey    = "auth_claims"
	requestIDHeader     = "X-Request-ID"
	requestIDContextKey = "request_id"
	shutdownTimeout     = 5 * time.Second
)

// Ledger is the gift card service surface the HTTP handlers depend on.
type Ledger interface {
	Create(ctx context.Context, request giftcard.CreateCardRequest) (giftcard.GiftCard, error)
	GetByCode(ctx context.Context, code giftcard.Code) (giftcard.GiftCard, error)
	ListAll(ctx context.Context, filter giftcard.CardFilter) ([]giftcard.GiftCard, error)
	CheckCode(ctx context.Context, code giftcard.Code) (giftcard.CodeCheck, error)
	ListTransactions(ctx context.Context, cardID giftcard.CardID, limit int) ([]giftcard.Transaction, error)
	CancelCard(ctx context.Context, code giftcard.Code) (giftcard.GiftCard, error)

	HoldForCheckout(ctx context.Context, code giftcard.Code, sessionID giftcard.SessionID, amount giftcard.AmountCents, ttl time.Duration) (giftcard.Reservation, error)
	CancelReservation(ctx context.Context, sessionID giftcard.SessionID) (bool, error)
	CancelStaleForCard(ctx context.Context, cardID giftcard.CardID, olderThan time.Duration) (int64, error)
	ListActive(ctx context.Context, cardID giftcard.CardID) ([]giftcard.Reservation, error)

	ConfirmBySession(ctx context.Context, sessionID giftcard.SessionID) (*giftcard.Confirmation, error)
	RedeemDirect(ctx context.Context, code giftcard.Code, amount giftcard.AmountCents, orderID giftcard.OrderID) (giftcard.GiftCard, error)
	Refund(ctx context.Context, code giftcard.Code, amount giftcard.AmountCents, orderID giftcard.OrderID) (giftcard.GiftCard, error)

	SweepExpiredReservations(ctx context.Context) (int64, error)
	ReconcileStatuses(ctx context.Context) (int64, error)
}

// Run serves the HTTP surface until ctx is cancelled.
func Run(ctx context.Context, cfg Config, ledger Ledger, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := newHTTPHandler(cfg, ledger, logger)
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newRouter(cfg, handler, sessionValidator),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.ListenAddr))
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

type httpHandler struct {
	logger *zap.Logger
	ledger Ledger
	cfg    Config
	now    func() time.Time
}

func newHTTPHandler(cfg Config, ledger Ledger, logger *zap.Logger) *httpHandler {
	return &httpHandler{
		logger: logger,
		ledger: ledger,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func newRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", requestIDHeader},
		ExposeHeaders:    []string{requestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.GET("/gift-cards/:code", handler.handleCheckCode)
	api.POST("/checkout/holds", handler.handleCreateHold)
	api.DELETE("/checkout/holds/:session_id", handler.handleCancelHold)
	api.POST("/payments/events", handler.handlePaymentEvent)

	admin := api.Group("/admin")
	admin.Use(validator.GinMiddleware(claimsContextKey), requireRole(cfg.AdminRole))
	admin.POST("/gift-cards", handler.handleCreateCard)
	admin.GET("/gift-cards", handler.handleListCards)
	admin.GET("/gift-cards/:code", handler.handleGetCard)
	admin.GET("/gift-cards/:code/transactions", handler.handleListTransactions)
	admin.POST("/gift-cards/:code/redemptions", handler.handleRedeem)
	admin.POST("/gift-cards/:code/refunds", handler.handleRefund)
	admin.POST("/gift-cards/:code/cancel", handler.handleCancelCard)
	admin.GET("/gift-cards/:code/reservations", handler.handleListReservations)
	admin.POST("/gift-cards/:code/reservations/cancel-stale", handler.handleCancelStale)
	admin.POST("/maintenance/sweep", handler.handleSweep)
	admin.POST("/maintenance/reconcile", handler.handleReconcile)

	return router
}

func requestID() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		id := ctx.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		ctx.Set(requestIDContextKey, id)
		ctx.Header(requestIDHeader, id)
		ctx.Next()
	}
}

// requireRole runs after the session middleware and rejects sessions without the role.
func requireRole(role string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(errorUnauthorized, "missing session"))
			return
		}
		if !slices.Contains(claims.GetUserRoles(), role) {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse(errorForbidden, "admin role required"))
			return
		}
		ctx.Next()
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

// respondError writes the error envelope; only server-side failures are logged at error level.
func (handler *httpHandler) respondError(ctx *gin.Context, operation string, err error) {
	status, code := mapError(err)
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("request_id", ctx.GetString(requestIDContextKey)),
		zap.Error(err),
	}
	switch {
	case status >= http.StatusInternalServerError:
		handler.logger.Error("request failed", fields...)
	default:
		handler.logger.Debug("request rejected", fields...)
	}
	message := err.Error()
	switch {
	case status == http.StatusServiceUnavailable:
		message = "service temporarily unavailable"
	case status >= http.StatusInternalServerError:
		message = "internal error"
	}
	if giftcard.IsRetryable(err) {
		ctx.JSON(status, retryableErrorResponse(code, message))
		return
	}
	ctx.JSON(status, errorResponse(code, message))
}
