package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/giftledger/pkg/giftcard"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	paymentSignatureHeader = "Payment-Signature"
	signatureTimestampKey  = "t"
	signatureVersionKey    = "v1"
	maxWebhookBodyBytes    = 1 << 20

	eventCheckoutCompleted = "checkout.session.completed"
	eventCheckoutExpired   = "checkout.session.expired"

	outcomeConfirmed = "confirmed"
	outcomeCancelled = "cancelled"
	outcomeNoop      = "noop"
	outcomeIgnored   = "ignored"
)

var (
	errSignatureMissing   = errors.New("signature header missing")
	errSignatureMalformed = errors.New("signature header malformed")
	errSignatureStale     = errors.New("signature timestamp outside tolerance")
	errSignatureMismatch  = errors.New("signature mismatch")
)

func (handler *httpHandler) handlePaymentEvent(ctx *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, "unreadable body"))
		return
	}
	if err := verifySignature(ctx.GetHeader(paymentSignatureHeader), body, []byte(handler.cfg.WebhookSecret), handler.now(), handler.cfg.WebhookTolerance); err != nil {
		handler.logger.Warn("payment event rejected", zap.String("request_id", ctx.GetString(requestIDContextKey)), zap.Error(err))
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorInvalidSignature, err.Error()))
		return
	}
	var event paymentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, "expected JSON body"))
		return
	}

	outcome, err := handler.applyPaymentEvent(ctx, event)
	if err != nil {
		handler.respondError(ctx, "payment_event", err)
		return
	}
	handler.logger.Info("payment event processed",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.String("outcome", outcome),
	)
	ctx.JSON(http.StatusOK, gin.H{"received": true, "outcome": outcome})
}

func (handler *httpHandler) applyPaymentEvent(ctx *gin.Context, event paymentEvent) (string, error) {
	if event.Type != eventCheckoutCompleted && event.Type != eventCheckoutExpired {
		return outcomeIgnored, nil
	}
	sessionID, err := giftcard.NewSessionID(event.Data.SessionID)
	if err != nil {
		return "", err
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	if event.Type == eventCheckoutCompleted {
		confirmation, err := handler.ledger.ConfirmBySession(requestCtx, sessionID)
		if err != nil {
			return "", err
		}
		if confirmation == nil {
			return outcomeNoop, nil
		}
		return outcomeConfirmed, nil
	}
	cancelled, err := handler.ledger.CancelReservation(requestCtx, sessionID)
	if err != nil {
		return "", err
	}
	if !cancelled {
		return outcomeNoop, nil
	}
	return outcomeCancelled, nil
}

// verifySignature checks a "t=<unix>,v1=<hex>" header signed over "<t>.<body>" with HMAC-SHA256.
func verifySignature(header string, body []byte, secret []byte, now time.Time, tolerance time.Duration) error {
	if strings.TrimSpace(header) == "" {
		return errSignatureMissing
	}
	var timestamp string
	signatures := make([][]byte, 0, 1)
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return errSignatureMalformed
		}
		switch key {
		case signatureTimestampKey:
			timestamp = value
		case signatureVersionKey:
			decoded, err := hex.DecodeString(value)
			if err != nil {
				return errSignatureMalformed
			}
			signatures = append(signatures, decoded)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return errSignatureMalformed
	}
	signedAt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return errSignatureMalformed
	}
	age := now.Sub(time.Unix(signedAt, 0))
	if age > tolerance || age < -tolerance {
		return errSignatureStale
	}
	expected := computeSignature(secret, timestamp, body)
	for _, signature := range signatures {
		if hmac.Equal(signature, expected) {
			return nil
		}
	}
	return errSignatureMismatch
}

func computeSignature(secret []byte, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignPayload renders a signature header for body; payment providers and tests use the same format.
func SignPayload(secret []byte, signedAt time.Time, body []byte) string {
	timestamp := strconv.FormatInt(signedAt.Unix(), 10)
	return fmt.Sprintf("%s=%s,%s=%s", signatureTimestampKey, timestamp, signatureVersionKey, hex.EncodeToString(computeSignature(secret, timestamp, body)))
}
