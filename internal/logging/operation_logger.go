package logging

import (
	"context"

	"github.com/MarkoPoloResearchLab/giftledger/pkg/giftcard"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// OperationLogger adapts a zap logger to giftcard.OperationLogger.
type OperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger returns an OperationLogger; a nil logger discards entries.
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger.Named("giftcard")}
}

func (operationLogger *OperationLogger) LogOperation(ctx context.Context, entry giftcard.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.CardID.IsZero() {
		fields = append(fields, zap.String("card_id", entry.CardID.String()))
	}
	if !entry.Code.IsZero() {
		fields = append(fields, zap.String("code", entry.Code.String()))
	}
	if !entry.SessionID.IsZero() {
		fields = append(fields, zap.String("session_id", entry.SessionID.String()))
	}
	if !entry.OrderID.IsZero() {
		fields = append(fields, zap.String("order_id", entry.OrderID.String()))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount_cents", entry.Amount.Int64()))
	}
	if entry.Affected != 0 {
		fields = append(fields, zap.Int64("affected", entry.Affected))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	operationLogger.logger.Log(levelFor(entry), "gift card operation", fields...)
}

// levelFor keeps client mistakes out of the error stream.
func levelFor(entry giftcard.OperationLog) zapcore.Level {
	if entry.Error == nil {
		return zapcore.InfoLevel
	}
	if giftcard.IsRetryable(entry.Error) {
		return zapcore.ErrorLevel
	}
	return zapcore.WarnLevel
}
