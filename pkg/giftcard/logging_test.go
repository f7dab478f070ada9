package giftcard

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type recorderLogger struct {
	mutex   sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) last(test *testing.T) OperationLog {
	test.Helper()
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	if len(logger.entries) == 0 {
		test.Fatalf("expected log entries")
	}
	return logger.entries[len(logger.entries)-1]
}

func TestServiceLogsCreateOperation(test *testing.T) {
	test.Parallel()
	logger := &recorderLogger{}
	service := mustNewService(test, newStubStore(test), newTestClock(testStartUnixUTC), WithOperationLogger(logger))
	card := mustCreateCard(test, service, 2500, 0)

	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != operationCreate || entry.CardID != card.ID || entry.Code != card.Code || entry.Amount != 2500 {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.Error != nil || entry.Status != operationStatusOK {
		test.Fatalf("expected successful log entry, got %+v", entry)
	}
}

func TestServiceLogsErrorStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.failMethod("WithTx", errors.New("boom"))
	logger := &recorderLogger{}
	service := mustNewService(test, store, newTestClock(testStartUnixUTC), WithOperationLogger(logger))

	_, err := service.RedeemDirect(context.Background(), mustCode(test, "ABCD-EFGH-JKLM-NPQR"), 100, OrderID{})
	if err == nil {
		test.Fatalf("expected error")
	}
	entry := logger.last(test)
	if entry.Operation != operationRedeem || entry.Status != operationStatusError || entry.Error == nil {
		test.Fatalf("expected error log entry, got %+v", entry)
	}
}

func TestServiceLogsConfirmation(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	logger := &recorderLogger{}
	service := mustNewService(test, newStubStore(test), newTestClock(testStartUnixUTC), WithOperationLogger(logger))
	card := mustCreateCard(test, service, 2500, 0)
	sessionID := mustSessionID(test, "logged")
	if _, err := service.HoldForCheckout(ctx, card.Code, sessionID, 1000, 0); err != nil {
		test.Fatalf("hold: %v", err)
	}
	if _, err := service.ConfirmBySession(ctx, sessionID); err != nil {
		test.Fatalf("confirm: %v", err)
	}
	entry := logger.last(test)
	if entry.Operation != operationConfirm || entry.SessionID != sessionID || entry.CardID != card.ID || entry.Amount != 1000 {
		test.Fatalf("unexpected confirm log: %+v", entry)
	}
}
