package logging

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/meetingcredits/pkg/credits"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapOperationLoggerWritesFields(test *testing.T) {
	test.Parallel()
	core, recorded := observer.New(zapcore.InfoLevel)
	operationLogger := NewZapOperationLogger(zap.New(core))

	userID, err := credits.NewUserID("user-1")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	reservationID, err := credits.NewReservationID("R1")
	if err != nil {
		test.Fatalf("reservation id: %v", err)
	}
	operationLogger.LogOperation(context.Background(), credits.OperationLog{
		Operation:     "apply_event",
		UserID:        userID,
		ReservationID: &reservationID,
		Event:         credits.EventInviteeCreated,
		Delta:         -1,
		Remaining:     99,
		Reason:        "inserted",
		Status:        "ok",
	})
	operationLogger.LogOperation(context.Background(), credits.OperationLog{
		Operation: "adjust",
		UserID:    userID,
		Status:    "error",
		Error:     errors.New("boom"),
	})

	entries := recorded.All()
	if len(entries) != 2 {
		test.Fatalf("expected two entries, got %d", len(entries))
	}
	success := entries[0].ContextMap()
	if success["reservation_id"] != "R1" || success["remaining"] != int64(99) || success["delta"] != int64(-1) || success["event"] != "invitee.created" {
		test.Fatalf("unexpected success fields: %v", success)
	}
	if entries[1].Level != zapcore.ErrorLevel || entries[1].ContextMap()["error"] != "boom" {
		test.Fatalf("unexpected failure entry: %+v", entries[1])
	}
}

func TestNilZapLoggerDiscards(test *testing.T) {
	test.Parallel()
	NewZapOperationLogger(nil).LogOperation(context.Background(), credits.OperationLog{Operation: "set"})
}
