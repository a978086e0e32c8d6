// Package logging adapts credits operation callbacks to zap.
package logging

import (
	"context"

	"github.com/MarkoPoloResearchLab/meetingcredits/pkg/credits"
	"go.uber.org/zap"
)

// ZapOperationLogger writes credits.OperationLog entries as structured log lines.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps logger; a nil logger discards entries.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

// LogOperation implements credits.OperationLogger.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("user_id", entry.UserID.String()),
	}
	if entry.ReservationID != nil {
		fields = append(fields, zap.String("reservation_id", entry.ReservationID.String()))
	}
	if entry.Event != "" {
		fields = append(fields, zap.String("event", entry.Event.String()))
	}
	if entry.Reason != "" {
		fields = append(fields, zap.String("reason", entry.Reason))
	}
	if entry.Delta != 0 {
		fields = append(fields, zap.Int64("delta", entry.Delta.Int64()))
	}
	if entry.Error != nil {
		operationLogger.logger.Error("credits operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	fields = append(fields, zap.Int64("remaining", entry.Remaining.Int64()))
	operationLogger.logger.Info("credits operation", fields...)
}
