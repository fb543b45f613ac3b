// Package audit is the core's write-only hook into the AuditRecord log:
// when the proxy takes a safety action — most notably the budget
// kill-switch — it emits one entry here so the action is visible to the
// administrative collaborator that owns audit viewing and retention.
// Grounded on original_source's services/usage_log.py:log_audit.
package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/database"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/models"
)

type Logger struct {
	db     *database.DB
	logger *zap.Logger
}

func New(db *database.DB, logger *zap.Logger) *Logger {
	return &Logger{db: db, logger: logger}
}

// Emit appends one AuditRecord. A write failure is logged but never
// propagated — the audit trail is best-effort, and an admin action (or
// safety action) that already took effect must not fail the request
// because its log entry couldn't be written.
func (l *Logger) Emit(ctx context.Context, actorOID, action, targetType, targetID string, metadata map[string]any, ipAddress, userAgent string) {
	record := &models.AuditRecord{
		ActorOID:   actorOID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Metadata:   metadata,
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
	}
	if err := l.db.InsertAuditRecord(ctx, record); err != nil && l.logger != nil {
		l.logger.Error("audit_record_insert_failed",
			zap.String("actor_oid", actorOID),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

// KillSwitchTriggered emits the audit entry for a mid-stream budget
// kill-switch activation.
func (l *Logger) KillSwitchTriggered(ctx context.Context, userOID, apiKeyID string, inputTokens, outputTokens int) {
	l.Emit(ctx, userOID, "budget_kill_switch_triggered", "api_key", apiKeyID, map[string]any{
		"input_tokens":  inputTokens,
		"output_tokens": outputTokens,
	}, "", "")
}
