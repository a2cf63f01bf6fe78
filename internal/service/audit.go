package service

import (
	"context"

	"go.uber.org/zap"

	"tokenguard/backend/internal/database"
	"tokenguard/backend/internal/models"
)

// AuditSink consumes the structured record emitted at every terminal state
type AuditSink interface {
	Record(ctx context.Context, record *models.AuditRecord) error
}

// DBAuditSink persists audit records to the database
type DBAuditSink struct {
	db     *database.DB
	logger *zap.Logger
}

// NewDBAuditSink creates a database-backed audit sink
func NewDBAuditSink(db *database.DB, logger *zap.Logger) *DBAuditSink {
	return &DBAuditSink{
		db:     db,
		logger: logger.Named("audit"),
	}
}

// Record appends one audit record
func (s *DBAuditSink) Record(ctx context.Context, record *models.AuditRecord) error {
	if err := s.db.InsertAuditRecord(ctx, record); err != nil {
		s.logger.Error("Failed to persist audit record",
			zap.String("record_id", record.RecordID),
			zap.String("action", record.Action),
			zap.Error(err))
		return err
	}
	return nil
}
