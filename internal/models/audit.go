/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// AuditAction identifies what a recorded event was about.
type AuditAction string

const (
	AuditActionInvoiceIssued  AuditAction = "invoice_issued"
	AuditActionInvoiceSettled AuditAction = "invoice_settled"
	AuditActionTokenGranted   AuditAction = "token_granted"
	AuditActionNodeConnected  AuditAction = "node_connected"
	AuditActionNodeDetached   AuditAction = "node_detached"
	AuditActionStreamCreated  AuditAction = "stream_created"
	AuditActionStreamDeleted  AuditAction = "stream_deleted"
	AuditActionStreamOffline  AuditAction = "stream_offline"
)

// AuditLog is one recorded domain event. UserID is the acting viewer or
// owner when the event carries one; system-driven events (liveness repairs)
// leave it NULL.
type AuditLog struct {
	ID        string      `gorm:"type:uuid;primaryKey"`
	Timestamp time.Time   `gorm:"index:idx_audit_timestamp;not null"`
	UserID    *string     `gorm:"type:uuid;index:idx_audit_user"`
	StreamID  *string     `gorm:"type:uuid;index:idx_audit_stream"`
	Action    AuditAction `gorm:"type:varchar(64);index:idx_audit_action;not null"`
	// Action-specific leftovers: amounts, payment hashes, provider status.
	Details   map[string]any `gorm:"type:jsonb;serializer:json"`
	CreatedAt time.Time
}

// TableName returns the table name for GORM.
func (AuditLog) TableName() string {
	return "audit_logs"
}
