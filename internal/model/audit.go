package model

import "time"

// AuditAction classifies an audit event. The set matches the CHECK
// constraint on the audit_logs table.
type AuditAction string

const (
	ActionSign      AuditAction = "sign"
	ActionKeyUpload AuditAction = "key_upload"
	ActionKeyRotate AuditAction = "key_rotate"
)

// ValidAuditAction reports whether a is one of the known actions.
func ValidAuditAction(a AuditAction) bool {
	switch a {
	case ActionSign, ActionKeyUpload, ActionKeyRotate:
		return true
	}
	return false
}

// AuditEvent is one append-only audit record. ErrorCode is empty on
// success; Metadata carries optional structured detail.
type AuditEvent struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	RequestID string         `json:"requestId"`
	Action    AuditAction    `json:"action"`
	Issuer    string         `json:"issuer"`
	Subject   string         `json:"subject"`
	KeyID     string         `json:"keyId"`
	Success   bool           `json:"success"`
	ErrorCode string         `json:"errorCode,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
