package model

import "time"

// AuditAction enumerates the lifecycle facts recorded in the audit trail.
type AuditAction string

const (
	ActionUpload AuditAction = "upload"
	ActionAccess AuditAction = "access"
	ActionPrint  AuditAction = "print"
	ActionExpire AuditAction = "expire"
)

// AuditEvent is an immutable, append-only lifecycle fact.
type AuditEvent struct {
	ID            string            `json:"id"`
	Timestamp     time.Time         `json:"timestamp"`
	Action        AuditAction       `json:"action"`
	AccessCode    string            `json:"accessCode"`
	BlobID        string            `json:"blobId"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	PrevSignature string            `json:"prevSignature,omitempty"`
	Signature     string            `json:"signature,omitempty"`
}
