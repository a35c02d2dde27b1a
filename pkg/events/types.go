// Package events defines the one-way notifications the gateway sends to domain services and
// the publishers that deliver them.
package events

// Event is a one-way notification addressed to a domain's exchange.
type Event interface {
	// Domain is the topology domain owning the receiving exchange.
	Domain() string
	// RoutingKey is the dot-namespaced key the domain handles.
	RoutingKey() string
}

// SessionRevokedEvent asks the auth domain to invalidate a single session.
type SessionRevokedEvent struct {
	UserID       string `json:"userId,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	Timestamp    string `json:"timestamp"`
}

func (e *SessionRevokedEvent) Domain() string     { return "auth" }
func (e *SessionRevokedEvent) RoutingKey() string { return "auth.logout" }

// AllSessionsRevokedEvent asks the auth domain to invalidate every session of a user.
type AllSessionsRevokedEvent struct {
	UserID    string `json:"userId"`
	Timestamp string `json:"timestamp"`
}

func (e *AllSessionsRevokedEvent) Domain() string     { return "auth" }
func (e *AllSessionsRevokedEvent) RoutingKey() string { return "auth.logoutAll" }

// UploadCompletedEvent tells the file domain that the storage system finished an upload.
type UploadCompletedEvent struct {
	ReceiptID   string `json:"receiptId"`
	FileID      string `json:"fileId"`
	Key         string `json:"key"`
	Bucket      string `json:"bucket,omitempty"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType,omitempty"`
	ETag        string `json:"etag,omitempty"`
	Timestamp   string `json:"timestamp"`
}

func (e *UploadCompletedEvent) Domain() string     { return "file" }
func (e *UploadCompletedEvent) RoutingKey() string { return "file.uploadCompleted" }
