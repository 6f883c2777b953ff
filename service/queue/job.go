package queue

// Job types.
const (
	TypeDocumentUpdate = "document-update"
)

// UpdateFields carries the optional field updates of a document-update job.
type UpdateFields struct {
	Title *string `json:"title,omitempty"`
	Body  *string `json:"body,omitempty"`
}

// UpdatePayload is the payload of a document-update job.
type UpdatePayload struct {
	DocumentID  string            `json:"documentId"`
	PrincipalID string            `json:"principalId"`
	Updates     UpdateFields      `json:"updates"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Job is one unit of durable work. It lives in exactly one of the pending
// list, the processing set, or the dead-letter list.
type Job struct {
	ID          string        `json:"jobId"`
	Type        string        `json:"type"`
	Payload     UpdatePayload `json:"payload"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"maxAttempts"`
	BackoffMs   int64         `json:"backoffMs"`
	CreatedAt   int64         `json:"createdAt"`              // epoch ms
	ScheduledFor int64        `json:"scheduledFor,omitempty"` // epoch ms, retry delay

	// set while in the processing set
	ProcessingStartedAt int64 `json:"processingStartedAt,omitempty"`

	// set on permanent failure
	Error    string `json:"error,omitempty"`
	FailedAt int64  `json:"failedAt,omitempty"`
}

// Stats is the queue observability snapshot.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Failed     int64 `json:"failed"`
}
