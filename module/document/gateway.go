package document

import "context"

// EditRecord is one history append.
type EditRecord struct {
	DocumentID  string
	PrincipalID string
	Operation   string
	Version     int64
}

// Gateway is the durable side the realtime core writes through.
// Implementations signal outcomes through the errs kinds: not-found,
// access-denied, or transient; anything transient is retryable upstream.
type Gateway interface {
	// GetVisible returns the document if the principal may read it.
	GetVisible(ctx context.Context, documentID, principalID string) (*Document, error)
	// Update applies the non-nil fields as the principal and returns the
	// final document state.
	Update(ctx context.Context, documentID, principalID string, title, body *string) (*Document, error)
	// AppendHistory records an applied update.
	AppendHistory(ctx context.Context, rec EditRecord) error
	// CanEdit returns nil when the principal may write the document.
	CanEdit(ctx context.Context, principalID, documentID string) error
}
