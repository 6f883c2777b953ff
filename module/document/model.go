package document

import "time"

// Document is the durable copy of a shared document. The realtime plane
// treats Body as opaque; it is only ever written through the gateway.
type Document struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	OwnerID   string    `gorm:"index;size:64" json:"ownerId"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Collaborator grants a principal write access to a document.
type Collaborator struct {
	DocumentID  string `gorm:"primaryKey;size:64"`
	PrincipalID string `gorm:"primaryKey;size:64"`
}

// EditHistory is an append-only log of applied document updates.
// Appends are best effort; a missed row is acceptable.
type EditHistory struct {
	ID          uint      `gorm:"primaryKey"`
	DocumentID  string    `gorm:"index;size:64"`
	PrincipalID string    `gorm:"size:64"`
	Operation   string    `gorm:"size:32"`
	Version     int64     // epoch ms at apply time
	CreatedAt   time.Time
}
