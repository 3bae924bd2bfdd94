package domain

import "time"

// Idempotency represents the recorded outcome of a previously accepted upload,
// keyed by (client_id, key). A retried upload carrying the same key is answered
// with the receipt created the first time instead of ingesting the file again.
type Idempotency struct {
	ID        string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	ClientID  string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_client_key,priority:1"`
	Key       string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_client_key,priority:2"`
	ReceiptID string    `gorm:"type:TEXT NOT NULL"`
	Status    int       `gorm:"type:INTEGER NOT NULL"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
