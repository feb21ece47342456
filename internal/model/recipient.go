package model

import (
	"maps"
	"slices"
	"time"
)

type RecipientStatus string

const (
	RecipientPending   RecipientStatus = "pending"
	RecipientSending   RecipientStatus = "sending"
	RecipientSent      RecipientStatus = "sent"
	RecipientDelivered RecipientStatus = "delivered"
	RecipientRead      RecipientStatus = "read"
	RecipientFailed    RecipientStatus = "failed"
)

// Valid reports whether s is one of the known recipient statuses.
func (s RecipientStatus) Valid() bool {
	switch s {
	case RecipientPending, RecipientSending, RecipientSent,
		RecipientDelivered, RecipientRead, RecipientFailed:
		return true
	}
	return false
}

// Dispatched reports whether the dispatcher is done with a recipient in
// status s. Delivery receipts may still move a sent recipient forward.
func (s RecipientStatus) Dispatched() bool {
	switch s {
	case RecipientSent, RecipientDelivered, RecipientRead, RecipientFailed:
		return true
	}
	return false
}

type Recipient struct {
	Phone             string            `json:"phone"`
	Params            []string          `json:"params,omitempty"`
	Vars              map[string]string `json:"vars,omitempty"`
	Status            RecipientStatus   `json:"status"`
	Attempts          int               `json:"attempts"`
	ProviderMessageID string            `json:"providerMessageId,omitempty"`
	LastError         string            `json:"lastError,omitempty"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

func (r Recipient) Clone() Recipient {
	out := r
	out.Params = slices.Clone(r.Params)
	out.Vars = maps.Clone(r.Vars)
	return out
}

// RecipientRef addresses one recipient of one job.
type RecipientRef struct {
	JobID string `json:"jobId"`
	Index int    `json:"index"`
}

// RecipientPatch is a partial update of a single recipient. Nil fields are
// left untouched. An empty LastError clears the field.
type RecipientPatch struct {
	Status            *RecipientStatus
	Attempts          *int
	ProviderMessageID *string
	LastError         *string

	// ExpectStatus makes the patch conditional: it only applies when the
	// recipient's current status is one of these.
	ExpectStatus []RecipientStatus
}

// Allows reports whether the patch's precondition holds for status cur.
func (p RecipientPatch) Allows(cur RecipientStatus) bool {
	return len(p.ExpectStatus) == 0 || slices.Contains(p.ExpectStatus, cur)
}

// Apply mutates r in place if the precondition holds and reports whether it did.
func (p RecipientPatch) Apply(r *Recipient, now time.Time) bool {
	if !p.Allows(r.Status) {
		return false
	}
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.Attempts != nil {
		r.Attempts = *p.Attempts
	}
	if p.ProviderMessageID != nil {
		r.ProviderMessageID = *p.ProviderMessageID
	}
	if p.LastError != nil {
		r.LastError = *p.LastError
	}
	r.UpdatedAt = now
	return true
}

// Ptr returns a pointer to v. Handy for building patches.
func Ptr[T any](v T) *T { return &v }
