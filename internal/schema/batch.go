package schema

import (
	"time"

	"github.com/google/uuid"
)

// Batch is one unit of detection work: a set of automation candidates for
// a single organization, submitted together and assessed together.
type Batch struct {
	BatchID     uuid.UUID             `json:"batch_id"`
	OrgID       string                `json:"org_id"`
	Candidates  []AutomationCandidate `json:"candidates"`
	SubmittedAt time.Time             `json:"submitted_at"`
}

// NewBatch creates a batch for one organization's candidates.
func NewBatch(orgID string, candidates []AutomationCandidate) *Batch {
	return &Batch{
		BatchID:     uuid.New(),
		OrgID:       orgID,
		Candidates:  candidates,
		SubmittedAt: time.Now().UTC(),
	}
}

// EventCount returns the total number of events across all candidates.
func (b *Batch) EventCount() int {
	total := 0
	for i := range b.Candidates {
		total += len(b.Candidates[i].Events)
	}
	return total
}

// AllEvents flattens every candidate's events into one slice, for the
// correlation pass that needs the organization's full event set.
func (b *Batch) AllEvents() []Event {
	events := make([]Event, 0, b.EventCount())
	for i := range b.Candidates {
		events = append(events, b.Candidates[i].Events...)
	}
	return events
}
