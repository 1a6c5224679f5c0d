package models

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
)

type OperatorStatus string

const (
	OperatorActive   OperatorStatus = "ACTIVE"
	OperatorInactive OperatorStatus = "INACTIVE"
)

func (s OperatorStatus) Valid() bool {
	return s == OperatorActive || s == OperatorInactive
}

// AppealStatus is open-ended: only ACTIVE appeals count against operator
// capacity, every other value is a terminal state owned by the caller.
type AppealStatus string

const (
	AppealActive AppealStatus = "ACTIVE"
	AppealClosed AppealStatus = "CLOSED"
)

type Operator struct {
	ID                 uuid.UUID      `json:"id"`
	Name               string         `json:"name"`
	Status             OperatorStatus `json:"status"`
	ActiveAppealsLimit int            `json:"activeAppealsLimit"`
	CreatedAt          time.Time      `json:"createdAt"`
}

// OperatorLoad is an operator together with its current ACTIVE appeal count.
type OperatorLoad struct {
	Operator
	ActiveAppeals int `json:"activeAppeals"`
}

// HasCapacity reports whether one more ACTIVE appeal fits under the limit.
func (o OperatorLoad) HasCapacity() bool {
	return o.ActiveAppeals < o.ActiveAppealsLimit
}

type LeadSource struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// MaxRoutingFactor matches the 32-bit routing_factor column in Postgres and
// keeps the sum over any eligible set well inside int64.
const MaxRoutingFactor = math.MaxInt32

type LeadSourceOperator struct {
	LeadSourceID  uuid.UUID `json:"leadSourceId"`
	OperatorID    uuid.UUID `json:"operatorId"`
	RoutingFactor int       `json:"routingFactor"`
}

// EligibleOperator is a row of the eligibility query: a locked operator with
// spare capacity and the routing factor of its link to the lead source.
type EligibleOperator struct {
	Operator      Operator
	RoutingFactor int
}

type Appeal struct {
	ID                 uuid.UUID    `json:"id"`
	Status             AppealStatus `json:"status"`
	LeadID             uuid.UUID    `json:"leadId"`
	LeadSourceID       uuid.UUID    `json:"leadSourceId"`
	AssignedOperatorID *uuid.UUID   `json:"assignedOperatorId"`
	CreatedAt          time.Time    `json:"createdAt"`
	UpdatedAt          time.Time    `json:"updatedAt"`
}

func (a Appeal) Assigned() bool {
	return a.AssignedOperatorID != nil
}

const (
	EventAppealCreated       = "appeal.created"
	EventAppealAssigned      = "appeal.assigned"
	EventAppealUnassigned    = "appeal.unassigned"
	EventAppealStatusChanged = "appeal.status_changed"
	EventAppealDeleted       = "appeal.deleted"
)

const (
	StreamPending    = "pending"
	StreamInProgress = "in_progress"
	StreamDone       = "streamed"
	StreamFailed     = "failed"
)

// AppealEvent is an outbox row written in the same unit of work as the
// appeal change it describes.
type AppealEvent struct {
	ID           uuid.UUID       `json:"id"`
	AppealID     uuid.UUID       `json:"appealId"`
	EventType    string          `json:"eventType"`
	Payload      json.RawMessage `json:"payload"`
	StreamStatus string          `json:"streamStatus"`
	Attempts     int             `json:"attempts"`
	ArchivedKey  string          `json:"archivedKey,omitempty"`
	LastError    string          `json:"lastError,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}
