package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being emitted
type EventType string

const (
	// Competition lifecycle events
	EventCompetitionRegistered    EventType = "competition_registered"
	EventCompetitionStatusChanged EventType = "competition_status_changed"

	// Record events
	EventRecordUploaded   EventType = "record_uploaded"
	EventVoteCast         EventType = "vote_cast"
	EventRecordVerified   EventType = "record_verified"
	EventRecordChallenged EventType = "record_challenged"
	EventRecordRevoked    EventType = "record_revoked"

	// Certificate events
	EventCertificateIssued EventType = "certificate_issued"

	// Confidential access events
	EventDecryptionServed EventType = "decryption_served"
)

// AllEventTypes lists every event the registry emits, in lifecycle order.
var AllEventTypes = []EventType{
	EventCompetitionRegistered,
	EventCompetitionStatusChanged,
	EventRecordUploaded,
	EventVoteCast,
	EventRecordVerified,
	EventRecordChallenged,
	EventRecordRevoked,
	EventCertificateIssued,
	EventDecryptionServed,
}

// Family groups event types onto a shared publish channel.
func (t EventType) Family() string {
	switch t {
	case EventCompetitionRegistered, EventCompetitionStatusChanged:
		return "competition"
	case EventRecordUploaded, EventRecordVerified, EventRecordChallenged, EventRecordRevoked:
		return "record"
	case EventVoteCast:
		return "vote"
	case EventCertificateIssued:
		return "certificate"
	case EventDecryptionServed:
		return "access"
	default:
		return "misc"
	}
}

// EventSeverity indicates the importance/severity of an event
type EventSeverity string

const (
	SeverityDebug   EventSeverity = "debug"
	SeverityInfo    EventSeverity = "info"
	SeverityWarning EventSeverity = "warning"
	SeverityError   EventSeverity = "error"
)

// Event represents a system event with metadata and payload
type Event struct {
	ID        string        `json:"id"`
	Type      EventType     `json:"type"`
	Severity  EventSeverity `json:"severity"`
	Timestamp time.Time     `json:"timestamp"`

	Component string `json:"component"`
	ChainID   int64  `json:"chain_id,omitempty"`
	Registry  string `json:"registry,omitempty"` // registry contract address
	NodeID    string `json:"node_id,omitempty"`

	Payload json.RawMessage `json:"payload"`

	CompetitionID uint64            `json:"competition_id,omitempty"`
	RecordID      uint64            `json:"record_id,omitempty"`
	Actor         string            `json:"actor,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// CompetitionEventPayload describes a registered or toggled competition.
type CompetitionEventPayload struct {
	CompetitionID         uint64   `json:"competition_id"`
	Host                  string   `json:"host"`
	MetadataCID           string   `json:"metadata_cid,omitempty"`
	BeginTime             uint64   `json:"begin_time,omitempty"`
	FinishTime            uint64   `json:"finish_time,omitempty"`
	RequiredConfirmations uint32   `json:"required_confirmations,omitempty"`
	Validators            []string `json:"validators,omitempty"`
	IsActive              bool     `json:"is_active"`
}

// RecordEventPayload is a snapshot of a record after a state change. Only
// ciphertext handles are carried, never cleartext.
type RecordEventPayload struct {
	RecordID          uint64 `json:"record_id"`
	CompetitionID     uint64 `json:"competition_id"`
	ParticipantID     string `json:"participant_id"`
	ParticipantWallet string `json:"participant_wallet"`
	Recorder          string `json:"recorder"`
	EncryptedTime     string `json:"encrypted_time"`
	EncryptedRank     string `json:"encrypted_rank"`
	RecordCID         string `json:"record_cid"`
	State             string `json:"state"`
	ValidationCount   uint32 `json:"validation_count"`
	CreatedAt         int64  `json:"created_at"`
	Reason            string `json:"reason,omitempty"` // revocation reason
	Revision          uint64 `json:"revision,omitempty"`
}

// VoteEventPayload describes a single applied vote.
type VoteEventPayload struct {
	RecordID        uint64 `json:"record_id"`
	CompetitionID   uint64 `json:"competition_id"`
	Validator       string `json:"validator"`
	Approved        bool   `json:"approved"`
	EvidenceCID     string `json:"evidence_cid,omitempty"`
	ValidationCount uint32 `json:"validation_count"`
	State           string `json:"state"`
	Revision        uint64 `json:"revision,omitempty"`
}

// CertificateEventPayload describes a minted certificate.
type CertificateEventPayload struct {
	TokenID       uint64 `json:"token_id"`
	RecordID      uint64 `json:"record_id"`
	CompetitionID uint64 `json:"competition_id"`
	Owner         string `json:"owner"`
	Issuer        string `json:"issuer"`
}

// DecryptionEventPayload records who viewed a record's confidential fields.
type DecryptionEventPayload struct {
	RecordID uint64 `json:"record_id"`
	Viewer   string `json:"viewer"`
	Role     string `json:"role"`
	Handles  int    `json:"handles"`
}

// EventHandler is called when an event is emitted
type EventHandler func(event *Event)

// EventFilter can be used to filter events before processing
type EventFilter func(event *Event) bool

// Subscriber represents an event subscriber with optional filtering
type Subscriber struct {
	ID      string
	Handler EventHandler
	Filter  EventFilter
	Types   []EventType // Subscribe to specific event types only
}

// wants reports whether event passes the subscriber's type set and filter
func (s *Subscriber) wants(event *Event) bool {
	if len(s.Types) > 0 {
		matched := false
		for _, t := range s.Types {
			if t == event.Type {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return s.Filter == nil || s.Filter(event)
}

// String returns a string representation of the event
func (e *Event) String() string {
	return fmt.Sprintf("[%s] %s: %s (component=%s, competition=%d, record=%d)",
		e.Timestamp.Format(time.RFC3339),
		e.Severity,
		e.Type,
		e.Component,
		e.CompetitionID,
		e.RecordID,
	)
}

// ToJSON serializes the event to JSON
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// DecodePayload unmarshals the event payload into v.
func (e *Event) DecodePayload(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// NewEvent creates a new event with the given parameters
func NewEvent(eventType EventType, severity EventSeverity, component string, payload interface{}) (*Event, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	return &Event{
		ID:        "evt_" + uuid.NewString(),
		Type:      eventType,
		Severity:  severity,
		Timestamp: time.Now().UTC(),
		Component: component,
		Payload:   payloadBytes,
		Metadata:  make(map[string]string),
	}, nil
}
