package registry

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/podium-protocol/confidential-records/pkgs/fhe"
)

// RecordState is the position of a record in the confirmation state machine.
type RecordState uint8

const (
	StatePending RecordState = iota
	StateVerified
	StateChallenged
	StateRevoked
)

var stateNames = [...]string{"Pending", "Verified", "Challenged", "Revoked"}

func (s RecordState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("RecordState(%d)", uint8(s))
}

// Decided reports whether the state no longer accepts votes.
func (s RecordState) Decided() bool {
	return s != StatePending
}

func (s RecordState) MarshalText() ([]byte, error) {
	if int(s) >= len(stateNames) {
		return nil, fmt.Errorf("unknown record state %d", uint8(s))
	}
	return []byte(stateNames[s]), nil
}

func (s *RecordState) UnmarshalText(text []byte) error {
	state, err := ParseRecordState(string(text))
	if err != nil {
		return err
	}
	*s = state
	return nil
}

// ParseRecordState accepts the canonical state names.
func ParseRecordState(name string) (RecordState, error) {
	for i, n := range stateNames {
		if n == name {
			return RecordState(i), nil
		}
	}
	return 0, fmt.Errorf("unknown record state %q", name)
}

// Competition is an event whose records are confirmed by a fixed validator set.
// BeginTime and FinishTime are unix seconds; zero means unset.
type Competition struct {
	ID                    uint64           `json:"competitionId"`
	Host                  common.Address   `json:"host"`
	MetadataCID           string           `json:"metadataCid"`
	BeginTime             uint64           `json:"beginTime"`
	FinishTime            uint64           `json:"finishTime"`
	RequiredConfirmations uint32           `json:"requiredConfirmations"`
	Validators            []common.Address `json:"validators"`
	IsActive              bool             `json:"isActive"`
	CreatedAt             time.Time        `json:"createdAt"`
}

// IsValidator reports whether addr belongs to the competition's validator set.
func (c *Competition) IsValidator(addr common.Address) bool {
	for _, v := range c.Validators {
		if v == addr {
			return true
		}
	}
	return false
}

func (c Competition) clone() Competition {
	c.Validators = append([]common.Address(nil), c.Validators...)
	return c
}

// Record is a participant's encrypted result. Time and rank are only ever
// held as ciphertext handles. Revision starts at 1 on upload and grows by one
// with every vote and revocation.
type Record struct {
	ID                uint64           `json:"recordId"`
	CompetitionID     uint64           `json:"competitionId"`
	ParticipantID     string           `json:"participantId"`
	ParticipantWallet common.Address   `json:"participantWallet"`
	Recorder          common.Address   `json:"recorder"`
	EncryptedTime     fhe.Handle       `json:"encryptedTime"`
	EncryptedRank     fhe.Handle       `json:"encryptedRank"`
	RecordCID         string           `json:"recordCid"`
	State             RecordState      `json:"state"`
	CreatedAt         time.Time        `json:"createdAt"`
	ValidationCount   uint32           `json:"validationCount"`
	Voters            []common.Address `json:"voters"`
	RevokedBy         common.Address   `json:"revokedBy,omitempty"`
	RevokeReason      string           `json:"revokeReason,omitempty"`
	Revision          uint64           `json:"revision"`
}

// HasVoted reports whether validator already voted on the record.
func (r *Record) HasVoted(validator common.Address) bool {
	for _, v := range r.Voters {
		if v == validator {
			return true
		}
	}
	return false
}

func (r Record) clone() Record {
	r.Voters = append([]common.Address(nil), r.Voters...)
	return r
}

// Vote is one validator's decision on a record.
type Vote struct {
	Validator   common.Address `json:"validator"`
	RecordID    uint64         `json:"recordId"`
	Approved    bool           `json:"approved"`
	EvidenceCID string         `json:"evidenceCid,omitempty"`
	CastAt      time.Time      `json:"castAt"`
}

// VoteResult describes the record after a vote was applied.
type VoteResult struct {
	RecordID        uint64      `json:"recordId"`
	State           RecordState `json:"state"`
	ValidationCount uint32      `json:"validationCount"`
	Revision        uint64      `json:"revision"`
	// Decided is true when this vote moved the record out of Pending.
	Decided bool `json:"decided"`
	// Record is the snapshot taken when the vote was committed.
	Record Record `json:"-"`
}

// RegisterCompetitionInput carries the immutable parameters of a competition.
type RegisterCompetitionInput struct {
	MetadataCID           string           `json:"metadataCid"`
	BeginTime             uint64           `json:"beginTime"`
	FinishTime            uint64           `json:"finishTime"`
	RequiredConfirmations uint32           `json:"requiredConfirmations"`
	Validators            []common.Address `json:"validators"`
}

// UploadRecordInput carries a recorder's submission. Each handle is
// accompanied by the proof the encryption service issued for it.
type UploadRecordInput struct {
	CompetitionID     uint64         `json:"competitionId"`
	ParticipantID     string         `json:"participantId"`
	ParticipantWallet common.Address `json:"participantWallet"`
	EncryptedTime     fhe.Handle     `json:"encryptedTime"`
	TimeProof         []byte         `json:"timeProof"`
	EncryptedRank     fhe.Handle     `json:"encryptedRank"`
	RankProof         []byte         `json:"rankProof"`
	RecordCID         string         `json:"recordCid"`
}
