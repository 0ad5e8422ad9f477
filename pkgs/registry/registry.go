package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/podium-protocol/confidential-records/pkgs/fhe"
	"github.com/podium-protocol/confidential-records/pkgs/protocol"
	log "github.com/sirupsen/logrus"
)

// MaxPageSize caps a single FetchRecordsByCompetition page.
const MaxPageSize = 50

// ProofVerifier checks that a ciphertext handle was produced by the encryption
// service for contract on behalf of submitter. *fhe.Gateway satisfies it.
type ProofVerifier interface {
	VerifyInput(ctx context.Context, handle fhe.Handle, proof []byte, contract, submitter common.Address, width fhe.Width) error
}

// Config configures a Registry.
type Config struct {
	// Contract is the address ciphertext proofs must be bound to.
	Contract common.Address
	// Authority may revoke records in any competition.
	Authority common.Address
	Verifier  ProofVerifier
	Clock     func() time.Time
}

type recordEntry struct {
	mu     sync.Mutex
	record Record
	votes  []Vote
}

func (e *recordEntry) snapshot() Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.clone()
}

// Registry owns competitions and records. Competition data and id allocation
// are guarded by mu; each record carries its own lock for vote tallying.
type Registry struct {
	contract  common.Address
	authority common.Address
	verifier  ProofVerifier
	clock     func() time.Time

	mu              sync.RWMutex
	competitions    map[uint64]*Competition
	records         map[uint64]*recordEntry
	byCompetition   map[uint64][]uint64
	nextCompetition uint64
	nextRecord      uint64
}

// New creates an empty registry. Ids start at 1.
func New(cfg Config) (*Registry, error) {
	if cfg.Verifier == nil {
		return nil, protocol.E(protocol.KindInvalidConfiguration, "newRegistry", "proof verifier is required")
	}
	if protocol.IsZero(cfg.Contract) {
		return nil, protocol.E(protocol.KindInvalidConfiguration, "newRegistry", "registry contract address is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Registry{
		contract:        cfg.Contract,
		authority:       cfg.Authority,
		verifier:        cfg.Verifier,
		clock:           cfg.Clock,
		competitions:    make(map[uint64]*Competition),
		records:         make(map[uint64]*recordEntry),
		byCompetition:   make(map[uint64][]uint64),
		nextCompetition: 1,
		nextRecord:      1,
	}, nil
}

// Contract returns the address ciphertexts are bound to.
func (r *Registry) Contract() common.Address {
	return r.contract
}

// Authority returns the registry-wide revocation authority, if any.
func (r *Registry) Authority() common.Address {
	return r.authority
}

// RegisterCompetition validates in and stores an active competition hosted by caller.
func (r *Registry) RegisterCompetition(ctx context.Context, caller common.Address, in RegisterCompetitionInput) (uint64, error) {
	const op = "registerCompetition"
	if err := ctx.Err(); err != nil {
		return 0, protocol.FromContext(op, err)
	}
	if protocol.IsZero(caller) {
		return 0, protocol.E(protocol.KindUnauthorized, op, "caller identity is required")
	}
	if err := validateCompetition(in); err != nil {
		return 0, protocol.Wrap(protocol.KindInvalidConfiguration, op, err)
	}

	c := &Competition{
		Host:                  caller,
		MetadataCID:           in.MetadataCID,
		BeginTime:             in.BeginTime,
		FinishTime:            in.FinishTime,
		RequiredConfirmations: in.RequiredConfirmations,
		Validators:            append([]common.Address(nil), in.Validators...),
		IsActive:              true,
		CreatedAt:             r.clock(),
	}

	r.mu.Lock()
	c.ID = r.nextCompetition
	r.nextCompetition++
	r.competitions[c.ID] = c
	r.mu.Unlock()

	log.WithFields(log.Fields{
		"competitionId": c.ID,
		"host":          caller.Hex(),
		"threshold":     c.RequiredConfirmations,
		"validators":    len(c.Validators),
	}).Info("Competition registered")

	return c.ID, nil
}

func validateCompetition(in RegisterCompetitionInput) error {
	switch {
	case strings.TrimSpace(in.MetadataCID) == "":
		return fmt.Errorf("metadata CID is required")
	case in.RequiredConfirmations < 1:
		return fmt.Errorf("required confirmations must be at least 1")
	case int(in.RequiredConfirmations) > len(in.Validators):
		return fmt.Errorf("required confirmations %d exceeds %d validators", in.RequiredConfirmations, len(in.Validators))
	case in.FinishTime != 0 && in.FinishTime < in.BeginTime:
		return fmt.Errorf("finish time %d precedes begin time %d", in.FinishTime, in.BeginTime)
	}

	seen := make(map[common.Address]struct{}, len(in.Validators))
	for _, v := range in.Validators {
		if protocol.IsZero(v) {
			return fmt.Errorf("zero address is not a valid validator")
		}
		if _, dup := seen[v]; dup {
			return fmt.Errorf("duplicate validator %s", v.Hex())
		}
		seen[v] = struct{}{}
	}
	return nil
}

// SetActive opens or closes a competition for new records. Host only.
func (r *Registry) SetActive(ctx context.Context, caller common.Address, competitionID uint64, active bool) error {
	const op = "setActive"
	if err := ctx.Err(); err != nil {
		return protocol.FromContext(op, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.competitions[competitionID]
	if !ok {
		return protocol.E(protocol.KindNotFound, op, "competition %d", competitionID)
	}
	if c.Host != caller {
		return protocol.E(protocol.KindUnauthorized, op, "%s is not the host of competition %d", caller.Hex(), competitionID)
	}
	c.IsActive = active

	log.WithFields(log.Fields{
		"competitionId": competitionID,
		"active":        active,
	}).Info("Competition status changed")
	return nil
}

// UploadRecord stores a Pending record submitted by caller. Both proofs must
// verify against the caller and the registry contract.
func (r *Registry) UploadRecord(ctx context.Context, caller common.Address, in UploadRecordInput) (uint64, error) {
	const op = "uploadRecord"
	if err := ctx.Err(); err != nil {
		return 0, protocol.FromContext(op, err)
	}

	r.mu.RLock()
	c, ok := r.competitions[in.CompetitionID]
	active := ok && c.IsActive
	r.mu.RUnlock()
	if !ok {
		return 0, protocol.E(protocol.KindNotFound, op, "competition %d", in.CompetitionID)
	}
	if !active {
		return 0, protocol.E(protocol.KindCompetitionInactive, op, "competition %d is not accepting records", in.CompetitionID)
	}
	if strings.TrimSpace(in.RecordCID) == "" {
		return 0, protocol.E(protocol.KindInvalidConfiguration, op, "record CID is required")
	}
	if protocol.IsZero(in.ParticipantWallet) {
		return 0, protocol.E(protocol.KindInvalidConfiguration, op, "participant wallet is required")
	}

	if err := r.verifyProof(ctx, op, in.EncryptedTime, in.TimeProof, caller, fhe.Uint64); err != nil {
		return 0, err
	}
	if err := r.verifyProof(ctx, op, in.EncryptedRank, in.RankProof, caller, fhe.Uint32); err != nil {
		return 0, err
	}

	rec := Record{
		CompetitionID:     in.CompetitionID,
		ParticipantID:     in.ParticipantID,
		ParticipantWallet: in.ParticipantWallet,
		Recorder:          caller,
		EncryptedTime:     in.EncryptedTime,
		EncryptedRank:     in.EncryptedRank,
		RecordCID:         in.RecordCID,
		State:             StatePending,
		CreatedAt:         r.clock(),
		Revision:          1,
	}

	r.mu.Lock()
	// The competition may have been closed while proofs were checked.
	if !r.competitions[in.CompetitionID].IsActive {
		r.mu.Unlock()
		return 0, protocol.E(protocol.KindCompetitionInactive, op, "competition %d is not accepting records", in.CompetitionID)
	}
	rec.ID = r.nextRecord
	r.nextRecord++
	r.records[rec.ID] = &recordEntry{record: rec}
	r.byCompetition[rec.CompetitionID] = append(r.byCompetition[rec.CompetitionID], rec.ID)
	r.mu.Unlock()

	log.WithFields(log.Fields{
		"recordId":      rec.ID,
		"competitionId": rec.CompetitionID,
		"recorder":      caller.Hex(),
		"participant":   rec.ParticipantWallet.Hex(),
	}).Info("Record uploaded")

	return rec.ID, nil
}

func (r *Registry) verifyProof(ctx context.Context, op string, handle fhe.Handle, proof []byte, submitter common.Address, width fhe.Width) error {
	if handle.IsZero() || len(proof) == 0 {
		return protocol.E(protocol.KindInvalidCiphertext, op, "missing %d-bit ciphertext or proof", width)
	}
	err := r.verifier.VerifyInput(ctx, handle, proof, r.contract, submitter, width)
	if err == nil {
		return nil
	}
	if protocol.Retryable(err) {
		return err
	}
	if protocol.KindOf(err) == protocol.KindInvalidCiphertext {
		return err
	}
	return protocol.Wrap(protocol.KindInvalidCiphertext, op, err)
}

// FetchRecord returns a snapshot of the record.
func (r *Registry) FetchRecord(ctx context.Context, recordID uint64) (Record, error) {
	e, err := r.entry(recordID)
	if err != nil {
		return Record{}, err
	}
	return e.snapshot(), nil
}

// FetchRecordsByCompetition returns up to count records of a competition in
// ascending id order starting at the start-th one. A start past the end
// yields an empty page.
func (r *Registry) FetchRecordsByCompetition(ctx context.Context, competitionID uint64, start, count int) ([]Record, error) {
	const op = "fetchRecordsByCompetition"
	if start < 0 || count < 0 {
		return nil, protocol.E(protocol.KindInvalidConfiguration, op, "negative page bounds")
	}
	if count > MaxPageSize {
		count = MaxPageSize
	}

	r.mu.RLock()
	if _, ok := r.competitions[competitionID]; !ok {
		r.mu.RUnlock()
		return nil, protocol.E(protocol.KindNotFound, op, "competition %d", competitionID)
	}
	ids := r.byCompetition[competitionID]
	if start >= len(ids) || count == 0 {
		r.mu.RUnlock()
		return []Record{}, nil
	}
	end := start + count
	if end > len(ids) {
		end = len(ids)
	}
	entries := make([]*recordEntry, 0, end-start)
	for _, id := range ids[start:end] {
		entries = append(entries, r.records[id])
	}
	r.mu.RUnlock()

	page := make([]Record, len(entries))
	for i, e := range entries {
		page[i] = e.snapshot()
	}
	return page, nil
}

// CountRecords returns the number of records submitted to a competition.
func (r *Registry) CountRecords(competitionID uint64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byCompetition[competitionID])
}

// NextCompetitionID is the id the next competition will receive. Existing
// competitions are exactly 1..NextCompetitionID()-1.
func (r *Registry) NextCompetitionID() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextCompetition
}

// NextRecordID is the id the next record will receive.
func (r *Registry) NextRecordID() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextRecord
}

// CompetitionByID returns a snapshot of the competition.
func (r *Registry) CompetitionByID(id uint64) (Competition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.competitions[id]
	if !ok {
		return Competition{}, protocol.E(protocol.KindNotFound, "competitionById", "competition %d", id)
	}
	return c.clone(), nil
}

// ListCompetitions returns every competition, newest first.
func (r *Registry) ListCompetitions() []Competition {
	r.mu.RLock()
	out := make([]Competition, 0, len(r.competitions))
	for _, c := range r.competitions {
		out = append(out, c.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

func (r *Registry) entry(recordID uint64) (*recordEntry, error) {
	r.mu.RLock()
	e, ok := r.records[recordID]
	r.mu.RUnlock()
	if !ok {
		return nil, protocol.E(protocol.KindNotFound, "fetchRecord", "record %d", recordID)
	}
	return e, nil
}

// entryWithCompetition resolves a record and a snapshot of its competition.
func (r *Registry) entryWithCompetition(op string, recordID uint64) (*recordEntry, Competition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.records[recordID]
	if !ok {
		return nil, Competition{}, protocol.E(protocol.KindNotFound, op, "record %d", recordID)
	}
	// Competition ids on records are immutable and competitions are never deleted.
	return e, r.competitions[e.record.CompetitionID].clone(), nil
}
