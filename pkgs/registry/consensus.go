package registry

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/podium-protocol/confidential-records/pkgs/protocol"
	log "github.com/sirupsen/logrus"
)

// ValidateRecord applies caller's vote to a Pending record. Checks run in a
// fixed order: record existence, validator membership, duplicate vote, then
// state. The tally and the threshold check happen under the record's lock.
//
// A single rejection moves the record to Challenged. Reaching the
// competition's confirmation threshold moves it to Verified. Both are final
// for voting.
func (r *Registry) ValidateRecord(ctx context.Context, caller common.Address, recordID uint64, approved bool, evidenceCID string) (VoteResult, error) {
	const op = "validateRecord"
	if err := ctx.Err(); err != nil {
		return VoteResult{}, protocol.FromContext(op, err)
	}

	e, comp, err := r.entryWithCompetition(op, recordID)
	if err != nil {
		return VoteResult{}, err
	}
	if !comp.IsValidator(caller) {
		return VoteResult{}, protocol.E(protocol.KindUnauthorized, op, "%s is not a validator of competition %d", caller.Hex(), comp.ID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec := &e.record
	if rec.HasVoted(caller) {
		return VoteResult{}, protocol.E(protocol.KindAlreadyVoted, op, "%s already voted on record %d", caller.Hex(), recordID)
	}
	if rec.State != StatePending {
		return VoteResult{}, protocol.E(protocol.KindRecordNotPending, op, "record %d is %s", recordID, rec.State)
	}

	rec.Voters = append(rec.Voters, caller)
	rec.Revision++
	if approved {
		rec.ValidationCount++
	}
	e.votes = append(e.votes, Vote{
		Validator:   caller,
		RecordID:    recordID,
		Approved:    approved,
		EvidenceCID: strings.TrimSpace(evidenceCID),
		CastAt:      r.clock(),
	})

	switch {
	case rec.ValidationCount >= comp.RequiredConfirmations:
		rec.State = StateVerified
	case !approved:
		rec.State = StateChallenged
	}

	result := VoteResult{
		RecordID:        recordID,
		State:           rec.State,
		ValidationCount: rec.ValidationCount,
		Revision:        rec.Revision,
		Decided:         rec.State.Decided(),
		Record:          rec.clone(),
	}

	fields := log.Fields{
		"recordId":        recordID,
		"validator":       caller.Hex(),
		"approved":        approved,
		"validationCount": rec.ValidationCount,
		"threshold":       comp.RequiredConfirmations,
	}
	if result.Decided {
		log.WithFields(fields).Infof("Record %s", rec.State)
	} else {
		log.WithFields(fields).Debug("Vote recorded")
	}

	return result, nil
}

// Votes returns the votes cast on a record in the order they were applied.
func (r *Registry) Votes(recordID uint64) ([]Vote, error) {
	e, err := r.entry(recordID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Vote(nil), e.votes...), nil
}

// RevokeRecord withdraws a decided record. Only the competition host or the
// registry authority may revoke, and only a Verified or Challenged record.
func (r *Registry) RevokeRecord(ctx context.Context, caller common.Address, recordID uint64, reason string) (Record, error) {
	const op = "revokeRecord"
	if err := ctx.Err(); err != nil {
		return Record{}, protocol.FromContext(op, err)
	}

	e, comp, err := r.entryWithCompetition(op, recordID)
	if err != nil {
		return Record{}, err
	}
	if !r.mayRevoke(caller, comp) {
		return Record{}, protocol.E(protocol.KindUnauthorized, op, "%s may not revoke records of competition %d", caller.Hex(), comp.ID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec := &e.record
	if rec.State != StateVerified && rec.State != StateChallenged {
		return Record{}, protocol.E(protocol.KindInvalidTransition, op, "record %d is %s", recordID, rec.State)
	}
	rec.State = StateRevoked
	rec.Revision++
	rec.RevokedBy = caller
	rec.RevokeReason = strings.TrimSpace(reason)

	log.WithFields(log.Fields{
		"recordId": recordID,
		"by":       caller.Hex(),
		"reason":   rec.RevokeReason,
	}).Warn("Record revoked")

	return rec.clone(), nil
}

func (r *Registry) mayRevoke(caller common.Address, comp Competition) bool {
	if protocol.IsZero(caller) {
		return false
	}
	return caller == comp.Host || caller == r.authority
}
