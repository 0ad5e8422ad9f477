package lifecycle

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/podium-protocol/confidential-records/pkgs/certificate"
	customcrypto "github.com/podium-protocol/confidential-records/pkgs/crypto"
	"github.com/podium-protocol/confidential-records/pkgs/events"
	"github.com/podium-protocol/confidential-records/pkgs/fhe"
	"github.com/podium-protocol/confidential-records/pkgs/ipfs"
	"github.com/podium-protocol/confidential-records/pkgs/metrics"
	"github.com/podium-protocol/confidential-records/pkgs/protocol"
	"github.com/podium-protocol/confidential-records/pkgs/registry"
	log "github.com/sirupsen/logrus"
)

// Roles allowed to decrypt a record's confidential fields.
const (
	RoleParticipant = "participant"
	RoleRecorder    = "recorder"
	RoleHost        = "host"
)

// Config wires the service's collaborators. Emitter, Metrics and Evidence are
// optional. MaxValidityDays caps the lifetime of a decryption authorization;
// zero leaves it uncapped.
type Config struct {
	Gateway         *fhe.Gateway
	Registry        *registry.Registry
	Certificates    *certificate.Authority
	Emitter         *events.Emitter
	Metrics         *metrics.Metrics
	Evidence        ipfs.Store
	MaxValidityDays int64
}

// Service composes the registry, the encryption gateway and the certificate
// authority and reports every state change as an event.
type Service struct {
	gateway  *fhe.Gateway
	registry *registry.Registry
	certs    *certificate.Authority
	emitter  *events.Emitter
	metrics  *metrics.Metrics
	evidence ipfs.Store
	maxDays  int64
}

// New validates cfg and builds a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Gateway == nil || cfg.Registry == nil || cfg.Certificates == nil {
		return nil, fmt.Errorf("lifecycle: gateway, registry and certificate authority are required")
	}
	return &Service{
		gateway:  cfg.Gateway,
		registry: cfg.Registry,
		certs:    cfg.Certificates,
		emitter:  cfg.Emitter,
		metrics:  cfg.Metrics,
		evidence: cfg.Evidence,
		maxDays:  cfg.MaxValidityDays,
	}, nil
}

// Registry exposes the underlying registry for reads.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Certificates exposes the certificate authority for reads.
func (s *Service) Certificates() *certificate.Authority { return s.certs }

// Gateway exposes the encryption gateway.
func (s *Service) Gateway() *fhe.Gateway { return s.gateway }

// SubmitRecordInput carries cleartext fields that are encrypted before upload.
type SubmitRecordInput struct {
	CompetitionID     uint64
	ParticipantID     string
	ParticipantWallet common.Address
	TimeMs            uint64
	Rank              uint32
	RecordCID         string
}

// DecryptedRecord holds the cleartext fields of a record.
type DecryptedRecord struct {
	RecordID uint64 `json:"recordId"`
	TimeMs   uint64 `json:"timeMs"`
	Rank     uint32 `json:"rank"`
	Role     string `json:"role"`
}

func (s *Service) fail(op string, err error) error {
	s.metrics.ObserveFailure(op, err)
	return err
}

// RegisterCompetition creates a competition hosted by caller.
func (s *Service) RegisterCompetition(ctx context.Context, caller common.Address, in registry.RegisterCompetitionInput) (registry.Competition, error) {
	const op = "registerCompetition"
	id, err := s.registry.RegisterCompetition(ctx, caller, in)
	if err != nil {
		return registry.Competition{}, s.fail(op, err)
	}
	comp, err := s.registry.CompetitionByID(id)
	if err != nil {
		return registry.Competition{}, s.fail(op, err)
	}
	s.emitCompetition(events.EventCompetitionRegistered, caller, comp)
	return comp, nil
}

// SetActive opens or closes a competition for uploads.
func (s *Service) SetActive(ctx context.Context, caller common.Address, competitionID uint64, active bool) (registry.Competition, error) {
	const op = "setActive"
	if err := s.registry.SetActive(ctx, caller, competitionID, active); err != nil {
		return registry.Competition{}, s.fail(op, err)
	}
	comp, err := s.registry.CompetitionByID(competitionID)
	if err != nil {
		return registry.Competition{}, s.fail(op, err)
	}
	s.emitCompetition(events.EventCompetitionStatusChanged, caller, comp)
	return comp, nil
}

// SubmitRecord encrypts time and rank on behalf of caller and uploads the
// resulting ciphertexts. The cleartext never reaches the registry.
func (s *Service) SubmitRecord(ctx context.Context, caller common.Address, in SubmitRecordInput) (registry.Record, error) {
	const op = "submitRecord"
	if _, err := s.registry.CompetitionByID(in.CompetitionID); err != nil {
		return registry.Record{}, s.fail(op, err)
	}

	fields, err := s.gateway.EncryptRecordFields(ctx, s.registry.Contract(), caller, in.TimeMs, in.Rank)
	if err != nil {
		return registry.Record{}, s.fail(op, err)
	}

	return s.UploadRecord(ctx, caller, registry.UploadRecordInput{
		CompetitionID:     in.CompetitionID,
		ParticipantID:     in.ParticipantID,
		ParticipantWallet: in.ParticipantWallet,
		EncryptedTime:     fields.Time.Handle,
		TimeProof:         fields.Time.Proof,
		EncryptedRank:     fields.Rank.Handle,
		RankProof:         fields.Rank.Proof,
		RecordCID:         in.RecordCID,
	})
}

// UploadRecord stores pre-encrypted fields as a new Pending record.
func (s *Service) UploadRecord(ctx context.Context, caller common.Address, in registry.UploadRecordInput) (registry.Record, error) {
	const op = "uploadRecord"
	id, err := s.registry.UploadRecord(ctx, caller, in)
	if err != nil {
		return registry.Record{}, s.fail(op, err)
	}
	rec, err := s.registry.FetchRecord(ctx, id)
	if err != nil {
		return registry.Record{}, s.fail(op, err)
	}
	s.emitRecord(events.EventRecordUploaded, caller, rec)
	return rec, nil
}

// Vote applies a validator's decision and reports the resulting decision, if any.
func (s *Service) Vote(ctx context.Context, caller common.Address, recordID uint64, approved bool, evidenceCID string) (registry.VoteResult, error) {
	const op = "validateRecord"
	res, err := s.registry.ValidateRecord(ctx, caller, recordID, approved, evidenceCID)
	if err != nil {
		return registry.VoteResult{}, s.fail(op, err)
	}

	// Events for one record may be emitted out of commit order when votes
	// race. Revision lets readers keep the newest snapshot.
	rec := res.Record
	if s.emitter != nil {
		if err := s.emitter.EmitVoteCast(&events.VoteEventPayload{
			RecordID:        recordID,
			CompetitionID:   rec.CompetitionID,
			Validator:       caller.Hex(),
			Approved:        approved,
			EvidenceCID:     evidenceCID,
			ValidationCount: res.ValidationCount,
			State:           res.State.String(),
			Revision:        res.Revision,
		}); err != nil {
			log.WithError(err).WithField("record_id", recordID).Warn("Failed to emit vote event")
		}
	}

	if res.Decided {
		switch res.State {
		case registry.StateVerified:
			s.emitRecord(events.EventRecordVerified, caller, rec)
		case registry.StateChallenged:
			s.emitRecord(events.EventRecordChallenged, caller, rec)
		}
	}
	return res, nil
}

// RevokeRecord retracts a decided record.
func (s *Service) RevokeRecord(ctx context.Context, caller common.Address, recordID uint64, reason string) (registry.Record, error) {
	const op = "revokeRecord"
	rec, err := s.registry.RevokeRecord(ctx, caller, recordID, reason)
	if err != nil {
		return registry.Record{}, s.fail(op, err)
	}
	s.emitRecord(events.EventRecordRevoked, caller, rec)
	return rec, nil
}

// IssueCertificate mints the soulbound certificate for a Verified record.
func (s *Service) IssueCertificate(ctx context.Context, caller common.Address, recordID uint64, recipient common.Address) (certificate.Certificate, error) {
	const op = "issueCertificate"
	cert, err := s.certs.IssueCertificate(ctx, caller, recordID, recipient)
	if err != nil {
		return certificate.Certificate{}, s.fail(op, err)
	}
	if s.emitter != nil {
		if err := s.emitter.EmitCertificateIssued(&events.CertificateEventPayload{
			TokenID:       cert.TokenID,
			RecordID:      cert.RecordID,
			CompetitionID: cert.CompetitionID,
			Owner:         cert.Owner.Hex(),
			Issuer:        cert.Issuer.Hex(),
		}); err != nil {
			log.WithError(err).WithField("token_id", cert.TokenID).Warn("Failed to emit certificate event")
		}
	}
	return cert, nil
}

// DecryptRecord reveals a record's time and rank to its participant, its
// recorder or the competition host. The authorization must be signed by
// caller and is checked cryptographically by the gateway.
func (s *Service) DecryptRecord(ctx context.Context, caller common.Address, recordID uint64, auth *customcrypto.DecryptionAuthorization) (DecryptedRecord, error) {
	const op = "decryptRecord"
	rec, err := s.registry.FetchRecord(ctx, recordID)
	if err != nil {
		return DecryptedRecord{}, s.fail(op, err)
	}
	comp, err := s.registry.CompetitionByID(rec.CompetitionID)
	if err != nil {
		return DecryptedRecord{}, s.fail(op, err)
	}

	role := roleOf(caller, rec, comp)
	if role == "" {
		return DecryptedRecord{}, s.fail(op, protocol.E(protocol.KindUnauthorized, op, "%s may not view record %d", caller.Hex(), recordID))
	}
	if auth == nil || auth.UserAddress != caller {
		return DecryptedRecord{}, s.fail(op, protocol.E(protocol.KindUnauthorized, op, "authorization is not issued by %s", caller.Hex()))
	}
	if s.maxDays > 0 && auth.DurationDays > s.maxDays {
		return DecryptedRecord{}, s.fail(op, protocol.E(protocol.KindUnauthorized, op, "authorization spans %d days, limit is %d", auth.DurationDays, s.maxDays))
	}

	contract := s.registry.Contract()
	clear, err := s.gateway.UserDecrypt(ctx, []fhe.HandleContractPair{
		{Handle: rec.EncryptedTime, Contract: contract},
		{Handle: rec.EncryptedRank, Contract: contract},
	}, auth)
	if err != nil {
		return DecryptedRecord{}, s.fail(op, err)
	}

	rank := clear[rec.EncryptedRank]
	if rank > uint64(^uint32(0)) {
		return DecryptedRecord{}, s.fail(op, protocol.E(protocol.KindInvalidCiphertext, op, "rank of record %d overflows 32 bits", recordID))
	}

	if s.emitter != nil {
		if err := s.emitter.EmitDecryptionServed(&events.DecryptionEventPayload{
			RecordID: recordID,
			Viewer:   caller.Hex(),
			Role:     role,
			Handles:  len(clear),
		}); err != nil {
			log.WithError(err).WithField("record_id", recordID).Warn("Failed to emit decryption event")
		}
	}

	return DecryptedRecord{
		RecordID: recordID,
		TimeMs:   clear[rec.EncryptedTime],
		Rank:     uint32(rank),
		Role:     role,
	}, nil
}

// PinEvidence stores a document in the evidence store and returns its reference.
func (s *Service) PinEvidence(ctx context.Context, data []byte) (string, error) {
	const op = "pinEvidence"
	if s.evidence == nil {
		return "", s.fail(op, protocol.E(protocol.KindUnavailable, op, "no evidence store configured"))
	}
	if len(data) == 0 {
		return "", s.fail(op, protocol.E(protocol.KindInvalidConfiguration, op, "empty document"))
	}
	ref, err := s.evidence.Pin(ctx, data)
	if err != nil {
		return "", s.fail(op, protocol.Wrap(protocol.KindUnavailable, op, err))
	}
	return ref, nil
}

// FetchEvidence reads back a pinned document.
func (s *Service) FetchEvidence(ctx context.Context, ref string) ([]byte, error) {
	const op = "fetchEvidence"
	if s.evidence == nil {
		return nil, s.fail(op, protocol.E(protocol.KindUnavailable, op, "no evidence store configured"))
	}
	if _, err := ipfs.ParseCID(ref); err != nil {
		return nil, s.fail(op, protocol.Wrap(protocol.KindInvalidConfiguration, op, err))
	}
	data, err := s.evidence.Fetch(ctx, ref)
	if err != nil {
		return nil, s.fail(op, protocol.Wrap(protocol.KindNotFound, op, err))
	}
	return data, nil
}

func roleOf(caller common.Address, rec registry.Record, comp registry.Competition) string {
	switch {
	case protocol.IsZero(caller):
		return ""
	case caller == rec.ParticipantWallet:
		return RoleParticipant
	case caller == rec.Recorder:
		return RoleRecorder
	case caller == comp.Host:
		return RoleHost
	}
	return ""
}

func (s *Service) emitCompetition(typ events.EventType, actor common.Address, comp registry.Competition) {
	if s.emitter == nil {
		return
	}
	if err := s.emitter.EmitCompetition(typ, actor.Hex(), CompetitionPayload(comp)); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"event_type":     typ,
			"competition_id": comp.ID,
		}).Warn("Failed to emit competition event")
	}
}

func (s *Service) emitRecord(typ events.EventType, actor common.Address, rec registry.Record) {
	if s.emitter == nil {
		return
	}
	if err := s.emitter.EmitRecord(typ, actor.Hex(), RecordPayload(rec)); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"event_type": typ,
			"record_id":  rec.ID,
		}).Warn("Failed to emit record event")
	}
}

// CompetitionPayload converts a competition snapshot into its event form.
func CompetitionPayload(c registry.Competition) *events.CompetitionEventPayload {
	validators := make([]string, len(c.Validators))
	for i, v := range c.Validators {
		validators[i] = v.Hex()
	}
	return &events.CompetitionEventPayload{
		CompetitionID:         c.ID,
		Host:                  c.Host.Hex(),
		MetadataCID:           c.MetadataCID,
		BeginTime:             c.BeginTime,
		FinishTime:            c.FinishTime,
		RequiredConfirmations: c.RequiredConfirmations,
		Validators:            validators,
		IsActive:              c.IsActive,
	}
}

// RecordPayload converts a record snapshot into its event form. Only handles
// are carried.
func RecordPayload(r registry.Record) *events.RecordEventPayload {
	return &events.RecordEventPayload{
		RecordID:          r.ID,
		CompetitionID:     r.CompetitionID,
		ParticipantID:     r.ParticipantID,
		ParticipantWallet: r.ParticipantWallet.Hex(),
		Recorder:          r.Recorder.Hex(),
		EncryptedTime:     r.EncryptedTime.Hex(),
		EncryptedRank:     r.EncryptedRank.Hex(),
		RecordCID:         r.RecordCID,
		State:             r.State.String(),
		ValidationCount:   r.ValidationCount,
		CreatedAt:         r.CreatedAt.Unix(),
		Reason:            r.RevokeReason,
		Revision:          r.Revision,
	}
}
