package api

import (
	"bytes"
	"crypto/ecdsa"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/mux"
	customcrypto "github.com/podium-protocol/confidential-records/pkgs/crypto"
	"github.com/podium-protocol/confidential-records/pkgs/fhe"
	"github.com/podium-protocol/confidential-records/pkgs/lifecycle"
	"github.com/podium-protocol/confidential-records/pkgs/protocol"
	"github.com/podium-protocol/confidential-records/pkgs/registry"
)

type submitRecordRequest struct {
	ParticipantID     string         `json:"participantId"`
	ParticipantWallet common.Address `json:"participantWallet"`
	TimeMs            uint64         `json:"timeMs"`
	Rank              uint32         `json:"rank"`
	RecordCID         string         `json:"recordCid"`
}

type ciphertextJSON struct {
	Handle fhe.Handle    `json:"handle"`
	Proof  hexutil.Bytes `json:"inputProof"`
}

type uploadRecordRequest struct {
	ParticipantID     string         `json:"participantId"`
	ParticipantWallet common.Address `json:"participantWallet"`
	EncryptedTime     ciphertextJSON `json:"encryptedTime"`
	EncryptedRank     ciphertextJSON `json:"encryptedRank"`
	RecordCID         string         `json:"recordCid"`
}

type voteRequest struct {
	Approved    bool   `json:"approved"`
	EvidenceCID string `json:"evidenceCid"`
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

type activeRequest struct {
	Active bool `json:"active"`
}

type issueRequest struct {
	Recipient common.Address `json:"recipient"`
}

type transferRequest struct {
	To common.Address `json:"to"`
}

// decryptRequest carries the signed authorization and the ephemeral private
// key generated with it. The key only opens values re-encrypted for this
// authorization.
type decryptRequest struct {
	Authorization customcrypto.DecryptionAuthorization `json:"authorization"`
	PrivateKey    hexutil.Bytes                        `json:"privateKey"`
}

// handleListCompetitions returns all competitions, newest first
func (s *APIServer) handleListCompetitions(w http.ResponseWriter, r *http.Request) {
	comps := s.service.Registry().ListCompetitions()
	s.writeJSON(w, map[string]interface{}{
		"count":        len(comps),
		"competitions": comps,
		"next_id":      s.service.Registry().NextCompetitionID(),
	})
}

func (s *APIServer) handleRegisterCompetition(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var in registry.RegisterCompetitionInput
	if err := s.decode(w, r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	comp, err := s.service.RegisterCompetition(r.Context(), who, in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeStatusJSON(w, http.StatusCreated, comp)
}

func (s *APIServer) handleGetCompetition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	comp, err := s.service.Registry().CompetitionByID(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"competition":  comp,
		"record_count": s.service.Registry().CountRecords(id),
	})
}

func (s *APIServer) handleSetActive(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req activeRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	comp, err := s.service.SetActive(r.Context(), who, id, req.Active)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, comp)
}

// handleListRecords returns a page of a competition's records
func (s *APIServer) handleListRecords(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	start, err := queryInt(r, "start", 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	count, err := queryInt(r, "count", registry.MaxPageSize)
	if err != nil {
		s.writeError(w, err)
		return
	}

	records, err := s.service.Registry().FetchRecordsByCompetition(r.Context(), id, start, count)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"competition_id": id,
		"start":          start,
		"count":          len(records),
		"total":          s.service.Registry().CountRecords(id),
		"records":        records,
	})
}

// handleSubmitRecord encrypts cleartext fields server side and uploads them
func (s *APIServer) handleSubmitRecord(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req submitRecordRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	rec, err := s.service.SubmitRecord(r.Context(), who, lifecycle.SubmitRecordInput{
		CompetitionID:     id,
		ParticipantID:     req.ParticipantID,
		ParticipantWallet: req.ParticipantWallet,
		TimeMs:            req.TimeMs,
		Rank:              req.Rank,
		RecordCID:         req.RecordCID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeStatusJSON(w, http.StatusCreated, rec)
}

// handleUploadRecord accepts ciphertexts produced by the client
func (s *APIServer) handleUploadRecord(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req uploadRecordRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	rec, err := s.service.UploadRecord(r.Context(), who, registry.UploadRecordInput{
		CompetitionID:     id,
		ParticipantID:     req.ParticipantID,
		ParticipantWallet: req.ParticipantWallet,
		EncryptedTime:     req.EncryptedTime.Handle,
		TimeProof:         req.EncryptedTime.Proof,
		EncryptedRank:     req.EncryptedRank.Handle,
		RankProof:         req.EncryptedRank.Proof,
		RecordCID:         req.RecordCID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeStatusJSON(w, http.StatusCreated, rec)
}

func (s *APIServer) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	rec, err := s.service.Registry().FetchRecord(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, rec)
}

func (s *APIServer) handleGetVotes(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	votes, err := s.service.Registry().Votes(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"record_id": id,
		"count":     len(votes),
		"votes":     votes,
	})
}

func (s *APIServer) handleVote(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req voteRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.service.Vote(r.Context(), who, id, req.Approved, req.EvidenceCID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, res)
}

func (s *APIServer) handleRevoke(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req revokeRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	rec, err := s.service.RevokeRecord(r.Context(), who, id, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, rec)
}

// handleDecrypt reveals a record's confidential fields to an entitled caller
func (s *APIServer) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req decryptRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	key, err := ephemeralKey(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	auth := req.Authorization
	auth.PrivateKey = key

	out, err := s.service.DecryptRecord(r.Context(), who, id, &auth)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, out)
}

// ephemeralKey parses the request's private key and checks it belongs to the
// authorization's public key.
func ephemeralKey(req decryptRequest) (*ecdsa.PrivateKey, error) {
	const op = "decrypt"
	if len(req.PrivateKey) == 0 {
		return nil, protocol.E(protocol.KindInvalidConfiguration, op, "missing ephemeral private key")
	}
	key, err := crypto.ToECDSA(req.PrivateKey)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindInvalidConfiguration, op, err)
	}
	if !bytes.Equal(crypto.FromECDSAPub(&key.PublicKey), req.Authorization.PublicKey) {
		return nil, protocol.E(protocol.KindUnauthorized, op, "private key does not match the authorized public key")
	}
	return key, nil
}

func (s *APIServer) handleIssueCertificate(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req issueRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	cert, err := s.service.IssueCertificate(r.Context(), who, id, req.Recipient)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeStatusJSON(w, http.StatusCreated, cert)
}

func (s *APIServer) handleGetRecordCertificate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	tokenID, ok := s.service.Certificates().TokenIDByRecordID(id)
	if !ok {
		s.writeError(w, protocol.E(protocol.KindNotFound, "certificateByRecord", "no certificate for record %d", id))
		return
	}
	cert, err := s.service.Certificates().CertificateOf(tokenID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, cert)
}

func (s *APIServer) handleGetCertificate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	cert, err := s.service.Certificates().CertificateOf(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, cert)
}

// handleTransfer always fails: certificates are soulbound
func (s *APIServer) handleTransfer(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req transferRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeError(w, s.service.Certificates().Transfer(r.Context(), who, id, req.To))
}

func (s *APIServer) handleOwnerCertificates(w http.ResponseWriter, r *http.Request) {
	owner, err := protocol.ParseAddress(mux.Vars(r)["address"])
	if err != nil {
		s.writeError(w, protocol.Wrap(protocol.KindInvalidConfiguration, "ownerCertificates", err))
		return
	}
	certs := s.service.Certificates().CertificatesOf(owner)
	s.writeJSON(w, map[string]interface{}{
		"owner":        owner,
		"count":        len(certs),
		"certificates": certs,
	})
}

// handlePinEvidence stores the raw request body and returns its ipfs:// reference
func (s *APIServer) handlePinEvidence(w http.ResponseWriter, r *http.Request) {
	if _, err := caller(r); err != nil {
		s.writeError(w, err)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		s.writeError(w, protocol.Wrap(protocol.KindInvalidConfiguration, "pinEvidence", err))
		return
	}
	ref, err := s.service.PinEvidence(r.Context(), data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeStatusJSON(w, http.StatusCreated, map[string]interface{}{"ref": ref, "bytes": len(data)})
}

func (s *APIServer) handleFetchEvidence(w http.ResponseWriter, r *http.Request) {
	data, err := s.service.FetchEvidence(r.Context(), mux.Vars(r)["ref"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (s *APIServer) requireMirror(w http.ResponseWriter) bool {
	if s.mirror == nil {
		s.writeError(w, protocol.E(protocol.KindUnavailable, "mirror", "state mirror is not configured"))
		return false
	}
	return true
}

func (s *APIServer) handleMirrorStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireMirror(w) {
		return
	}
	stats, err := s.mirror.Stats(r.Context())
	if err != nil {
		s.writeError(w, protocol.Wrap(protocol.KindUnavailable, "mirrorStats", err))
		return
	}
	s.writeJSON(w, stats)
}

func (s *APIServer) handleMirrorRecord(w http.ResponseWriter, r *http.Request) {
	if !s.requireMirror(w) {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	fields, err := s.mirror.Record(r.Context(), id)
	if err != nil {
		s.writeError(w, protocol.Wrap(protocol.KindUnavailable, "mirrorRecord", err))
		return
	}
	if fields == nil {
		s.writeError(w, protocol.E(protocol.KindNotFound, "mirrorRecord", "record %d not mirrored", id))
		return
	}
	s.writeJSON(w, fields)
}

func (s *APIServer) handleMirrorDecryptions(w http.ResponseWriter, r *http.Request) {
	if !s.requireMirror(w) {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	entries, err := s.mirror.DecryptionLog(r.Context(), id)
	if err != nil {
		s.writeError(w, protocol.Wrap(protocol.KindUnavailable, "mirrorDecryptions", err))
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"record_id": id,
		"count":     len(entries),
		"entries":   entries,
	})
}

func (s *APIServer) handleMirrorState(w http.ResponseWriter, r *http.Request) {
	if !s.requireMirror(w) {
		return
	}
	state, err := registry.ParseRecordState(mux.Vars(r)["state"])
	if err != nil {
		s.writeError(w, protocol.Wrap(protocol.KindInvalidConfiguration, "mirrorState", err))
		return
	}
	ids, err := s.mirror.RecordIDsByState(r.Context(), state.String())
	if err != nil {
		s.writeError(w, protocol.Wrap(protocol.KindUnavailable, "mirrorState", err))
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"state":      state,
		"count":      len(ids),
		"record_ids": ids,
	})
}

// handleHealthCheck returns service health status
func (s *APIServer) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":            "healthy",
		"next_competition":  s.service.Registry().NextCompetitionID(),
		"next_record":       s.service.Registry().NextRecordID(),
		"registry_contract": s.service.Registry().Contract(),
		"timestamp":         time.Now().Unix(),
	}

	if s.mirror != nil {
		if err := s.mirror.Ping(r.Context()); err != nil {
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			writeStatusJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	s.writeJSON(w, body)
}
