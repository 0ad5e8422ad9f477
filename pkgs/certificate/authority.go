package certificate

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/podium-protocol/confidential-records/pkgs/protocol"
	"github.com/podium-protocol/confidential-records/pkgs/registry"
	log "github.com/sirupsen/logrus"
)

// RecordSource resolves records and their competitions. *registry.Registry
// satisfies it.
type RecordSource interface {
	FetchRecord(ctx context.Context, recordID uint64) (registry.Record, error)
	CompetitionByID(id uint64) (registry.Competition, error)
}

// Certificate is a non-transferable achievement token for a verified record.
type Certificate struct {
	TokenID       uint64         `json:"tokenId"`
	RecordID      uint64         `json:"recordId"`
	CompetitionID uint64         `json:"competitionId"`
	Owner         common.Address `json:"owner"`
	Issuer        common.Address `json:"issuer"`
	IssuedAt      time.Time      `json:"issuedAt"`
}

// Config configures an Authority.
type Config struct {
	Records RecordSource
	// Issuer may mint for any competition in addition to each competition's host.
	Issuer common.Address
	Clock  func() time.Time
}

// Authority mints at most one certificate per record. Ownership never changes
// after minting.
type Authority struct {
	records RecordSource
	issuer  common.Address
	clock   func() time.Time

	mu        sync.RWMutex
	tokens    map[uint64]*Certificate
	byRecord  map[uint64]uint64
	byOwner   map[common.Address][]uint64
	nextToken uint64
}

// NewAuthority creates an authority with no certificates. Token ids start at 1.
func NewAuthority(cfg Config) (*Authority, error) {
	if cfg.Records == nil {
		return nil, protocol.E(protocol.KindInvalidConfiguration, "newAuthority", "record source is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Authority{
		records:   cfg.Records,
		issuer:    cfg.Issuer,
		clock:     cfg.Clock,
		tokens:    make(map[uint64]*Certificate),
		byRecord:  make(map[uint64]uint64),
		byOwner:   make(map[common.Address][]uint64),
		nextToken: 1,
	}, nil
}

// IssueCertificate mints a certificate for a Verified record to recipient.
// The caller must be the competition host or the configured issuer. A record
// that already holds a token fails with AlreadyIssued whatever its current
// state. The record is read while the mint lock is held, so the state check
// and the mint see the same snapshot.
func (a *Authority) IssueCertificate(ctx context.Context, caller common.Address, recordID uint64, recipient common.Address) (Certificate, error) {
	const op = "issueCertificate"
	if err := ctx.Err(); err != nil {
		return Certificate{}, protocol.FromContext(op, err)
	}
	if protocol.IsZero(recipient) {
		return Certificate{}, protocol.E(protocol.KindInvalidConfiguration, op, "recipient is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	rec, err := a.records.FetchRecord(ctx, recordID)
	if err != nil {
		return Certificate{}, err
	}
	comp, err := a.records.CompetitionByID(rec.CompetitionID)
	if err != nil {
		return Certificate{}, err
	}
	if protocol.IsZero(caller) || (caller != comp.Host && caller != a.issuer) {
		return Certificate{}, protocol.E(protocol.KindUnauthorized, op, "%s may not issue certificates for competition %d", caller.Hex(), comp.ID)
	}
	if existing, ok := a.byRecord[recordID]; ok {
		return Certificate{}, protocol.E(protocol.KindAlreadyIssued, op, "record %d already has token %d", recordID, existing)
	}
	if rec.State != registry.StateVerified {
		return Certificate{}, protocol.E(protocol.KindRecordNotVerified, op, "record %d is %s", recordID, rec.State)
	}

	cert := &Certificate{
		TokenID:       a.nextToken,
		RecordID:      recordID,
		CompetitionID: rec.CompetitionID,
		Owner:         recipient,
		Issuer:        caller,
		IssuedAt:      a.clock(),
	}
	a.nextToken++
	a.tokens[cert.TokenID] = cert
	a.byRecord[recordID] = cert.TokenID
	a.byOwner[recipient] = append(a.byOwner[recipient], cert.TokenID)

	log.WithFields(log.Fields{
		"tokenId":  cert.TokenID,
		"recordId": recordID,
		"owner":    recipient.Hex(),
	}).Info("Certificate issued")

	return *cert, nil
}

// TokenIDByRecordID returns the certificate minted for a record, if any.
func (a *Authority) TokenIDByRecordID(recordID uint64) (uint64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.byRecord[recordID]
	return id, ok
}

// CertificateOf returns the certificate with the given token id.
func (a *Authority) CertificateOf(tokenID uint64) (Certificate, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	cert, ok := a.tokens[tokenID]
	if !ok {
		return Certificate{}, protocol.E(protocol.KindNotFound, "certificateOf", "token %d", tokenID)
	}
	return *cert, nil
}

// OwnerOf returns the permanent owner of a token.
func (a *Authority) OwnerOf(tokenID uint64) (common.Address, error) {
	cert, err := a.CertificateOf(tokenID)
	if err != nil {
		return common.Address{}, err
	}
	return cert.Owner, nil
}

// CertificatesOf lists the certificates held by owner in mint order.
func (a *Authority) CertificatesOf(owner common.Address) []Certificate {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := a.byOwner[owner]
	out := make([]Certificate, 0, len(ids))
	for _, id := range ids {
		out = append(out, *a.tokens[id])
	}
	return out
}

// Transfer always fails: certificates are soulbound.
func (a *Authority) Transfer(ctx context.Context, caller common.Address, tokenID uint64, to common.Address) error {
	const op = "transfer"
	if _, err := a.CertificateOf(tokenID); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"tokenId": tokenID,
		"caller":  caller.Hex(),
		"to":      to.Hex(),
	}).Warn("Rejected certificate transfer")
	return protocol.E(protocol.KindUnauthorized, op, "token %d is non-transferable", tokenID)
}
