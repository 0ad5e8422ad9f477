package redis

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// KeyBuilder provides methods to generate namespaced Redis keys for the
// registry read model. Every key is prefixed with the chain id and the
// checksummed registry address so several deployments can share one Redis.
type KeyBuilder struct {
	ChainID  int64
	Registry string
}

// checksumAddress converts an Ethereum address to checksummed format (EIP-55).
// If the input is not a valid Ethereum address, it returns the input unchanged.
func checksumAddress(addr string) string {
	if addr == "" {
		return addr
	}
	if common.IsHexAddress(addr) {
		return common.HexToAddress(addr).Hex()
	}
	return addr
}

// NewKeyBuilder creates a new KeyBuilder instance with a checksummed registry address.
func NewKeyBuilder(chainID int64, registry string) *KeyBuilder {
	return &KeyBuilder{
		ChainID:  chainID,
		Registry: checksumAddress(registry),
	}
}

func (kb *KeyBuilder) prefix() string {
	return fmt.Sprintf("records:%d:%s", kb.ChainID, kb.Registry)
}

// Competition Keys

// Competition returns the hash holding a competition's fields
func (kb *KeyBuilder) Competition(id uint64) string {
	return fmt.Sprintf("%s:competition:%d", kb.prefix(), id)
}

// Competitions returns the sorted set of competition ids scored by id
func (kb *KeyBuilder) Competitions() string {
	return fmt.Sprintf("%s:competitions", kb.prefix())
}

// CompetitionValidators returns the set of a competition's validators
func (kb *KeyBuilder) CompetitionValidators(id uint64) string {
	return fmt.Sprintf("%s:competition:%d:validators", kb.prefix(), id)
}

// CompetitionRecords returns the sorted set of record ids in a competition, scored by id
func (kb *KeyBuilder) CompetitionRecords(id uint64) string {
	return fmt.Sprintf("%s:competition:%d:records", kb.prefix(), id)
}

// Record Keys

// Record returns the hash holding a record snapshot
func (kb *KeyBuilder) Record(id uint64) string {
	return fmt.Sprintf("%s:record:%d", kb.prefix(), id)
}

// RecordVotes returns the hash of validator -> "approve"/"reject" for a record
func (kb *KeyBuilder) RecordVotes(id uint64) string {
	return fmt.Sprintf("%s:record:%d:votes", kb.prefix(), id)
}

// RecordsByState returns the set of record ids currently in state
func (kb *KeyBuilder) RecordsByState(state string) string {
	return fmt.Sprintf("%s:records:state:%s", kb.prefix(), strings.ToLower(state))
}

// Certificate Keys

// Certificate returns the hash holding a certificate
func (kb *KeyBuilder) Certificate(tokenID uint64) string {
	return fmt.Sprintf("%s:certificate:%d", kb.prefix(), tokenID)
}

// CertificateByRecord returns the reverse index hash of record id -> token id
func (kb *KeyBuilder) CertificateByRecord() string {
	return fmt.Sprintf("%s:certificates:byRecord", kb.prefix())
}

// CertificatesOf returns the set of token ids held by owner
func (kb *KeyBuilder) CertificatesOf(owner string) string {
	return fmt.Sprintf("%s:certificates:owner:%s", kb.prefix(), checksumAddress(owner))
}

// Audit Keys

// DecryptionLog returns the capped list of decryption audit entries for a record
func (kb *KeyBuilder) DecryptionLog(recordID uint64) string {
	return fmt.Sprintf("%s:record:%d:decryptions", kb.prefix(), recordID)
}

// Stats returns the hash of event counters
func (kb *KeyBuilder) Stats() string {
	return fmt.Sprintf("%s:stats", kb.prefix())
}

// Replay Keys

// AppliedEvent marks an event id as folded into the mirror
func (kb *KeyBuilder) AppliedEvent(eventID string) string {
	return fmt.Sprintf("%s:applied:%s", kb.prefix(), eventID)
}

// ReplayCursor stores the last event log entry the mirror replayed
func (kb *KeyBuilder) ReplayCursor() string {
	return fmt.Sprintf("%s:replay:cursor", kb.prefix())
}
