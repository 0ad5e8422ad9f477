package identity

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hashicorp/golang-lru/v2/expirable"
	customcrypto "github.com/podium-protocol/confidential-records/pkgs/crypto"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultMaxSkew bounds how far a request timestamp may drift from now.
	DefaultMaxSkew = 5 * time.Minute

	defaultReplayCacheSize = 65536
)

// RequestClaim is the data a caller signs to prove it controls an address
type RequestClaim struct {
	Caller    common.Address
	Method    string
	Path      string
	Body      []byte
	Timestamp int64 // unix seconds
}

// Config for Verifier
type Config struct {
	MaxSkew         time.Duration
	ReplayCacheSize int
	Blocked         []string // Addresses refused regardless of signature
	Clock           func() time.Time
}

// Verifier authenticates callers from personal-sign signatures over a
// request. A signature is accepted once; repeats inside the skew window are
// rejected as replays.
type Verifier struct {
	maxSkew time.Duration
	seen    *expirable.LRU[common.Hash, struct{}]
	blocked map[common.Address]bool
	clock   func() time.Time
}

// NewVerifier creates a new request verifier
func NewVerifier(cfg Config) *Verifier {
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = DefaultMaxSkew
	}
	if cfg.ReplayCacheSize <= 0 {
		cfg.ReplayCacheSize = defaultReplayCacheSize
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	blocked := make(map[common.Address]bool, len(cfg.Blocked))
	for _, addr := range cfg.Blocked {
		addr = strings.TrimSpace(addr)
		if common.IsHexAddress(addr) {
			blocked[common.HexToAddress(addr)] = true
		}
	}

	return &Verifier{
		maxSkew: cfg.MaxSkew,
		// Entries must outlive the whole acceptance window on either side of now
		seen:    expirable.NewLRU[common.Hash, struct{}](cfg.ReplayCacheSize, nil, 2*cfg.MaxSkew),
		blocked: blocked,
		clock:   cfg.Clock,
	}
}

// hashClaim creates the EIP-191 digest of a claim
func hashClaim(claim *RequestClaim) []byte {
	// Create a deterministic string representation
	data := fmt.Sprintf("%s:%s:%s:%x:%d",
		strings.ToLower(claim.Caller.Hex()),
		strings.ToUpper(claim.Method),
		claim.Path,
		crypto.Keccak256(claim.Body),
		claim.Timestamp,
	)

	// Hash with Ethereum prefix
	return crypto.Keccak256([]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(data), data)))
}

// Verify checks that signature over claim was produced by claim.Caller within
// the allowed skew and has not been seen before.
func (v *Verifier) Verify(claim *RequestClaim, signature []byte) (common.Address, error) {
	if claim == nil {
		return common.Address{}, fmt.Errorf("missing request claim")
	}
	if v.blocked[claim.Caller] {
		return common.Address{}, fmt.Errorf("caller %s is blocked", claim.Caller.Hex())
	}

	now := v.clock()
	signedAt := time.Unix(claim.Timestamp, 0)
	if signedAt.Before(now.Add(-v.maxSkew)) || signedAt.After(now.Add(v.maxSkew)) {
		return common.Address{}, fmt.Errorf("request timestamp %d outside the %v window", claim.Timestamp, v.maxSkew)
	}

	recovered, err := customcrypto.RecoverAddress(hashClaim(claim), signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover caller: %w", err)
	}
	if recovered != claim.Caller {
		return common.Address{}, fmt.Errorf("caller mismatch: signed by %s, claimed %s", recovered.Hex(), claim.Caller.Hex())
	}

	sigHash := crypto.Keccak256Hash(signature)
	if v.seen.Contains(sigHash) {
		return common.Address{}, fmt.Errorf("replayed request signature from %s", recovered.Hex())
	}
	v.seen.Add(sigHash, struct{}{})

	log.WithFields(log.Fields{
		"caller": recovered.Hex(),
		"method": claim.Method,
		"path":   claim.Path,
	}).Debug("Verified request signature")

	return recovered, nil
}

// HashSigner signs a 32-byte digest, returning [R || S || V] with V in {27, 28}.
type HashSigner interface {
	Address() common.Address
	SignHash(digest []byte) ([]byte, error)
}

// SignRequest builds and signs a claim for a request. Used by clients and tests.
func SignRequest(signer HashSigner, method, path string, body []byte, at time.Time) (*RequestClaim, []byte, error) {
	claim := &RequestClaim{
		Caller:    signer.Address(),
		Method:    method,
		Path:      path,
		Body:      body,
		Timestamp: at.Unix(),
	}
	sig, err := signer.SignHash(hashClaim(claim))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to sign request: %w", err)
	}
	return claim, sig, nil
}
