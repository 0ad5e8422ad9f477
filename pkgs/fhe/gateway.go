package fhe

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	lru "github.com/hashicorp/golang-lru/v2"
	customcrypto "github.com/podium-protocol/confidential-records/pkgs/crypto"
	"github.com/podium-protocol/confidential-records/pkgs/protocol"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultTimeout bounds every call into the encryption service.
	DefaultTimeout = 10 * time.Second

	// DefaultAuthCacheSize is the number of verified authorizations remembered.
	DefaultAuthCacheSize = 4096
)

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	Service       Service
	Domain        customcrypto.Domain
	Timeout       time.Duration
	AuthCacheSize int
	Clock         func() time.Time
}

type verifiedAuth struct {
	signer    common.Address
	expiresAt time.Time
}

// Gateway fronts the encryption service: it bounds every call with a timeout,
// checks decryption authorizations (window, contract scope, signature) and
// opens re-encrypted results with the authorization's ephemeral key. It never
// checks business roles.
type Gateway struct {
	service  Service
	domain   customcrypto.Domain
	timeout  time.Duration
	clock    func() time.Time
	verified *lru.Cache[common.Hash, verifiedAuth]
}

// NewGateway creates a gateway over cfg.Service.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Service == nil {
		return nil, fmt.Errorf("encryption service is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.AuthCacheSize <= 0 {
		cfg.AuthCacheSize = DefaultAuthCacheSize
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	cache, err := lru.New[common.Hash, verifiedAuth](cfg.AuthCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization cache: %w", err)
	}
	return &Gateway{
		service:  cfg.Service,
		domain:   cfg.Domain,
		timeout:  cfg.Timeout,
		clock:    cfg.Clock,
		verified: cache,
	}, nil
}

// Domain returns the EIP-712 domain authorizations must be signed under.
func (g *Gateway) Domain() customcrypto.Domain {
	return g.domain
}

// EncryptInput encrypts a single value for contract on behalf of submitter.
func (g *Gateway) EncryptInput(ctx context.Context, contract, submitter common.Address, value uint64, width Width) (Handle, []byte, error) {
	const op = "encryptInput"
	if !width.Valid() {
		return Handle{}, nil, protocol.E(protocol.KindInvalidConfiguration, op, "unsupported width %d", width)
	}
	if !width.Fits(value) {
		return Handle{}, nil, protocol.E(protocol.KindInvalidConfiguration, op, "value %d does not fit in %d bits", value, width)
	}

	ct, err := withTimeout(ctx, g.timeout, op, func(ctx context.Context) (Ciphertext, error) {
		return g.service.Encrypt(ctx, EncryptRequest{
			Contract:  contract,
			Submitter: submitter,
			Value:     value,
			Width:     width,
		})
	})
	if err != nil {
		return Handle{}, nil, err
	}
	return ct.Handle, ct.Proof, nil
}

// RecordFields holds the two independently encrypted fields of a record.
type RecordFields struct {
	Time Ciphertext
	Rank Ciphertext
}

// EncryptRecordFields encrypts time (64-bit) and rank (32-bit) as two separate
// ciphertexts, each with its own proof.
func (g *Gateway) EncryptRecordFields(ctx context.Context, contract, submitter common.Address, timeValue uint64, rank uint32) (RecordFields, error) {
	timeHandle, timeProof, err := g.EncryptInput(ctx, contract, submitter, timeValue, Uint64)
	if err != nil {
		return RecordFields{}, fmt.Errorf("encrypt time: %w", err)
	}
	rankHandle, rankProof, err := g.EncryptInput(ctx, contract, submitter, uint64(rank), Uint32)
	if err != nil {
		return RecordFields{}, fmt.Errorf("encrypt rank: %w", err)
	}
	return RecordFields{
		Time: Ciphertext{Handle: timeHandle, Proof: timeProof},
		Rank: Ciphertext{Handle: rankHandle, Proof: rankProof},
	}, nil
}

// VerifyInput checks an input proof through the service, bounded by the
// gateway timeout.
func (g *Gateway) VerifyInput(ctx context.Context, handle Handle, proof []byte, contract, submitter common.Address, width Width) error {
	const op = "verifyInput"
	if got, ok := handle.Width(); !ok || got != width {
		return protocol.E(protocol.KindInvalidCiphertext, op, "handle %s is not a %d-bit ciphertext", handle.Hex(), width)
	}
	_, err := withTimeout(ctx, g.timeout, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.service.VerifyInput(ctx, handle, proof, contract, submitter)
	})
	if err != nil && protocol.KindOf(err) == protocol.KindUnknown {
		return protocol.Wrap(protocol.KindInvalidCiphertext, op, err)
	}
	return err
}

// UserDecrypt returns one cleartext per input handle. The authorization must be
// inside its validity window at the moment of the call, must name every
// handle's contract, and must be signed by its user address.
func (g *Gateway) UserDecrypt(ctx context.Context, pairs []HandleContractPair, auth *customcrypto.DecryptionAuthorization) (map[Handle]uint64, error) {
	const op = "userDecrypt"
	if auth == nil {
		return nil, protocol.E(protocol.KindUnauthorized, op, "missing authorization")
	}
	if len(pairs) == 0 {
		return map[Handle]uint64{}, nil
	}
	if err := auth.CheckDuration(); err != nil {
		return nil, protocol.Wrap(protocol.KindUnauthorized, op, err)
	}

	now := g.clock()
	if !auth.ValidAt(now) {
		start, end := auth.Window()
		return nil, protocol.E(protocol.KindAuthorizationExpired, op, "now %s outside [%s, %s]",
			now.UTC().Format(time.RFC3339), start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	}
	for _, pair := range pairs {
		if !auth.Covers(pair.Contract) {
			return nil, protocol.E(protocol.KindUnauthorized, op, "authorization does not cover contract %s", pair.Contract.Hex())
		}
	}
	if err := g.checkSignature(auth, now); err != nil {
		return nil, err
	}
	if auth.PrivateKey == nil {
		return nil, protocol.E(protocol.KindUnauthorized, op, "authorization carries no private key")
	}

	sealed, err := withTimeout(ctx, g.timeout, op, func(ctx context.Context) (map[Handle][]byte, error) {
		return g.service.UserDecrypt(ctx, UserDecryptRequest{
			Pairs:             pairs,
			PublicKey:         auth.PublicKey,
			Signature:         auth.Signature,
			ContractAddresses: auth.ContractAddresses,
			UserAddress:       auth.UserAddress,
			StartTimestamp:    auth.StartTimestamp,
			DurationDays:      auth.DurationDays,
		})
	})
	if err != nil {
		return nil, err
	}

	priv := ecies.ImportECDSA(auth.PrivateKey)
	out := make(map[Handle]uint64, len(pairs))
	for _, pair := range pairs {
		ct, ok := sealed[pair.Handle]
		if !ok {
			return nil, fmt.Errorf("%s: service returned no value for handle %s", op, pair.Handle.Hex())
		}
		value, err := OpenReencrypted(priv, ct)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out[pair.Handle] = value
	}

	log.WithFields(log.Fields{
		"user":    auth.UserAddress.Hex(),
		"handles": len(out),
	}).Debug("User decryption served")

	return out, nil
}

// checkSignature verifies that auth was signed by auth.UserAddress. Successful
// recoveries are cached until the end of the authorization window.
func (g *Gateway) checkSignature(auth *customcrypto.DecryptionAuthorization, now time.Time) error {
	key := authorizationKey(auth)
	if cached, ok := g.verified.Get(key); ok {
		if now.After(cached.expiresAt) {
			g.verified.Remove(key)
		} else if cached.signer == auth.UserAddress {
			return nil
		}
	}

	signer, err := customcrypto.VerifyAuthorization(g.domain, auth)
	if err != nil {
		return protocol.Wrap(protocol.KindUnauthorized, "userDecrypt", err)
	}
	if signer != auth.UserAddress {
		return protocol.E(protocol.KindUnauthorized, "userDecrypt", "authorization signed by %s, not %s", signer.Hex(), auth.UserAddress.Hex())
	}

	_, end := auth.Window()
	g.verified.Add(key, verifiedAuth{signer: signer, expiresAt: end})
	return nil
}

// authorizationKey commits to every signed field so a cached verification can
// never be reused for an altered window or contract list.
func authorizationKey(auth *customcrypto.DecryptionAuthorization) common.Hash {
	var window [16]byte
	binary.BigEndian.PutUint64(window[:8], uint64(auth.StartTimestamp))
	binary.BigEndian.PutUint64(window[8:], uint64(auth.DurationDays))

	parts := [][]byte{auth.Signature, auth.PublicKey, window[:], auth.UserAddress.Bytes()}
	for _, c := range auth.ContractAddresses {
		parts = append(parts, c.Bytes())
	}
	return crypto.Keccak256Hash(parts...)
}

type result[T any] struct {
	value T
	err   error
}

// withTimeout runs fn under a deadline. If the collaborator does not honour
// cancellation the caller still returns once the deadline passes; the error is
// Unavailable and therefore retryable.
func withTimeout[T any](ctx context.Context, timeout time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		v, err := fn(ctx)
		done <- result[T]{value: v, err: err}
	}()

	var zero T
	select {
	case r := <-done:
		if r.err != nil {
			return zero, protocol.FromContext(op, r.err)
		}
		return r.value, nil
	case <-ctx.Done():
		log.WithFields(log.Fields{"op": op, "timeout": timeout}).Warn("Encryption service call timed out")
		return zero, protocol.FromContext(op, ctx.Err())
	}
}
