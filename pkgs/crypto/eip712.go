package crypto

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	log "github.com/sirupsen/logrus"
)

const (
	// DomainTypeName is the self-referential domain entry wallets refuse to see
	// in the type set they are asked to sign.
	DomainTypeName = "EIP712Domain"

	// UserDecryptPrimaryType is the primary type of a decryption authorization.
	UserDecryptPrimaryType = "UserDecryptRequestVerification"

	DomainName    = "Decryption"
	DomainVersion = "1"

	// Day is the unit of an authorization's validity window.
	Day = 24 * time.Hour

	// MaxValidityDays keeps a window's end representable as a time.Duration.
	MaxValidityDays = 36500
)

// ErrAmbiguousTypes is returned by a signer handed a type set that still
// contains the domain type.
var ErrAmbiguousTypes = errors.New("ambiguous primary types or unused types: EIP712Domain must not be in the signed type set")

var domainFields = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var userDecryptFields = []apitypes.Type{
	{Name: "publicKey", Type: "bytes"},
	{Name: "contractAddresses", Type: "address[]"},
	{Name: "startTimestamp", Type: "uint256"},
	{Name: "durationDays", Type: "uint256"},
}

// TypedPayload is the structured message a decryption authorization signs.
// Types carries the full set as produced, domain entry included.
type TypedPayload struct {
	Domain      apitypes.TypedDataDomain  `json:"domain"`
	Types       apitypes.Types            `json:"types"`
	PrimaryType string                    `json:"primaryType"`
	Message     apitypes.TypedDataMessage `json:"message"`
}

// DecryptionAuthorization is a signed, time-boxed, contract-scoped permission to
// user-decrypt ciphertext handles. The private key never leaves the caller.
type DecryptionAuthorization struct {
	PublicKey         hexutil.Bytes     `json:"publicKey"`
	PrivateKey        *ecdsa.PrivateKey `json:"-"`
	Signature         hexutil.Bytes     `json:"signature"`
	StartTimestamp    int64             `json:"startTimestamp"`
	DurationDays      int64             `json:"durationDays"`
	UserAddress       common.Address    `json:"userAddress"`
	ContractAddresses []common.Address  `json:"contractAddresses"`
	EIP712            TypedPayload      `json:"eip712"`
}

// CheckDuration reports whether the authorization's lifetime is within
// [1, MaxValidityDays].
func (a *DecryptionAuthorization) CheckDuration() error {
	if a.DurationDays < 1 || a.DurationDays > MaxValidityDays {
		return fmt.Errorf("validity must be between 1 and %d days, got %d", MaxValidityDays, a.DurationDays)
	}
	return nil
}

// Window returns the inclusive validity bounds. Durations outside
// [0, MaxValidityDays] are clamped.
func (a *DecryptionAuthorization) Window() (time.Time, time.Time) {
	days := a.DurationDays
	if days < 0 {
		days = 0
	} else if days > MaxValidityDays {
		days = MaxValidityDays
	}
	start := time.Unix(a.StartTimestamp, 0)
	return start, start.Add(time.Duration(days) * Day)
}

// ValidAt reports whether t falls inside the validity window.
func (a *DecryptionAuthorization) ValidAt(t time.Time) bool {
	start, end := a.Window()
	return !t.Before(start) && !t.After(end)
}

// Covers reports whether contract is named by the authorization.
func (a *DecryptionAuthorization) Covers(contract common.Address) bool {
	for _, c := range a.ContractAddresses {
		if c == contract {
			return true
		}
	}
	return false
}

// TypedDataSigner produces EIP-712 signatures the way a wallet does: the domain
// is passed separately and the type set must not contain the domain type.
type TypedDataSigner interface {
	Address() common.Address
	SignTypedData(ctx context.Context, domain apitypes.TypedDataDomain, types apitypes.Types, primaryType string, message apitypes.TypedDataMessage) ([]byte, error)
}

// Domain describes where decryption authorizations are verified.
type Domain struct {
	ChainID           int64
	VerifyingContract common.Address
}

func (d Domain) typed() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              DomainName,
		Version:           DomainVersion,
		ChainId:           (*math.HexOrDecimal256)(big.NewInt(d.ChainID)),
		VerifyingContract: d.VerifyingContract.Hex(),
	}
}

// NewUserDecryptPayload builds the typed payload binding publicKey, contracts,
// start and duration. The returned type set includes EIP712Domain.
func NewUserDecryptPayload(domain Domain, publicKey []byte, contracts []common.Address, start, durationDays int64) TypedPayload {
	addrs := make([]interface{}, len(contracts))
	for i, c := range contracts {
		addrs[i] = c.Hex()
	}
	return TypedPayload{
		Domain: domain.typed(),
		Types: apitypes.Types{
			DomainTypeName:         domainFields,
			UserDecryptPrimaryType: userDecryptFields,
		},
		PrimaryType: UserDecryptPrimaryType,
		Message: apitypes.TypedDataMessage{
			"publicKey":         hexutil.Encode(publicKey),
			"contractAddresses": addrs,
			"startTimestamp":    (*math.HexOrDecimal256)(big.NewInt(start)),
			"durationDays":      (*math.HexOrDecimal256)(big.NewInt(durationDays)),
		},
	}
}

// SignableTypes returns a copy of types without the self-referential domain entry.
func SignableTypes(types apitypes.Types) apitypes.Types {
	out := make(apitypes.Types, len(types))
	for name, fields := range types {
		if name == DomainTypeName {
			continue
		}
		out[name] = fields
	}
	return out
}

// HashTypedData computes keccak256("\x19\x01" ‖ domainSeparator ‖ hashStruct(message)).
// types may or may not carry the domain entry; the canonical domain fields are used.
func HashTypedData(domain apitypes.TypedDataDomain, types apitypes.Types, primaryType string, message apitypes.TypedDataMessage) ([]byte, error) {
	full := SignableTypes(types)
	full[DomainTypeName] = domainFields

	typedData := apitypes.TypedData{
		Types:       full,
		PrimaryType: primaryType,
		Domain:      domain,
		Message:     message,
	}

	domainSeparator, err := typedData.HashStruct(DomainTypeName, typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := append([]byte{0x19, 0x01}, domainSeparator...)
	rawData = append(rawData, typedDataHash...)
	return crypto.Keccak256(rawData), nil
}

// BuildAuthorization generates an ephemeral keypair and has signer authorize
// decryption of handles owned by contracts for validityDays starting at now.
func BuildAuthorization(ctx context.Context, signer TypedDataSigner, domain Domain, contracts []common.Address, validityDays int64, now time.Time) (*DecryptionAuthorization, error) {
	if len(contracts) == 0 {
		return nil, fmt.Errorf("authorization must name at least one contract")
	}
	if validityDays < 1 || validityDays > MaxValidityDays {
		return nil, fmt.Errorf("validity must be between 1 and %d days, got %d", MaxValidityDays, validityDays)
	}

	ephemeral, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	publicKey := crypto.FromECDSAPub(&ephemeral.PublicKey)
	start := now.Unix()

	payload := NewUserDecryptPayload(domain, publicKey, contracts, start, validityDays)

	sig, err := signer.SignTypedData(ctx, payload.Domain, SignableTypes(payload.Types), payload.PrimaryType, payload.Message)
	if err != nil {
		return nil, fmt.Errorf("signer refused authorization: %w", err)
	}

	log.WithFields(log.Fields{
		"user":      signer.Address().Hex(),
		"contracts": len(contracts),
		"start":     start,
		"days":      validityDays,
	}).Debug("Built decryption authorization")

	return &DecryptionAuthorization{
		PublicKey:         publicKey,
		PrivateKey:        ephemeral,
		Signature:         sig,
		StartTimestamp:    start,
		DurationDays:      validityDays,
		UserAddress:       signer.Address(),
		ContractAddresses: append([]common.Address(nil), contracts...),
		EIP712:            payload,
	}, nil
}

// VerifyAuthorization recomputes the typed hash from the authorization's own
// fields and recovers the signer. The embedded payload is rebuilt rather than
// trusted so a tampered window or contract list fails recovery.
func VerifyAuthorization(domain Domain, auth *DecryptionAuthorization) (common.Address, error) {
	if auth == nil {
		return common.Address{}, fmt.Errorf("nil authorization")
	}
	payload := NewUserDecryptPayload(domain, auth.PublicKey, auth.ContractAddresses, auth.StartTimestamp, auth.DurationDays)

	msgHash, err := HashTypedData(payload.Domain, payload.Types, payload.PrimaryType, payload.Message)
	if err != nil {
		return common.Address{}, fmt.Errorf("EIP-712 hash generation failed: %w", err)
	}

	signer, err := RecoverAddress(msgHash, auth.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("address recovery failed (msgHash=0x%x): %w", msgHash, err)
	}
	return signer, nil
}

// RecoverAddress recovers the signer's address from message hash and a 65-byte
// [R || S || V] signature where V is 27 or 28. The input is not modified.
func RecoverAddress(msgHash, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length: %d, expected %d", len(signature), crypto.SignatureLength)
	}

	v := signature[crypto.RecoveryIDOffset]
	if v != 27 && v != 28 {
		return common.Address{}, fmt.Errorf("invalid recovery id: got %d, expected 27 or 28", v)
	}

	sig := make([]byte, len(signature))
	copy(sig, signature)
	sig[crypto.RecoveryIDOffset] -= 27

	pubKeyRaw, err := crypto.Ecrecover(msgHash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover failed: %w", err)
	}

	pubKey, err := crypto.UnmarshalPubkey(pubKeyRaw)
	if err != nil {
		return common.Address{}, fmt.Errorf("pubkey unmarshal failed: %w", err)
	}

	return crypto.PubkeyToAddress(*pubKey), nil
}

// ParseSignature decodes a hex signature with or without 0x prefix.
func ParseSignature(hexSig string) ([]byte, error) {
	hexStr := strings.TrimPrefix(hexSig, "0x")
	if len(hexStr) != 2*crypto.SignatureLength {
		return nil, fmt.Errorf("invalid signature length: expected %d hex chars, got %d", 2*crypto.SignatureLength, len(hexStr))
	}
	return common.FromHex(hexStr), nil
}
