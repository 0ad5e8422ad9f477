package fhe

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// HandleLength is the size of a ciphertext handle in bytes.
const HandleLength = 32

// Width is the bit width of an encrypted unsigned integer.
type Width uint8

const (
	Uint32 Width = 32
	Uint64 Width = 64
)

// typeCode is the width tag embedded in byte 30 of a handle.
func (w Width) typeCode() byte {
	switch w {
	case Uint32:
		return 4
	case Uint64:
		return 5
	default:
		return 0
	}
}

func widthFromCode(b byte) (Width, bool) {
	switch b {
	case 4:
		return Uint32, true
	case 5:
		return Uint64, true
	default:
		return 0, false
	}
}

// Valid reports whether w is a supported width.
func (w Width) Valid() bool {
	return w == Uint32 || w == Uint64
}

// Fits reports whether value is representable in w bits.
func (w Width) Fits(value uint64) bool {
	switch w {
	case Uint32:
		return value <= math.MaxUint32
	case Uint64:
		return true
	default:
		return false
	}
}

// Handle is an opaque reference to a ciphertext held by the encryption service.
type Handle [HandleLength]byte

// Width returns the width tag carried by the handle.
func (h Handle) Width() (Width, bool) {
	return widthFromCode(h[30])
}

// IsZero reports whether h is unset.
func (h Handle) IsZero() bool {
	return h == Handle{}
}

// Hex returns the 0x-prefixed hex form.
func (h Handle) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

func (h Handle) String() string { return h.Hex() }

// MarshalText encodes the handle as hex.
func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

// UnmarshalText decodes a hex handle.
func (h *Handle) UnmarshalText(text []byte) error {
	parsed, err := ParseHandle(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHandle decodes a 0x-prefixed 32-byte hex handle.
func ParseHandle(s string) (Handle, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return Handle{}, fmt.Errorf("invalid handle %q: %w", s, err)
	}
	if len(raw) != HandleLength {
		return Handle{}, fmt.Errorf("invalid handle length: %d, expected %d", len(raw), HandleLength)
	}
	var h Handle
	copy(h[:], raw)
	return h, nil
}

// Ciphertext is the result of encrypting one value: the handle plus a proof
// that binds it to the target contract and submitter.
type Ciphertext struct {
	Handle Handle `json:"handle"`
	Proof  []byte `json:"inputProof"`
}

// EncryptRequest asks the service to encrypt a single value.
type EncryptRequest struct {
	Contract  common.Address
	Submitter common.Address
	Value     uint64
	Width     Width
}

// HandleContractPair names the contract a handle belongs to.
type HandleContractPair struct {
	Handle   Handle         `json:"handle"`
	Contract common.Address `json:"contractAddress"`
}

// UserDecryptRequest carries handles and the authorization material the
// service needs to re-encrypt results for the requester.
type UserDecryptRequest struct {
	Pairs             []HandleContractPair
	PublicKey         []byte
	Signature         []byte
	ContractAddresses []common.Address
	UserAddress       common.Address
	StartTimestamp    int64
	DurationDays      int64
}

// Service is the opaque encryption collaborator. Implementations own the
// key material; callers only ever see handles, proofs and re-encrypted values.
type Service interface {
	Encrypt(ctx context.Context, req EncryptRequest) (Ciphertext, error)
	// VerifyInput checks that proof binds handle to contract and submitter.
	VerifyInput(ctx context.Context, handle Handle, proof []byte, contract, submitter common.Address) error
	// UserDecrypt returns each value re-encrypted to req.PublicKey.
	UserDecrypt(ctx context.Context, req UserDecryptRequest) (map[Handle][]byte, error)
}
