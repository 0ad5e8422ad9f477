package fhe

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	customcrypto "github.com/podium-protocol/confidential-records/pkgs/crypto"
	"github.com/podium-protocol/confidential-records/pkgs/protocol"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/nacl/secretbox"
)

const handleVersion = 0

// sealed is a ciphertext at rest inside the local service.
type sealed struct {
	box       []byte
	nonce     [24]byte
	contract  common.Address
	submitter common.Address
	width     Width
}

// LocalService is an in-process encryption service. Values are sealed with a
// service key and never stored in cleartext; proofs are ECDSA signatures by
// the service identity over (handle, contract, submitter).
type LocalService struct {
	sealKey [32]byte
	signer  *customcrypto.KeySigner
	random  io.Reader

	mu          sync.RWMutex
	ciphertexts map[Handle]*sealed

	counter atomic.Uint64
}

// NewLocalService creates a service with fresh random key material.
func NewLocalService() (*LocalService, error) {
	signer, err := customcrypto.GenerateKeySigner()
	if err != nil {
		return nil, err
	}
	s := &LocalService{
		signer:      signer,
		random:      rand.Reader,
		ciphertexts: make(map[Handle]*sealed),
	}
	if _, err := io.ReadFull(s.random, s.sealKey[:]); err != nil {
		return nil, fmt.Errorf("failed to generate seal key: %w", err)
	}
	return s, nil
}

// Identity is the address whose signatures constitute input proofs.
func (s *LocalService) Identity() common.Address {
	return s.signer.Address()
}

// Encrypt seals req.Value and returns a fresh handle with its proof.
func (s *LocalService) Encrypt(ctx context.Context, req EncryptRequest) (Ciphertext, error) {
	if err := ctx.Err(); err != nil {
		return Ciphertext{}, err
	}
	if !req.Width.Valid() {
		return Ciphertext{}, fmt.Errorf("unsupported width %d", req.Width)
	}
	if !req.Width.Fits(req.Value) {
		return Ciphertext{}, fmt.Errorf("value does not fit in %d bits", req.Width)
	}

	handle, err := s.deriveHandle(req)
	if err != nil {
		return Ciphertext{}, err
	}

	entry := &sealed{contract: req.Contract, submitter: req.Submitter, width: req.Width}
	if _, err := io.ReadFull(s.random, entry.nonce[:]); err != nil {
		return Ciphertext{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	var plain [8]byte
	binary.BigEndian.PutUint64(plain[:], req.Value)
	entry.box = secretbox.Seal(nil, plain[:], &entry.nonce, &s.sealKey)

	proof, err := s.signer.SignHash(proofDigest(handle, req.Contract, req.Submitter))
	if err != nil {
		return Ciphertext{}, err
	}

	s.mu.Lock()
	s.ciphertexts[handle] = entry
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"handle":    handle.Hex(),
		"contract":  req.Contract.Hex(),
		"submitter": req.Submitter.Hex(),
		"width":     req.Width,
	}).Debug("Encrypted input")

	return Ciphertext{Handle: handle, Proof: proof}, nil
}

// VerifyInput checks the proof signature and that the handle was produced
// for the same contract and submitter.
func (s *LocalService) VerifyInput(ctx context.Context, handle Handle, proof []byte, contract, submitter common.Address) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	signer, err := customcrypto.RecoverAddress(proofDigest(handle, contract, submitter), proof)
	if err != nil {
		return protocol.Wrap(protocol.KindInvalidCiphertext, "verifyInput", err)
	}
	if signer != s.signer.Address() {
		return protocol.E(protocol.KindInvalidCiphertext, "verifyInput", "proof not signed by encryption service")
	}

	s.mu.RLock()
	entry, ok := s.ciphertexts[handle]
	s.mu.RUnlock()
	if !ok {
		return protocol.E(protocol.KindInvalidCiphertext, "verifyInput", "unknown handle %s", handle.Hex())
	}
	if entry.contract != contract || entry.submitter != submitter {
		return protocol.E(protocol.KindInvalidCiphertext, "verifyInput", "handle %s bound to a different contract or submitter", handle.Hex())
	}
	return nil
}

// UserDecrypt opens each requested ciphertext and re-encrypts it to the
// requester's ephemeral public key. A handle is only released for the
// contract it was encrypted for.
func (s *LocalService) UserDecrypt(ctx context.Context, req UserDecryptRequest) (map[Handle][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pub, err := crypto.UnmarshalPubkey(req.PublicKey)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindUnauthorized, "userDecrypt", fmt.Errorf("invalid public key: %w", err))
	}
	recipient := ecies.ImportECDSAPublic(pub)

	out := make(map[Handle][]byte, len(req.Pairs))
	for _, pair := range req.Pairs {
		s.mu.RLock()
		entry, ok := s.ciphertexts[pair.Handle]
		s.mu.RUnlock()
		if !ok {
			return nil, protocol.E(protocol.KindNotFound, "userDecrypt", "unknown handle %s", pair.Handle.Hex())
		}
		if entry.contract != pair.Contract {
			return nil, protocol.E(protocol.KindUnauthorized, "userDecrypt", "handle %s is not owned by %s", pair.Handle.Hex(), pair.Contract.Hex())
		}

		plain, ok := secretbox.Open(nil, entry.box, &entry.nonce, &s.sealKey)
		if !ok {
			return nil, fmt.Errorf("ciphertext %s failed to open", pair.Handle.Hex())
		}
		reencrypted, err := ecies.Encrypt(s.random, recipient, plain, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("re-encryption failed: %w", err)
		}
		out[pair.Handle] = reencrypted
	}
	return out, nil
}

func (s *LocalService) deriveHandle(req EncryptRequest) (Handle, error) {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], s.counter.Add(1))
	var salt [16]byte
	if _, err := io.ReadFull(s.random, salt[:]); err != nil {
		return Handle{}, fmt.Errorf("failed to generate handle salt: %w", err)
	}

	digest := crypto.Keccak256(req.Contract.Bytes(), req.Submitter.Bytes(), seq[:], salt[:])

	var h Handle
	copy(h[:30], digest[:30])
	h[30] = req.Width.typeCode()
	h[31] = handleVersion
	return h, nil
}

func proofDigest(handle Handle, contract, submitter common.Address) []byte {
	return crypto.Keccak256(handle[:], contract.Bytes(), submitter.Bytes())
}

// OpenReencrypted decrypts a value the service re-encrypted to the
// authorization's ephemeral key.
func OpenReencrypted(priv *ecies.PrivateKey, ct []byte) (uint64, error) {
	plain, err := priv.Decrypt(ct, nil, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to decrypt re-encrypted value: %w", err)
	}
	if len(plain) != 8 {
		return 0, fmt.Errorf("unexpected cleartext length %d", len(plain))
	}
	return binary.BigEndian.Uint64(plain), nil
}
