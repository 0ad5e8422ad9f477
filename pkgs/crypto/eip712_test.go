package crypto

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testDomain = Domain{
		ChainID:           31337,
		VerifyingContract: common.HexToAddress("0x1364cBBf2cDF5032C47d8226a6f6FBD2AFCDacAC"),
	}
	registryAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	otherAddr    = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
)

func TestBuildAuthorizationRecoversSigner(t *testing.T) {
	signer, err := GenerateKeySigner()
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	auth, err := BuildAuthorization(context.Background(), signer, testDomain, []common.Address{registryAddr}, 1, now)
	require.NoError(t, err)

	assert.Equal(t, signer.Address(), auth.UserAddress)
	assert.Equal(t, now.Unix(), auth.StartTimestamp)
	assert.NotNil(t, auth.PrivateKey)
	assert.Len(t, auth.PublicKey, 65)
	assert.Contains(t, auth.EIP712.Types, DomainTypeName, "produced payload keeps the full type set")

	recovered, err := VerifyAuthorization(testDomain, auth)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), recovered)
}

func TestTamperedAuthorizationRecoversDifferentAddress(t *testing.T) {
	signer, err := GenerateKeySigner()
	require.NoError(t, err)

	auth, err := BuildAuthorization(context.Background(), signer, testDomain, []common.Address{registryAddr}, 1, time.Now())
	require.NoError(t, err)

	auth.ContractAddresses = append(auth.ContractAddresses, otherAddr)
	recovered, err := VerifyAuthorization(testDomain, auth)
	if err == nil {
		assert.NotEqual(t, signer.Address(), recovered)
	}

	auth.ContractAddresses = auth.ContractAddresses[:1]
	auth.DurationDays = 30
	recovered, err = VerifyAuthorization(testDomain, auth)
	if err == nil {
		assert.NotEqual(t, signer.Address(), recovered)
	}
}

func TestSignerRejectsDomainInTypeSet(t *testing.T) {
	signer, err := GenerateKeySigner()
	require.NoError(t, err)

	payload := NewUserDecryptPayload(testDomain, []byte{0x04, 0x01}, []common.Address{registryAddr}, 1, 1)
	_, err = signer.SignTypedData(context.Background(), payload.Domain, payload.Types, payload.PrimaryType, payload.Message)
	assert.ErrorIs(t, err, ErrAmbiguousTypes)

	sig, err := signer.SignTypedData(context.Background(), payload.Domain, SignableTypes(payload.Types), payload.PrimaryType, payload.Message)
	require.NoError(t, err)
	assert.Len(t, sig, 65)
}

func TestSignableTypesDoesNotMutateInput(t *testing.T) {
	payload := NewUserDecryptPayload(testDomain, []byte{0x01}, []common.Address{registryAddr}, 1, 1)
	stripped := SignableTypes(payload.Types)

	assert.NotContains(t, stripped, DomainTypeName)
	assert.Contains(t, stripped, UserDecryptPrimaryType)
	assert.Contains(t, payload.Types, DomainTypeName)
}

func TestAuthorizationWindow(t *testing.T) {
	auth := &DecryptionAuthorization{StartTimestamp: 1_000, DurationDays: 2, ContractAddresses: []common.Address{registryAddr}}
	start, end := auth.Window()

	assert.True(t, auth.ValidAt(start))
	assert.True(t, auth.ValidAt(end))
	assert.True(t, auth.ValidAt(start.Add(Day)))
	assert.False(t, auth.ValidAt(start.Add(-time.Second)))
	assert.False(t, auth.ValidAt(end.Add(time.Second)))

	assert.True(t, auth.Covers(registryAddr))
	assert.False(t, auth.Covers(otherAddr))

	auth.DurationDays = math.MaxInt64
	_, end = auth.Window()
	assert.True(t, end.After(start), "huge durations are clamped, not wrapped")
	assert.Error(t, auth.CheckDuration())
}

func TestBuildAuthorizationValidatesInput(t *testing.T) {
	signer, err := GenerateKeySigner()
	require.NoError(t, err)

	_, err = BuildAuthorization(context.Background(), signer, testDomain, nil, 1, time.Now())
	assert.Error(t, err)
	_, err = BuildAuthorization(context.Background(), signer, testDomain, []common.Address{registryAddr}, 0, time.Now())
	assert.Error(t, err)
	_, err = BuildAuthorization(context.Background(), signer, testDomain, []common.Address{registryAddr}, MaxValidityDays+1, time.Now())
	assert.Error(t, err)
}

func TestRecoverAddressRejectsBadRecoveryID(t *testing.T) {
	sig := make([]byte, 65)
	sig[64] = 1
	_, err := RecoverAddress(make([]byte, 32), sig)
	assert.Error(t, err)

	_, err = RecoverAddress(make([]byte, 32), []byte{1, 2, 3})
	assert.Error(t, err)
}

func TestParseSignature(t *testing.T) {
	signer, err := GenerateKeySigner()
	require.NoError(t, err)
	sig, err := signer.SignHash(make([]byte, 32))
	require.NoError(t, err)

	parsed, err := ParseSignature(common.Bytes2Hex(sig))
	require.NoError(t, err)
	assert.Equal(t, sig, parsed)

	_, err = ParseSignature("0x1234")
	assert.Error(t, err)
}
