package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	customcrypto "github.com/podium-protocol/confidential-records/pkgs/crypto"
	"github.com/podium-protocol/confidential-records/pkgs/fhe"
	"github.com/podium-protocol/confidential-records/pkgs/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	contractAddr  = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	authorityAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	hostAddr      = common.HexToAddress("0x0000000000000000000000000000000000000001")
	recorderAddr  = common.HexToAddress("0x0000000000000000000000000000000000000002")
	athleteAddr   = common.HexToAddress("0x0000000000000000000000000000000000000003")
	validatorA    = common.HexToAddress("0x000000000000000000000000000000000000000a")
	validatorB    = common.HexToAddress("0x000000000000000000000000000000000000000b")
	validatorC    = common.HexToAddress("0x000000000000000000000000000000000000000c")
	outsider      = common.HexToAddress("0x00000000000000000000000000000000000000ff")
)

// acceptAll accepts any non-empty proof whose handle carries the expected width.
type acceptAll struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (v *acceptAll) VerifyInput(_ context.Context, handle fhe.Handle, _ []byte, _, _ common.Address, width fhe.Width) error {
	v.mu.Lock()
	v.calls++
	v.mu.Unlock()
	if v.err != nil {
		return v.err
	}
	if w, ok := handle.Width(); !ok || w != width {
		return protocol.E(protocol.KindInvalidCiphertext, "verifyInput", "width mismatch")
	}
	return nil
}

func fakeHandle(seed byte, width fhe.Width) fhe.Handle {
	var h fhe.Handle
	h[0] = seed
	h[1] = 0x42
	switch width {
	case fhe.Uint32:
		h[30] = 4
	case fhe.Uint64:
		h[30] = 5
	}
	return h
}

func newTestRegistry(t *testing.T, verifier ProofVerifier) *Registry {
	t.Helper()
	if verifier == nil {
		verifier = &acceptAll{}
	}
	r, err := New(Config{
		Contract:  contractAddr,
		Authority: authorityAddr,
		Verifier:  verifier,
		Clock:     func() time.Time { return time.Unix(1_700_000_000, 0) },
	})
	require.NoError(t, err)
	return r
}

func registerABC(t *testing.T, r *Registry, threshold uint32) uint64 {
	t.Helper()
	id, err := r.RegisterCompetition(context.Background(), hostAddr, RegisterCompetitionInput{
		MetadataCID:           "ipfs://bafymeta",
		BeginTime:             100,
		FinishTime:            200,
		RequiredConfirmations: threshold,
		Validators:            []common.Address{validatorA, validatorB, validatorC},
	})
	require.NoError(t, err)
	return id
}

func uploadInput(competitionID uint64, seed byte) UploadRecordInput {
	return UploadRecordInput{
		CompetitionID:     competitionID,
		ParticipantID:     fmt.Sprintf("BIB-%d", seed),
		ParticipantWallet: athleteAddr,
		EncryptedTime:     fakeHandle(seed, fhe.Uint64),
		TimeProof:         []byte{0x01},
		EncryptedRank:     fakeHandle(seed, fhe.Uint32),
		RankProof:         []byte{0x02},
		RecordCID:         "ipfs://bafyevidence",
	}
}

func upload(t *testing.T, r *Registry, competitionID uint64, seed byte) uint64 {
	t.Helper()
	id, err := r.UploadRecord(context.Background(), recorderAddr, uploadInput(competitionID, seed))
	require.NoError(t, err)
	return id
}

func TestRegisterCompetitionValidation(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()

	valid := RegisterCompetitionInput{
		MetadataCID:           "ipfs://bafymeta",
		RequiredConfirmations: 2,
		Validators:            []common.Address{validatorA, validatorB},
	}

	tests := []struct {
		name   string
		mutate func(in *RegisterCompetitionInput)
	}{
		{"empty metadata", func(in *RegisterCompetitionInput) { in.MetadataCID = "  " }},
		{"zero threshold", func(in *RegisterCompetitionInput) { in.RequiredConfirmations = 0 }},
		{"threshold above validators", func(in *RegisterCompetitionInput) { in.RequiredConfirmations = 3 }},
		{"finish before begin", func(in *RegisterCompetitionInput) { in.BeginTime, in.FinishTime = 20, 10 }},
		{"duplicate validator", func(in *RegisterCompetitionInput) { in.Validators = []common.Address{validatorA, validatorA} }},
		{"zero validator", func(in *RegisterCompetitionInput) { in.Validators = []common.Address{validatorA, {}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			in.Validators = append([]common.Address(nil), valid.Validators...)
			tt.mutate(&in)
			_, err := r.RegisterCompetition(ctx, hostAddr, in)
			assert.ErrorIs(t, err, protocol.ErrInvalidConfiguration)
		})
	}
	assert.Equal(t, uint64(1), r.NextCompetitionID(), "failed registrations allocate nothing")

	unset := valid
	unset.BeginTime = 50
	id, err := r.RegisterCompetition(ctx, hostAddr, unset)
	require.NoError(t, err, "a zero finish time means unset")
	assert.Equal(t, uint64(1), id)

	c, err := r.CompetitionByID(id)
	require.NoError(t, err)
	assert.True(t, c.IsActive)
	assert.Equal(t, hostAddr, c.Host)
	assert.Equal(t, uint64(2), r.NextCompetitionID())

	_, err = r.CompetitionByID(0)
	assert.ErrorIs(t, err, protocol.ErrNotFound)
}

func TestSetActive(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()
	id := registerABC(t, r, 2)

	assert.ErrorIs(t, r.SetActive(ctx, outsider, id, false), protocol.ErrUnauthorized)
	assert.ErrorIs(t, r.SetActive(ctx, hostAddr, 99, false), protocol.ErrNotFound)

	recordID := upload(t, r, id, 1)
	require.NoError(t, r.SetActive(ctx, hostAddr, id, false))

	_, err := r.UploadRecord(ctx, recorderAddr, uploadInput(id, 2))
	assert.ErrorIs(t, err, protocol.ErrCompetitionInactive)
	_, err = r.UploadRecord(ctx, hostAddr, uploadInput(id, 2))
	assert.ErrorIs(t, err, protocol.ErrCompetitionInactive, "inactive regardless of caller")

	// Existing records survive deactivation.
	rec, err := r.FetchRecord(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, rec.State)

	require.NoError(t, r.SetActive(ctx, hostAddr, id, true))
	upload(t, r, id, 3)
}

func TestUploadRecordValidation(t *testing.T) {
	verifier := &acceptAll{}
	r := newTestRegistry(t, verifier)
	ctx := context.Background()
	id := registerABC(t, r, 2)

	_, err := r.UploadRecord(ctx, recorderAddr, uploadInput(42, 1))
	assert.ErrorIs(t, err, protocol.ErrNotFound)

	in := uploadInput(id, 1)
	in.RecordCID = ""
	_, err = r.UploadRecord(ctx, recorderAddr, in)
	assert.ErrorIs(t, err, protocol.ErrInvalidConfiguration)

	in = uploadInput(id, 1)
	in.EncryptedTime, in.EncryptedRank = in.EncryptedRank, in.EncryptedTime
	_, err = r.UploadRecord(ctx, recorderAddr, in)
	assert.ErrorIs(t, err, protocol.ErrInvalidCiphertext, "time must be the 64-bit ciphertext")

	in = uploadInput(id, 1)
	in.RankProof = nil
	_, err = r.UploadRecord(ctx, recorderAddr, in)
	assert.ErrorIs(t, err, protocol.ErrInvalidCiphertext)

	verifier.err = protocol.E(protocol.KindUnavailable, "verifyInput", "timeout")
	_, err = r.UploadRecord(ctx, recorderAddr, uploadInput(id, 1))
	assert.True(t, protocol.Retryable(err), "transient verifier faults stay retryable")
	verifier.err = nil

	assert.Equal(t, uint64(1), r.NextRecordID())

	recordID := upload(t, r, id, 1)
	rec, err := r.FetchRecord(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, rec.State)
	assert.Equal(t, recorderAddr, rec.Recorder)
	assert.Zero(t, rec.ValidationCount)
	assert.Equal(t, time.Unix(1_700_000_000, 0), rec.CreatedAt)
}

func TestUploadRecordWithGatewayProofs(t *testing.T) {
	svc, err := fhe.NewLocalService()
	require.NoError(t, err)
	gw, err := fhe.NewGateway(fhe.GatewayConfig{Service: svc, Domain: customcrypto.Domain{ChainID: 1, VerifyingContract: contractAddr}})
	require.NoError(t, err)

	r := newTestRegistry(t, gw)
	ctx := context.Background()
	id := registerABC(t, r, 1)

	fields, err := gw.EncryptRecordFields(ctx, contractAddr, recorderAddr, 61_250, 1)
	require.NoError(t, err)

	in := UploadRecordInput{
		CompetitionID:     id,
		ParticipantID:     "BIB-7",
		ParticipantWallet: athleteAddr,
		EncryptedTime:     fields.Time.Handle,
		TimeProof:         fields.Time.Proof,
		EncryptedRank:     fields.Rank.Handle,
		RankProof:         fields.Rank.Proof,
		RecordCID:         "ipfs://bafyevidence",
	}

	// Proofs are bound to the submitter.
	_, err = r.UploadRecord(ctx, outsider, in)
	assert.ErrorIs(t, err, protocol.ErrInvalidCiphertext)

	recordID, err := r.UploadRecord(ctx, recorderAddr, in)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), recordID)
}

func TestFetchRecordsByCompetitionPaging(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()
	first := registerABC(t, r, 2)
	second := registerABC(t, r, 2)

	upload(t, r, first, 1)
	upload(t, r, second, 2)
	upload(t, r, first, 3)
	upload(t, r, first, 4)

	page, err := r.FetchRecordsByCompetition(ctx, first, 0, 50)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, []uint64{1, 3, 4}, []uint64{page[0].ID, page[1].ID, page[2].ID})

	page, err = r.FetchRecordsByCompetition(ctx, first, 3, 50)
	require.NoError(t, err)
	assert.NotNil(t, page)
	assert.Empty(t, page)

	page, err = r.FetchRecordsByCompetition(ctx, first, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, uint64(3), page[0].ID)

	page, err = r.FetchRecordsByCompetition(ctx, first, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, page)

	_, err = r.FetchRecordsByCompetition(ctx, 9, 0, 10)
	assert.ErrorIs(t, err, protocol.ErrNotFound)

	assert.Equal(t, 3, r.CountRecords(first))
}

func TestPageSizeIsCapped(t *testing.T) {
	r := newTestRegistry(t, nil)
	id := registerABC(t, r, 1)
	for i := 0; i < MaxPageSize+5; i++ {
		upload(t, r, id, byte(i))
	}
	page, err := r.FetchRecordsByCompetition(context.Background(), id, 0, 1000)
	require.NoError(t, err)
	assert.Len(t, page, MaxPageSize)
}

func TestSnapshotsDoNotAlias(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()
	id := registerABC(t, r, 2)
	recordID := upload(t, r, id, 1)

	c, err := r.CompetitionByID(id)
	require.NoError(t, err)
	c.Validators[0] = outsider

	_, err = r.ValidateRecord(ctx, outsider, recordID, true, "")
	assert.ErrorIs(t, err, protocol.ErrUnauthorized)

	_, err = r.ValidateRecord(ctx, validatorA, recordID, true, "")
	require.NoError(t, err)
	rec, err := r.FetchRecord(ctx, recordID)
	require.NoError(t, err)
	rec.Voters[0] = outsider

	_, err = r.ValidateRecord(ctx, validatorA, recordID, true, "")
	assert.ErrorIs(t, err, protocol.ErrAlreadyVoted)
}

func TestListCompetitionsNewestFirst(t *testing.T) {
	r := newTestRegistry(t, nil)
	registerABC(t, r, 1)
	registerABC(t, r, 2)
	registerABC(t, r, 3)

	list := r.ListCompetitions()
	require.Len(t, list, 3)
	assert.Equal(t, uint64(3), list[0].ID)
	assert.Equal(t, uint64(1), list[2].ID)
}

func TestConcurrentUploadsAllocateDenseIDs(t *testing.T) {
	r := newTestRegistry(t, nil)
	id := registerABC(t, r, 1)

	const workers = 32
	ids := make(chan uint64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(seed byte) {
			defer wg.Done()
			recordID, err := r.UploadRecord(context.Background(), recorderAddr, uploadInput(id, seed))
			assert.NoError(t, err)
			ids <- recordID
		}(byte(i))
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for recordID := range ids {
		assert.False(t, seen[recordID], "duplicate id %d", recordID)
		seen[recordID] = true
	}
	for i := uint64(1); i <= workers; i++ {
		assert.True(t, seen[i], "missing id %d", i)
	}
	assert.Equal(t, uint64(workers+1), r.NextRecordID())
}
