package ipfs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ref, err := store.Pin(ctx, []byte(`{"lap":1,"split":"00:01:02"}`))
	require.NoError(t, err)
	assert.Contains(t, ref, Scheme)

	again, err := store.Pin(ctx, []byte(`{"lap":1,"split":"00:01:02"}`))
	require.NoError(t, err)
	assert.Equal(t, ref, again, "content addressed")

	data, err := store.Fetch(ctx, ref)
	require.NoError(t, err)
	assert.JSONEq(t, `{"lap":1,"split":"00:01:02"}`, string(data))

	_, err = store.Pin(ctx, nil)
	assert.Error(t, err)
}

func TestParseCIDForms(t *testing.T) {
	store := NewMemoryStore()
	ref, err := store.Pin(context.Background(), []byte("evidence"))
	require.NoError(t, err)

	c, err := ParseCID(ref)
	require.NoError(t, err)
	bare := c.String()

	for _, in := range []string{bare, Scheme + bare, "/ipfs/" + bare, " " + Scheme + bare + "/photo.jpg "} {
		got, err := ParseCID(in)
		require.NoError(t, err, in)
		assert.Equal(t, c, got)
	}

	_, err = ParseCID("ipfs://not-a-cid")
	assert.Error(t, err)
	_, err = ParseCID("")
	assert.Error(t, err)
}

func TestNewClientAcceptsEndpointForms(t *testing.T) {
	for _, endpoint := range []string{"", "/ip4/127.0.0.1/tcp/5001", "/dns4/ipfs/tcp/5001", "localhost:5001", "http://127.0.0.1:5001"} {
		client, err := NewClient(endpoint)
		require.NoError(t, err, endpoint)
		require.NotNil(t, client)
	}

	_, err := NewClient("/ip4/not-an-ip/tcp/5001")
	assert.Error(t, err)
}
