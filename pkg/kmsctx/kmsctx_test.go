package kmsctx

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleecore/corectx/pkg/endpoint"
	"github.com/fleecore/corectx/pkg/kek"
)

func TestLocalSubContextUnwrapsImmediately(t *testing.T) {
	ctx := context.Background()

	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	require.NoError(t, err)

	w, err := NewLocalWrapper(ctx, masterKey)
	require.NoError(t, err)

	dek := []byte("super-secret-data-encryption-key")
	blob, err := w.Encrypt(ctx, dek)
	require.NoError(t, err)

	d := &kek.Descriptor{Provider: kek.Local}
	sc, err := New(ctx, d, blob.Ciphertext, w)
	require.NoError(t, err)

	assert.True(t, sc.Done())
	assert.Equal(t, 0, sc.NeedBytes())
	assert.Empty(t, sc.BytesToSend())

	pt, err := sc.Result()
	require.NoError(t, err)
	assert.Equal(t, dek, pt)
}

func TestAWSSubContextRequestResponseCycle(t *testing.T) {
	ctx := context.Background()

	d := &kek.Descriptor{Provider: kek.AWS, AWS: kek.AWSParams{
		CMK:    "arn:aws:kms:us-east-1:123456789012:key/abcd",
		Region: "us-east-1",
	}}

	sc, err := New(ctx, d, []byte("wrapped-bytes"), nil)
	require.NoError(t, err)

	assert.False(t, sc.Done())
	reqBytes := sc.BytesToSend()
	assert.NotEmpty(t, reqBytes)

	var req request
	require.NoError(t, json.Unmarshal(reqBytes, &req))
	assert.Equal(t, "aws", req.Provider)

	// Before the request is marked sent, there's nothing to feed.
	assert.Equal(t, 0, sc.NeedBytes())

	sc.MarkSent()
	assert.Empty(t, sc.BytesToSend())
	assert.Greater(t, sc.NeedBytes(), 0)

	plaintext := []byte("unwrapped-dek-material")
	resp, err := json.Marshal(response{Plaintext: base64.StdEncoding.EncodeToString(plaintext)})
	require.NoError(t, err)

	require.NoError(t, sc.Feed(resp))
	assert.True(t, sc.Done())
	assert.Equal(t, 0, sc.NeedBytes())

	got, err := sc.Result()
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestSubContextFeedErrorEnvelope(t *testing.T) {
	ctx := context.Background()
	d := &kek.Descriptor{Provider: kek.GCP, GCP: kek.GCPParams{
		ProjectID: "p", Location: "global", KeyRing: "r", KeyName: "k",
	}}
	sc, err := New(ctx, d, []byte("ct"), nil)
	require.NoError(t, err)
	sc.MarkSent()

	resp, err := json.Marshal(response{Error: "access denied"})
	require.NoError(t, err)

	err = sc.Feed(resp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
	assert.True(t, sc.Done())

	_, err = sc.Result()
	require.Error(t, err)
}

func TestFeedBeforeSentIsRejected(t *testing.T) {
	ctx := context.Background()
	d := &kek.Descriptor{Provider: kek.Azure, Azure: kek.AzureParams{
		KeyName: "k",
	}}
	ep, err := endpoint.Parse("vault.example")
	require.NoError(t, err)
	d.Azure.KeyVaultEndpoint = ep

	sc, err := New(ctx, d, []byte("ct"), nil)
	require.NoError(t, err)

	err = sc.Feed([]byte(`{"plaintext":""}`))
	assert.Error(t, err)
}

func TestBuildCloudWrapperConfiguresWithoutNetworkCall(t *testing.T) {
	if os.Getenv("CORECTX_SKIP_CLOUD_WRAPPER_TESTS") != "" {
		t.Skip("cloud wrapper construction disabled in this environment")
	}

	ctx := context.Background()
	d := &kek.Descriptor{Provider: kek.AWS, AWS: kek.AWSParams{
		CMK: "arn:aws:kms:us-east-1:123456789012:key/abcd", Region: "us-east-1",
	}}
	w, err := BuildCloudWrapper(ctx, d)
	// SetConfig for the real AWS KMS wrapper only prepares an SDK client;
	// it doesn't make network calls. We don't assert success here since
	// the wrapper may still validate local AWS config state that varies
	// by environment — only that it doesn't panic and reports a typed
	// wrapping.Wrapper or a clear error.
	if err != nil {
		t.Skipf("aws kms wrapper unavailable in this environment: %v", err)
	}
	assert.NotNil(t, w)
}
