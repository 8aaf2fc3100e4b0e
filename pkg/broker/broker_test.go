package broker

import (
	"context"
	"crypto/rand"
	"testing"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleecore/corectx/pkg/kek"
	"github.com/fleecore/corectx/pkg/kmsctx"
)

func localKEKDoc() kek.Document {
	return kek.Document{"provider": "local"}
}

func localWrapperFunc(w wrapping.Wrapper) LocalWrapperFunc {
	return func(ctx context.Context) (wrapping.Wrapper, error) {
		return w, nil
	}
}

func TestFilterUnionsUUIDsAndAltNames(t *testing.T) {
	b := New(true, nil)
	id, err := NewRandomUUID()
	require.NoError(t, err)
	b.WantUUID(id)
	b.WantAltName("my-key")

	doc, err := b.Filter()
	require.NoError(t, err)

	clauses, ok := doc["$or"].([]kek.Document)
	require.True(t, ok)
	assert.Len(t, clauses, 2)
}

func TestFilterSingleClauseWhenOnlyUUIDs(t *testing.T) {
	b := New(true, nil)
	id, err := NewRandomUUID()
	require.NoError(t, err)
	b.WantUUID(id)

	doc, err := b.Filter()
	require.NoError(t, err)
	_, hasOr := doc["$or"]
	assert.False(t, hasOr)
	_, hasID := doc["_id"]
	assert.True(t, hasID)
}

func TestAddDocDeduplicatesIdenticalObservations(t *testing.T) {
	id, err := NewRandomUUID()
	require.NoError(t, err)

	b := New(true, nil)
	b.WantUUID(id)
	_, err = b.Filter()
	require.NoError(t, err)

	doc := kek.Document{
		"_id":         id[:],
		"keyMaterial": []byte("wrapped-bytes"),
		"masterKey":   localKEKDoc(),
	}

	require.NoError(t, b.AddDoc(doc))
	require.NoError(t, b.AddDoc(doc)) // identical re-observation accepted

	assert.Equal(t, Encrypted, b.records[id].state)
}

func TestAddDocRejectsContradictoryObservation(t *testing.T) {
	id, err := NewRandomUUID()
	require.NoError(t, err)

	b := New(true, nil)
	b.WantUUID(id)

	doc1 := kek.Document{
		"_id":         id[:],
		"keyMaterial": []byte("version-one"),
		"masterKey":   localKEKDoc(),
	}
	doc2 := kek.Document{
		"_id":         id[:],
		"keyMaterial": []byte("version-two"),
		"masterKey":   localKEKDoc(),
	}

	require.NoError(t, b.AddDoc(doc1))
	err = b.AddDoc(doc2)
	assert.Error(t, err)
}

func TestDoneAddingDocsFailsOnMissingKeyWithRequireAll(t *testing.T) {
	id, err := NewRandomUUID()
	require.NoError(t, err)

	b := New(true, nil)
	b.WantUUID(id)
	_, err = b.Filter()
	require.NoError(t, err)

	err = b.DoneAddingDocs(context.Background())
	require.Error(t, err)

	failed, ferr := b.Failed()
	assert.True(t, failed)
	assert.Error(t, ferr)
}

func TestDoneAddingDocsToleratesMissingKeyWithoutRequireAll(t *testing.T) {
	id, err := NewRandomUUID()
	require.NoError(t, err)

	b := New(false, nil)
	b.WantUUID(id)
	_, err = b.Filter()
	require.NoError(t, err)

	err = b.DoneAddingDocs(context.Background())
	require.NoError(t, err)
	assert.True(t, b.Satisfied())
}

func TestBrokerDecryptsLocalDEKEndToEnd(t *testing.T) {
	ctx := context.Background()

	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	require.NoError(t, err)

	w, err := kmsctx.NewLocalWrapper(ctx, masterKey)
	require.NoError(t, err)

	dekPlain := []byte("0123456789abcdef0123456789abcdef")
	blob, err := w.Encrypt(ctx, dekPlain)
	require.NoError(t, err)

	id, err := NewRandomUUID()
	require.NoError(t, err)

	b := New(true, localWrapperFunc(w))
	b.WantUUID(id)
	_, err = b.Filter()
	require.NoError(t, err)

	doc := kek.Document{
		"_id":         id[:],
		"keyMaterial": blob.Ciphertext,
		"masterKey":   localKEKDoc(),
	}
	require.NoError(t, b.AddDoc(doc))
	require.NoError(t, b.DoneAddingDocs(ctx))

	// The Local sub-context is already terminal; KMSDone promotes it.
	assert.Nil(t, b.NextKMS())
	require.NoError(t, b.KMSDone())

	assert.True(t, b.Satisfied())

	got, err := b.DecryptedKeyFor(id)
	require.NoError(t, err)
	assert.Equal(t, dekPlain, got)
}

func TestBrokerDeterministicKMSIterationOrder(t *testing.T) {
	ctx := context.Background()

	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	require.NoError(t, err)
	w, err := kmsctx.NewLocalWrapper(ctx, masterKey)
	require.NoError(t, err)

	// AWS descriptors never unwrap locally, so their sub-contexts stay
	// Decrypting (non-terminal) until fed — exercising NextKMS's ordering
	// without needing a real KMS round trip.
	ids := make([]UUID, 3)
	b := New(true, localWrapperFunc(w))
	for i := range ids {
		id, err := NewRandomUUID()
		require.NoError(t, err)
		ids[i] = id
		b.WantUUID(id)
	}
	_, err = b.Filter()
	require.NoError(t, err)

	awsKEK := kek.Document{
		"provider": "aws",
		"key":      "arn:aws:kms:us-east-1:123456789012:key/abcd",
		"region":   "us-east-1",
	}
	for _, id := range ids {
		require.NoError(t, b.AddDoc(kek.Document{
			"_id":         id[:],
			"keyMaterial": []byte("wrapped"),
			"masterKey":   awsKEK,
		}))
	}
	require.NoError(t, b.DoneAddingDocs(ctx))
	assert.False(t, b.Satisfied())

	first := b.NextKMS()
	require.NotNil(t, first)
	assert.Same(t, b.records[ids[0]].sub, first)
}
