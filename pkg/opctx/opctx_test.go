package opctx

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleecore/corectx/pkg/broker"
	"github.com/fleecore/corectx/pkg/kmsctx"
	"github.com/fleecore/corectx/pkg/procstate"
	"github.com/fleecore/corectx/pkg/status"
)

func newHandle(t *testing.T) (*procstate.Handle, []byte) {
	t.Helper()
	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	require.NoError(t, err)

	w, err := kmsctx.NewLocalWrapper(context.Background(), masterKey)
	require.NoError(t, err)

	handle := procstate.New(nil, func(ctx context.Context) (wrapping.Wrapper, error) {
		return w, nil
	})
	return handle, masterKey
}

func keyDocument(id, ciphertext []byte) map[string]any {
	return map[string]any{
		"_id":         id,
		"keyMaterial": ciphertext,
		"masterKey":   map[string]any{"provider": "local"},
	}
}

func TestDecryptWithoutKeysShortCircuitsToReady(t *testing.T) {
	handle, _ := newHandle(t)

	payload, err := json.Marshal(decryptPayload{
		Document: json.RawMessage(`{"a":1}`),
		KeyRefs:  nil,
	})
	require.NoError(t, err)

	c, err := NewDecrypt(handle, payload, nil)
	require.NoError(t, err)
	assert.Equal(t, Ready, c.State())

	// No mongo or KMS round trip: Finalize is legal immediately and hands
	// back the document with no resolved keys.
	out, ferr := c.Finalize(context.Background())
	assert.NoError(t, ferr)
	assert.Equal(t, Done, c.State())
	assert.JSONEq(t, `{"document":{"a":1},"keys":{}}`, string(out))
}

func TestWrongStateTransitionsToErrorAndSticks(t *testing.T) {
	handle, _ := newHandle(t)

	c := NewEncrypt(handle, Namespace{DB: "d", Collection: "c"}, []byte(`{"insert":"c"}`), nil)

	// Finalize is illegal in NeedMongoCollInfo.
	_, err := c.Finalize(context.Background())
	require.Error(t, err)
	assert.Equal(t, Error, c.State())

	// The error is sticky: a call legal in other circumstances still fails.
	_, err2 := c.MongoOp(context.Background())
	require.Error(t, err2)
	assert.Equal(t, Error, c.State())

	var st status.Status
	c.Status(&st)
	assert.False(t, st.Ok())
	assert.Equal(t, status.Client, st.Kind())
	assert.Equal(t, "wrong state", st.Message())
}

func TestEncryptHappyPathWithLocalKEK(t *testing.T) {
	ctx := context.Background()
	handle, masterKey := newHandle(t)

	w, err := kmsctx.NewLocalWrapper(ctx, masterKey)
	require.NoError(t, err)

	dekPlain := []byte("0123456789abcdef0123456789abcdef")
	blob, err := w.Encrypt(ctx, dekPlain)
	require.NoError(t, err)

	id, err := broker.NewRandomUUID()
	require.NoError(t, err)

	c := NewEncrypt(handle, Namespace{DB: "d", Collection: "c"},
		[]byte(`{"insert":"c","documents":[{"ssn":"secret"}]}`), nil)
	require.Equal(t, NeedMongoCollInfo, c.State())

	_, err = c.MongoOp(ctx)
	require.NoError(t, err)
	require.NoError(t, c.MongoFeed(ctx, []byte(`{"fields":{}}`)))
	require.NoError(t, c.MongoDone(ctx))
	assert.Equal(t, NeedMongoMarkings, c.State())

	_, err = c.MongoOp(ctx)
	require.NoError(t, err)

	marked, err := json.Marshal(markedCommand{
		Command: json.RawMessage(`{"insert":"c"}`),
		KeyRefs: []keyRef{{KeyID: base64.StdEncoding.EncodeToString(id[:])}},
	})
	require.NoError(t, err)
	require.NoError(t, c.MongoFeed(ctx, marked))
	require.NoError(t, c.MongoDone(ctx))
	require.Equal(t, NeedMongoKeys, c.State())

	filterBytes, err := c.MongoOp(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(filterBytes), "_id")

	keyDoc, err := encodeDocument(keyDocument(id[:], blob.Ciphertext))
	require.NoError(t, err)
	require.NoError(t, c.MongoFeed(ctx, keyDoc))
	require.NoError(t, c.MongoDone(ctx))
	require.Equal(t, NeedKMS, c.State())

	// Local KEK sub-contexts finish immediately; nothing left to drain.
	sub, err := c.NextKMSCtx()
	require.NoError(t, err)
	assert.Nil(t, sub)

	require.NoError(t, c.KMSDone())
	assert.Equal(t, Ready, c.State())

	out, err := c.Finalize(ctx)
	require.NoError(t, err)
	assert.Equal(t, Done, c.State())

	var result finalizeResult
	require.NoError(t, json.Unmarshal(out, &result))
	require.Len(t, result.Keys, 1)
}

func TestDecryptHappyPathWithLocalKEK(t *testing.T) {
	ctx := context.Background()
	handle, masterKey := newHandle(t)

	w, err := kmsctx.NewLocalWrapper(ctx, masterKey)
	require.NoError(t, err)

	dekPlain := []byte("fedcba9876543210fedcba9876543210")
	blob, err := w.Encrypt(ctx, dekPlain)
	require.NoError(t, err)

	id, err := broker.NewRandomUUID()
	require.NoError(t, err)

	payload, err := json.Marshal(decryptPayload{
		Document: json.RawMessage(`{"ssn":"<ciphertext>"}`),
		KeyRefs:  []keyRef{{KeyID: base64.StdEncoding.EncodeToString(id[:])}},
	})
	require.NoError(t, err)

	c, err := NewDecrypt(handle, payload, nil)
	require.NoError(t, err)
	require.Equal(t, NeedMongoKeys, c.State())

	_, err = c.MongoOp(ctx)
	require.NoError(t, err)

	keyDoc, err := encodeDocument(keyDocument(id[:], blob.Ciphertext))
	require.NoError(t, err)
	require.NoError(t, c.MongoFeed(ctx, keyDoc))
	require.NoError(t, c.MongoDone(ctx))
	require.Equal(t, NeedKMS, c.State())

	// Local KEK sub-contexts finish immediately; nothing left to drain.
	sub, err := c.NextKMSCtx()
	require.NoError(t, err)
	assert.Nil(t, sub)
	require.NoError(t, c.KMSDone())

	assert.Equal(t, Ready, c.State())

	out, err := c.Finalize(ctx)
	require.NoError(t, err)
	assert.Equal(t, Done, c.State())

	var result finalizeResult
	require.NoError(t, json.Unmarshal(out, &result))
	require.Len(t, result.Keys, 1)
}

func TestMissingKeyFailsBrokerAndContext(t *testing.T) {
	ctx := context.Background()
	handle, _ := newHandle(t)

	id, err := broker.NewRandomUUID()
	require.NoError(t, err)

	payload, err := json.Marshal(decryptPayload{
		Document: json.RawMessage(`{}`),
		KeyRefs:  []keyRef{{KeyID: base64.StdEncoding.EncodeToString(id[:])}},
	})
	require.NoError(t, err)

	c, err := NewDecrypt(handle, payload, nil)
	require.NoError(t, err)

	_, err = c.MongoOp(ctx)
	require.NoError(t, err)
	// No key document fed: require_all fails the broker at done.
	err = c.MongoDone(ctx)
	require.Error(t, err)
	assert.Equal(t, Error, c.State())

	var st status.Status
	c.Status(&st)
	assert.Equal(t, status.Client, st.Kind())
	// The broker's own message is promoted verbatim, not re-wrapped
	// inside a second "client error (code ...)" envelope.
	assert.Equal(t, fmt.Sprintf("missing key: %s", id), st.Message())
}
