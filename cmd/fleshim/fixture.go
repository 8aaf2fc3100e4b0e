package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/fleecore/corectx/pkg/opctx"
	"github.com/fleecore/corectx/pkg/schemacache"
)

// fixtureDriver answers the CollInfoSource/CommandMarker side of the
// mongo_op/mongo_feed/mongo_done exchange using an in-memory schema and a
// trivial marking rule, standing in for a real mongod connection and
// libmongocrypt-equivalent marking engine (both external collaborators
// per spec §1). It also keeps the namespace's schema in a schemacache.Cache
// so a second operation against the same namespace skips the collinfo
// round trip entirely.
type fixtureDriver struct {
	schemas *schemacache.Cache

	// encryptedFields lists the top-level command field names this fixture
	// marks for encryption against a keyAltName, mimicking the keyId/keyAltName
	// markers a real schema-driven marking engine would emit.
	encryptedFields map[string]string
}

func newFixtureDriver(cache *schemacache.Cache) *fixtureDriver {
	return &fixtureDriver{
		schemas: cache,
		encryptedFields: map[string]string{
			"ssn":      "patient-ssn-key",
			"diagnosis": "patient-diagnosis-key",
		},
	}
}

// CollectionInfo implements opctx.CollInfoSource.
func (f *fixtureDriver) CollectionInfo(ns opctx.Namespace) ([]byte, error) {
	if cached, err := f.schemas.GetSchema(ns.String()); err == nil {
		return cached, nil
	}

	schema, err := json.Marshal(map[string]any{
		"bsonType":        "object",
		"encryptedFields": []string{"ssn", "diagnosis"},
	})
	if err != nil {
		return nil, err
	}
	if err := f.schemas.SaveSchema(ns.String(), schema); err != nil {
		return nil, fmt.Errorf("caching schema for %s: %w", ns, err)
	}
	return schema, nil
}

type markRequest struct {
	Command json.RawMessage `json:"command"`
	Schema  json.RawMessage `json:"schema,omitempty"`
}

type keyRefWire struct {
	KeyAltName string `json:"keyAltName,omitempty"`
}

type markedOut struct {
	Command json.RawMessage `json:"command"`
	KeyRefs []keyRefWire    `json:"keyRefs"`
}

// MarkCommand implements opctx.CommandMarker. It inspects the plaintext
// command's top-level fields against the fixture's encryptedFields table
// and emits one keyRef per matching field, deduplicated by keyAltName.
func (f *fixtureDriver) MarkCommand(ns opctx.Namespace, in []byte) ([]byte, error) {
	var req markRequest
	if err := json.Unmarshal(in, &req); err != nil {
		return nil, fmt.Errorf("decoding mark request: %w", err)
	}

	var cmd map[string]any
	if err := json.Unmarshal(req.Command, &cmd); err != nil {
		return nil, fmt.Errorf("decoding command: %w", err)
	}

	seen := map[string]struct{}{}
	var refs []keyRefWire
	for field, keyAltName := range f.encryptedFields {
		if _, present := cmd[field]; !present {
			continue
		}
		if _, dup := seen[keyAltName]; dup {
			continue
		}
		seen[keyAltName] = struct{}{}
		refs = append(refs, keyRefWire{KeyAltName: keyAltName})
	}

	out, err := json.Marshal(markedOut{Command: req.Command, KeyRefs: refs})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// keyVaultFixture stands in for the external driver's keyvault collection
// connection: a canned set of key documents AddDoc would otherwise learn
// via a real mongo find(), keyed by keyAltName.
type keyVaultFixture struct {
	docs []map[string]any
}

// findAll returns every stored document, standing in for the keyvault
// find() a real driver issues against NeedMongoKeys's mongo_op output; it
// does not apply that filter.
func (kv *keyVaultFixture) findAll() [][]byte {
	out := make([][]byte, 0, len(kv.docs))
	for _, d := range kv.docs {
		b, err := json.Marshal(d)
		if err != nil {
			continue
		}
		out = append(out, b)
	}
	return out
}

func base64Bytes(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
