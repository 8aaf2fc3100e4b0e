package opctx

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/fleecore/corectx/pkg/broker"
	"github.com/fleecore/corectx/pkg/procstate"
)

// keyRef names one DEK a command or payload references, by id or by
// keyAltName — never both. This is the core's own minimal wire shape for
// "a marking points at a key"; the actual command-marking engine and
// BSON placeholder format are external collaborators per spec §1.
type keyRef struct {
	KeyID      string `json:"keyId,omitempty"`      // base64, 16 bytes
	KeyAltName string `json:"keyAltName,omitempty"`
}

// markedCommand is the shape CommandMarker.MarkCommand is expected to
// produce, and what NewEncrypt's finalize hook reassembles.
type markedCommand struct {
	Command json.RawMessage `json:"command"`
	KeyRefs []keyRef        `json:"keyRefs"`
}

// decryptPayload is the shape fed to a decrypt context's markings
// equivalent: the document to decrypt plus the keys it references.
type decryptPayload struct {
	Document json.RawMessage `json:"document"`
	KeyRefs  []keyRef        `json:"keyRefs"`
}

func registerKeyRefs(b *broker.Broker, refs []keyRef) (int, error) {
	seen := make(map[string]struct{}, len(refs))
	count := 0
	for _, r := range refs {
		switch {
		case r.KeyID != "":
			raw, err := base64.StdEncoding.DecodeString(r.KeyID)
			if err != nil {
				return 0, fmt.Errorf("keyRef keyId: %w", err)
			}
			id, err := broker.ParseUUID(raw)
			if err != nil {
				return 0, fmt.Errorf("keyRef keyId: %w", err)
			}
			if _, dup := seen[id.String()]; dup {
				continue
			}
			seen[id.String()] = struct{}{}
			b.WantUUID(id)
			count++
		case r.KeyAltName != "":
			if _, dup := seen["alt:"+r.KeyAltName]; dup {
				continue
			}
			seen["alt:"+r.KeyAltName] = struct{}{}
			b.WantAltName(r.KeyAltName)
			count++
		default:
			return 0, fmt.Errorf("keyRef has neither keyId nor keyAltName")
		}
	}
	return count, nil
}

// resolvedKey is one entry in a finalize result's keys map: the DEK
// material resolved for a keyRef, keyed by how the caller named it.
type resolvedKey struct {
	ID        string `json:"id,omitempty"`
	Plaintext string `json:"plaintext"` // base64
}

func resolveKeyRefs(b *broker.Broker, refs []keyRef) (map[string]resolvedKey, error) {
	out := make(map[string]resolvedKey, len(refs))
	for _, r := range refs {
		var pt []byte
		var err error
		var idStr string
		switch {
		case r.KeyID != "":
			raw, derr := base64.StdEncoding.DecodeString(r.KeyID)
			if derr != nil {
				return nil, fmt.Errorf("keyRef keyId: %w", derr)
			}
			id, derr := broker.ParseUUID(raw)
			if derr != nil {
				return nil, fmt.Errorf("keyRef keyId: %w", derr)
			}
			pt, err = b.DecryptedKeyFor(id)
			idStr = id.String()
			if _, ok := out[r.KeyID]; ok {
				continue
			}
			if err == nil {
				out[r.KeyID] = resolvedKey{ID: idStr, Plaintext: base64.StdEncoding.EncodeToString(pt)}
			}
		case r.KeyAltName != "":
			pt, err = b.DecryptedKeyForAltName(r.KeyAltName)
			if _, ok := out[r.KeyAltName]; ok {
				continue
			}
			if err == nil {
				out[r.KeyAltName] = resolvedKey{Plaintext: base64.StdEncoding.EncodeToString(pt)}
			}
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// finalizeResult is what Finalize returns: the original command/document
// plus every resolved DEK, leaving the actual field-level AEAD work
// (out of scope per spec §1) to the host.
type finalizeResult struct {
	Command  json.RawMessage        `json:"command,omitempty"`
	Document json.RawMessage        `json:"document,omitempty"`
	Keys     map[string]resolvedKey `json:"keys"`
}

// NewEncrypt builds a context driving an encrypt operation: collection
// info, then command marking, then key fetch and KMS, then finalize.
// command is the plaintext command awaiting marking. The context never
// calls CollInfoSource or CommandMarker itself — those hooks belong to
// whatever loop drives mongo_op/mongo_feed/mongo_done (see cmd/fleshim);
// the context only emits and ingests bytes, per spec §4.4's dispatch
// table.  requireAll overrides the broker's require_all flag; pass nil
// to take the process handle's default.
func NewEncrypt(handle *procstate.Handle, ns Namespace, command []byte, requireAll *bool) *Context {
	c := &Context{
		handle: handle,
		ns:     ns,
		state:  NeedMongoCollInfo,
	}
	c.br = broker.New(resolveRequireAll(handle, requireAll), handle.LocalWrapper)

	c.strategy = strategy{
		// mongo_op in NeedMongoCollInfo emits a schema-lookup request for
		// the namespace; the driver answers it via CollInfoSource and
		// feeds the result back.
		collInfoOp: func(c *Context) ([]byte, error) {
			return []byte(fmt.Sprintf(`{"find":%q}`, c.ns.Collection)), nil
		},
		collInfoFeed: func(c *Context, in []byte) error {
			c.collInfo = append([]byte(nil), in...)
			return nil
		},
		collInfoDone: func(c *Context) error {
			return nil
		},
		// mongo_op in NeedMongoMarkings hands back the original command
		// plus whatever schema was learned, for the driver's
		// CommandMarker to rewrite; mongo_feed ingests the marked result.
		markingsOp: func(c *Context) ([]byte, error) {
			return json.Marshal(struct {
				Command json.RawMessage `json:"command"`
				Schema  json.RawMessage `json:"schema,omitempty"`
			}{Command: command, Schema: c.collInfo})
		},
		markingsFeed: func(c *Context, in []byte) error {
			c.markedCmd = append([]byte(nil), in...)
			return nil
		},
		markingsDone: func(c *Context) error {
			return nil
		},
		prepareKeyWants: func(c *Context) (int, error) {
			var mc markedCommand
			if err := json.Unmarshal(c.markedCmd, &mc); err != nil {
				return 0, fmt.Errorf("decoding marked command: %w", err)
			}
			return registerKeyRefs(c.br, mc.KeyRefs)
		},
		finalize: func(c *Context) ([]byte, error) {
			var mc markedCommand
			if err := json.Unmarshal(c.markedCmd, &mc); err != nil {
				return nil, fmt.Errorf("decoding marked command: %w", err)
			}
			keys, err := resolveKeyRefs(c.br, mc.KeyRefs)
			if err != nil {
				return nil, err
			}
			return json.Marshal(finalizeResult{Command: mc.Command, Keys: keys})
		},
		cleanup: func(c *Context) {
			c.br.Wipe()
		},
	}

	return c
}

// NewDecrypt builds a context driving a decrypt operation. payload is
// the JSON decryptPayload shape: the document to decrypt plus the DEKs
// it references. A payload referencing zero DEKs short-circuits straight
// to Ready without any mongo round trip.
func NewDecrypt(handle *procstate.Handle, payload []byte, requireAll *bool) (*Context, error) {
	var dp decryptPayload
	if err := json.Unmarshal(payload, &dp); err != nil {
		return nil, fmt.Errorf("decoding decrypt payload: %w", err)
	}

	c := &Context{
		handle: handle,
	}
	c.br = broker.New(resolveRequireAll(handle, requireAll), handle.LocalWrapper)

	c.strategy = strategy{
		finalize: func(c *Context) ([]byte, error) {
			keys, err := resolveKeyRefs(c.br, dp.KeyRefs)
			if err != nil {
				return nil, err
			}
			return json.Marshal(finalizeResult{Document: dp.Document, Keys: keys})
		},
		cleanup: func(c *Context) {
			c.br.Wipe()
		},
	}

	wanted, err := registerKeyRefs(c.br, dp.KeyRefs)
	if err != nil {
		return nil, fmt.Errorf("decrypt payload: %w", err)
	}
	if wanted == 0 {
		c.state = Ready
		return c, nil
	}
	c.state = NeedMongoKeys
	return c, nil
}

func resolveRequireAll(handle *procstate.Handle, override *bool) bool {
	if override != nil {
		return *override
	}
	return handle.RequireAllKeys
}
