package opctx

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/fleecore/corectx/pkg/kek"
)

// encodeDocument and decodeDocument give mongo_op/mongo_feed a concrete
// byte encoding for kek.Document. Real BSON decoding is an external
// collaborator per spec §1; this module only needs *a* byte
// representation to exercise its own wire contract end to end, so it
// uses JSON with byte slices and [][]byte base64-encoded, the same
// convention kmsctx's request/response envelopes use.
func encodeDocument(doc kek.Document) ([]byte, error) {
	wire := make(map[string]any, len(doc))
	for k, v := range doc {
		switch val := v.(type) {
		case []byte:
			wire[k] = base64.StdEncoding.EncodeToString(val)
		case [][]byte:
			encoded := make([]string, len(val))
			for i, b := range val {
				encoded[i] = base64.StdEncoding.EncodeToString(b)
			}
			wire[k] = encoded
		default:
			wire[k] = v
		}
	}
	return json.Marshal(wire)
}

func decodeDocument(b []byte) (kek.Document, error) {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}

	doc := make(kek.Document, len(raw))
	for k, v := range raw {
		switch k {
		case "_id", "keyMaterial":
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("field %q must be base64-encoded binary", k)
			}
			decoded, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			doc[k] = decoded
		case "keyAltNames":
			list, ok := v.([]any)
			if !ok {
				return nil, fmt.Errorf("field %q must be an array", k)
			}
			names := make([]string, len(list))
			for i, item := range list {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("field %q must contain strings", k)
				}
				names[i] = s
			}
			doc[k] = names
		case "masterKey":
			m, ok := v.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("field %q must be an embedded document", k)
			}
			doc[k] = kek.Document(m)
		default:
			doc[k] = v
		}
	}
	return doc, nil
}
