// Package kmsctx implements the per-DEK KMS sub-context: a finite,
// non-restartable driver of a single provider-specific unwrap exchange.
// It never blocks. It reports how many more response bytes it wants and
// returns control; the host transmits the pending request and feeds back
// a response at its own pace.
package kmsctx

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/hashicorp/go-kms-wrapping/v2/aead"

	"github.com/fleecore/corectx/pkg/kek"
)

// defaultNeedBytes is the placeholder response-size hint reported while a
// remote sub-context awaits its KMS reply. The core has no way to know the
// exact frame size of a provider's response ahead of time (that framing
// belongs to the transport, out of scope per spec §1); it simply reports
// "more than zero" until Feed is called.
const defaultNeedBytes = 4096

// request is the opaque envelope a SubContext for a remote provider hands
// to the host as BytesToSend. The host is responsible for turning this
// into an actual KMS Decrypt call (SigV4 over HTTPS for AWS, an Azure AD
// bearer token call, OAuth2 for GCP) and feeding the JSON response back.
type request struct {
	Provider   string `json:"provider"`
	Ciphertext string `json:"ciphertext"` // base64
	Key        kek.Document `json:"key"`
}

// response is the opaque envelope Feed expects back from the host.
type response struct {
	Plaintext string `json:"plaintext,omitempty"` // base64
	Error     string `json:"error,omitempty"`
}

// SubContext drives one DEK's unwrap exchange with its KEK's KMS.
type SubContext struct {
	provider kek.Provider

	toSend []byte // remaining unsent request bytes
	sent   bool

	done      bool
	plaintext []byte
	err       error

	// localWrapper is set only for the Local provider, where unwrapping
	// needs no network round trip at all.
	localWrapper wrapping.Wrapper
	ciphertext   []byte
}

// New builds the sub-context appropriate to d's provider. For AWS, Azure,
// and GCP it prepares the request envelope to hand to the host. For
// Local it unwraps immediately using localWrapper (e.g. the process
// handle's configured AEAD wrapper over the local master key) and is born
// already Done.
func New(ctx context.Context, d *kek.Descriptor, ciphertext []byte, localWrapper wrapping.Wrapper) (*SubContext, error) {
	if d == nil {
		return nil, fmt.Errorf("nil KEK descriptor")
	}

	sc := &SubContext{provider: d.Provider}

	if d.Provider == kek.Local {
		if localWrapper == nil {
			return nil, fmt.Errorf("local provider requires a configured AEAD wrapper")
		}
		sc.localWrapper = localWrapper
		pt, err := unwrapLocal(ctx, localWrapper, ciphertext)
		if err != nil {
			sc.done = true
			sc.err = err
			return sc, nil
		}
		sc.done = true
		sc.plaintext = pt
		return sc, nil
	}

	keyDoc, err := d.Serialize()
	if err != nil {
		return nil, fmt.Errorf("serializing KEK for KMS request: %w", err)
	}

	req := request{
		Provider:   d.Provider.String(),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Key:        keyDoc,
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding KMS request: %w", err)
	}

	sc.toSend = b
	return sc, nil
}

func unwrapLocal(ctx context.Context, w wrapping.Wrapper, ciphertext []byte) ([]byte, error) {
	info := &wrapping.BlobInfo{Ciphertext: ciphertext}
	return w.Decrypt(ctx, info)
}

// BytesToSend returns the next request bytes to transmit. It is empty
// once the request has been reported sent, or for a Local sub-context
// which never sends anything.
func (sc *SubContext) BytesToSend() []byte {
	if sc.sent {
		return nil
	}
	return sc.toSend
}

// MarkSent records that the host transmitted BytesToSend(). Monotonic:
// calling it again is a no-op.
func (sc *SubContext) MarkSent() {
	sc.sent = true
}

// NeedBytes reports how many more response bytes the sub-context wants
// before it can make progress. Zero means either the sub-context is
// terminal (see Done) or its request has not been marked sent yet.
func (sc *SubContext) NeedBytes() int {
	if sc.done {
		return 0
	}
	if !sc.sent {
		// Hasn't transmitted its request yet; nothing to feed.
		return 0
	}
	return defaultNeedBytes
}

// Done reports whether the exchange has reached a terminal state.
func (sc *SubContext) Done() bool {
	return sc.done
}

// Feed accepts response bytes from the host's KMS transport. It expects a
// complete response JSON envelope; providers whose actual wire protocol
// streams partial frames are expected to have been reassembled by the
// host's transport before reaching here, consistent with HTTP request
// framing being an external collaborator (spec §1).
func (sc *SubContext) Feed(b []byte) error {
	if sc.done {
		return fmt.Errorf("sub-context already terminal")
	}
	if !sc.sent {
		return fmt.Errorf("cannot feed a response before the request has been sent")
	}

	var resp response
	if err := json.Unmarshal(b, &resp); err != nil {
		sc.done = true
		sc.err = fmt.Errorf("malformed KMS response: %w", err)
		return sc.err
	}
	if resp.Error != "" {
		sc.done = true
		sc.err = fmt.Errorf("kms error: %s", resp.Error)
		return sc.err
	}

	pt, err := base64.StdEncoding.DecodeString(resp.Plaintext)
	if err != nil {
		sc.done = true
		sc.err = fmt.Errorf("malformed KMS response plaintext: %w", err)
		return sc.err
	}

	sc.done = true
	sc.plaintext = pt
	return nil
}

// Result returns the unwrapped DEK material once Done, or the terminal
// error otherwise.
func (sc *SubContext) Result() ([]byte, error) {
	if !sc.done {
		return nil, fmt.Errorf("sub-context has not reached a terminal state")
	}
	if sc.err != nil {
		return nil, sc.err
	}
	return sc.plaintext, nil
}

// NewLocalWrapper builds the AEAD wrapper used to unwrap DEKs whose KEK
// descriptor selects the Local provider, configured from a raw master
// key. Grounded on the teacher's hashicorpProvider construction.
func NewLocalWrapper(ctx context.Context, masterKey []byte) (wrapping.Wrapper, error) {
	w := aead.NewWrapper()
	cfg := map[string]string{
		"key":    base64.StdEncoding.EncodeToString(masterKey),
		"key_id": "local",
	}
	if _, err := w.SetConfig(ctx, wrapping.WithConfigMap(cfg)); err != nil {
		return nil, fmt.Errorf("configuring local AEAD wrapper: %w", err)
	}
	return w, nil
}
