// Package broker implements the key broker: the set of DEK records a
// single operation context needs, their deduplicated fetch filter, and
// the deterministic iteration of their KMS sub-contexts.
package broker

import (
	"bytes"
	"context"
	"fmt"
	"reflect"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"

	"github.com/fleecore/corectx/pkg/kek"
	"github.com/fleecore/corectx/pkg/kmsctx"
	"github.com/fleecore/corectx/pkg/status"
)

// RecordState is a DEK record's position in its own lifecycle. Records
// only ever move forward through this order.
type RecordState int

const (
	Empty RecordState = iota
	Encrypted
	Decrypting
	Decrypted
	Errored
)

func (s RecordState) String() string {
	switch s {
	case Empty:
		return "empty"
	case Encrypted:
		return "encrypted"
	case Decrypting:
		return "decrypting"
	case Decrypted:
		return "decrypted"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// Record is one DEK: its identity, its wrapped material once known, its
// KEK, and the state machine driving its unwrap.
type Record struct {
	ID          UUID
	KeyAltNames []string

	kekDescriptor *kek.Descriptor
	ciphertext    []byte

	state RecordState
	sub   *kmsctx.SubContext
	pt    *secureBytes
	err   error
}

// State returns the record's current lifecycle state.
func (r *Record) State() RecordState { return r.state }

// LocalWrapperFunc resolves the local AEAD wrapper used to unwrap DEKs
// whose KEK descriptor selects the Local provider. Most hosts have one
// master key and can return the same wrapper for every call.
type LocalWrapperFunc func(ctx context.Context) (wrapping.Wrapper, error)

// lifecycle phase of the broker as a whole, distinct from any one
// record's RecordState.
type phase int

const (
	phaseOpen phase = iota // accepting AddDoc calls
	phaseClosed
	phaseSatisfied
	phaseFailed
)

// Broker holds every DEK record a single operation needs, in insertion
// order, and drives their KMS sub-contexts to completion.
type Broker struct {
	requireAll bool
	localWrap  LocalWrapperFunc

	order   []UUID
	records map[UUID]*Record
	altToID map[string]UUID

	wantedUUIDs map[UUID]struct{}
	wantedAlts  map[string]struct{}

	phase    phase
	firstErr *status.Status
}

// New constructs an empty broker. requireAll implements spec §4.3's
// "missing key" rule at done_adding_docs; §9 leaves it configurable for a
// future strategy that might opt out, while locking the default to true.
func New(requireAll bool, localWrap LocalWrapperFunc) *Broker {
	return &Broker{
		requireAll:  requireAll,
		localWrap:   localWrap,
		records:     make(map[UUID]*Record),
		altToID:     make(map[string]UUID),
		wantedUUIDs: make(map[UUID]struct{}),
		wantedAlts:  make(map[string]struct{}),
	}
}

// WantUUID records that the operation's marked command references this
// DEK by id. Safe to call multiple times with the same id.
func (b *Broker) WantUUID(id UUID) {
	b.wantedUUIDs[id] = struct{}{}
	if _, ok := b.records[id]; !ok {
		b.records[id] = &Record{ID: id, state: Empty}
		b.order = append(b.order, id)
	}
}

// WantAltName records that the operation's marked command references a
// DEK by keyAltName rather than id; the id is learned once a matching key
// document is fed.
func (b *Broker) WantAltName(name string) {
	b.wantedAlts[name] = struct{}{}
}

// Filter produces the query document selecting every wanted DEK by the
// union of ids and keyAltNames. After this call the broker accepts key
// documents via AddDoc.
func (b *Broker) Filter() (kek.Document, error) {
	if b.phase != phaseOpen {
		return nil, fmt.Errorf("filter already issued; broker is no longer accepting adds")
	}

	var uuids [][]byte
	for id := range b.wantedUUIDs {
		idCopy := id
		uuids = append(uuids, idCopy[:])
	}
	var alts []string
	for n := range b.wantedAlts {
		alts = append(alts, n)
	}

	clauses := []kek.Document{}
	if len(uuids) > 0 {
		clauses = append(clauses, kek.Document{"_id": kek.Document{"$in": uuids}})
	}
	if len(alts) > 0 {
		clauses = append(clauses, kek.Document{"keyAltNames": kek.Document{"$in": alts}})
	}

	switch len(clauses) {
	case 0:
		return kek.Document{}, nil
	case 1:
		return clauses[0], nil
	default:
		return kek.Document{"$or": clauses}, nil
	}
}

// KeyDocument is the decoded shape of a fetched key document, per spec §6.
type KeyDocument struct {
	ID          UUID
	KeyMaterial []byte
	MasterKey   kek.Document
	KeyAltNames []string
}

// ParseKeyDocument decodes a raw key document map into its typed fields.
func ParseKeyDocument(doc kek.Document) (*KeyDocument, error) {
	idRaw, ok := doc["_id"]
	if !ok {
		return nil, fmt.Errorf("key document missing _id")
	}
	idBytes, ok := idRaw.([]byte)
	if !ok {
		return nil, fmt.Errorf("key document _id must be 16 raw bytes")
	}
	id, err := ParseUUID(idBytes)
	if err != nil {
		return nil, fmt.Errorf("key document _id: %w", err)
	}

	matRaw, ok := doc["keyMaterial"]
	if !ok {
		return nil, fmt.Errorf("key document missing keyMaterial")
	}
	material, ok := matRaw.([]byte)
	if !ok {
		return nil, fmt.Errorf("key document keyMaterial must be binary")
	}

	masterKeyRaw, ok := doc["masterKey"]
	if !ok {
		return nil, fmt.Errorf("key document missing masterKey")
	}
	masterKey, ok := masterKeyRaw.(kek.Document)
	if !ok {
		return nil, fmt.Errorf("key document masterKey must be an embedded document")
	}

	var altNames []string
	if raw, ok := doc["keyAltNames"]; ok {
		list, ok := raw.([]string)
		if !ok {
			return nil, fmt.Errorf("key document keyAltNames must be an array of strings")
		}
		altNames = list
	}

	return &KeyDocument{ID: id, KeyMaterial: material, MasterKey: masterKey, KeyAltNames: altNames}, nil
}

// AddDoc parses one fetched key document and ingests it. A second
// observation of an already-present id is accepted silently when
// identical to the first, and rejected when contradictory.
func (b *Broker) AddDoc(raw kek.Document) error {
	if b.phase != phaseOpen {
		return fmt.Errorf("broker is not accepting key documents")
	}

	kd, err := ParseKeyDocument(raw)
	if err != nil {
		return err
	}

	descriptor, err := kek.Parse(kd.MasterKey)
	if err != nil {
		return fmt.Errorf("key document masterKey: %w", err)
	}

	existing, ok := b.records[kd.ID]
	if ok && existing.state != Empty {
		if !bytes.Equal(existing.ciphertext, kd.KeyMaterial) || !reflect.DeepEqual(existing.kekDescriptor, descriptor) {
			return fmt.Errorf("key document for %s contradicts a previously fed document", kd.ID)
		}
		return nil // identical re-observation; accepted silently
	}

	if !ok {
		existing = &Record{ID: kd.ID}
		b.records[kd.ID] = existing
		b.order = append(b.order, kd.ID)
	}

	existing.kekDescriptor = descriptor
	existing.ciphertext = kd.KeyMaterial
	existing.KeyAltNames = kd.KeyAltNames
	existing.state = Encrypted

	for _, alt := range kd.KeyAltNames {
		b.altToID[alt] = kd.ID
	}

	return nil
}

// DoneAddingDocs closes the ingestion phase. With require_all, any
// wanted id left Empty fails the broker with a client error. Otherwise
// every Encrypted record is promoted to Decrypting and given its KMS
// sub-context.
func (b *Broker) DoneAddingDocs(ctx context.Context) error {
	if b.phase != phaseOpen {
		return fmt.Errorf("done_adding_docs called twice")
	}
	b.phase = phaseClosed

	if b.requireAll {
		for id := range b.wantedUUIDs {
			if rec, ok := b.records[id]; !ok || rec.state == Empty {
				return b.fail(fmt.Errorf("missing key: %s", id))
			}
		}
		for alt := range b.wantedAlts {
			if _, ok := b.altToID[alt]; !ok {
				return b.fail(fmt.Errorf("missing key for keyAltName: %s", alt))
			}
		}
	}

	anyWork := false
	for _, id := range b.order {
		rec := b.records[id]
		if rec.state != Encrypted {
			continue
		}
		sc, err := b.buildSubContext(ctx, rec)
		if err != nil {
			rec.state = Errored
			rec.err = err
			return b.fail(err)
		}
		rec.sub = sc
		rec.state = Decrypting
		anyWork = true
	}

	if !anyWork {
		b.phase = phaseSatisfied
	}

	return nil
}

func (b *Broker) buildSubContext(ctx context.Context, rec *Record) (*kmsctx.SubContext, error) {
	var localWrapper wrapping.Wrapper
	if rec.kekDescriptor.Provider == kek.Local {
		if b.localWrap == nil {
			return nil, fmt.Errorf("record %s needs a local KMS wrapper but none was configured", rec.ID)
		}
		w, err := b.localWrap(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolving local wrapper for %s: %w", rec.ID, err)
		}
		localWrapper = w
	}
	return kmsctx.New(ctx, rec.kekDescriptor, rec.ciphertext, localWrapper)
}

// NextKMS iterates in insertion order over Decrypting records whose
// sub-context still has outstanding work (bytes to send or bytes
// needed). It returns nil once none remain; the caller may call it again
// later as sub-contexts complete, resuming from the start each time since
// finished sub-contexts are cheap to skip.
func (b *Broker) NextKMS() *kmsctx.SubContext {
	for _, id := range b.order {
		rec := b.records[id]
		if rec.state != Decrypting || rec.sub == nil {
			continue
		}
		if len(rec.sub.BytesToSend()) > 0 || rec.sub.NeedBytes() > 0 {
			return rec.sub
		}
	}
	return nil
}

// KMSDone is asserted by the caller once it believes no sub-context has
// outstanding I/O. It verifies every Decrypting record reached a
// terminal state, promoting finished ones to Decrypted or Errored. If any
// errored, the broker fails with the first such error. If every record
// is Decrypted, the broker becomes satisfied.
func (b *Broker) KMSDone() error {
	if b.phase == phaseSatisfied {
		return nil
	}
	if b.phase == phaseFailed {
		return b.firstErr
	}

	allDone := true
	for _, id := range b.order {
		rec := b.records[id]
		if rec.state != Decrypting {
			continue
		}
		if rec.sub == nil || !rec.sub.Done() {
			allDone = false
			continue
		}
		pt, err := rec.sub.Result()
		if err != nil {
			rec.state = Errored
			rec.err = err
			continue
		}
		rec.pt = newSecureBytes(pt)
		rec.state = Decrypted
	}

	if !allDone {
		return fmt.Errorf("kms_done called with sub-contexts still in progress")
	}

	for _, id := range b.order {
		rec := b.records[id]
		if rec.state == Errored {
			return b.fail(rec.err)
		}
	}

	b.phase = phaseSatisfied
	return nil
}

// Satisfied reports whether every wanted DEK has reached Decrypted.
func (b *Broker) Satisfied() bool {
	return b.phase == phaseSatisfied
}

// Failed reports whether the broker has entered its failed state, and the
// first error recorded if so.
func (b *Broker) Failed() (bool, error) {
	if b.phase == phaseFailed {
		return true, b.firstErr
	}
	return false, nil
}

// DecryptedKeyFor returns the plaintext DEK material for a UUID. The
// broker must be Satisfied.
func (b *Broker) DecryptedKeyFor(id UUID) ([]byte, error) {
	if !b.Satisfied() {
		return nil, fmt.Errorf("broker is not satisfied")
	}
	rec, ok := b.records[id]
	if !ok || rec.state != Decrypted {
		return nil, fmt.Errorf("no decrypted key for %s", id)
	}
	return rec.pt.Data(), nil
}

// DecryptedKeyForAltName resolves a keyAltName to its plaintext DEK.
func (b *Broker) DecryptedKeyForAltName(name string) ([]byte, error) {
	id, ok := b.altToID[name]
	if !ok {
		return nil, fmt.Errorf("no key known for keyAltName %q", name)
	}
	return b.DecryptedKeyFor(id)
}

// Wipe zeroes every decrypted DEK this broker is holding. Called by the
// owning operation context on Destroy, regardless of the context's final
// state, so plaintext key material doesn't outlive the operation.
func (b *Broker) Wipe() {
	for _, id := range b.order {
		b.records[id].pt.Wipe()
	}
}

func (b *Broker) fail(err error) error {
	if b.phase != phaseFailed {
		b.phase = phaseFailed
		st := &status.Status{}
		st.SetClient(err.Error())
		b.firstErr = st
	}
	return b.firstErr
}

// Status copies the broker's first recorded error into dst, if any.
// Mirrors the source's _mongocrypt_key_broker_status, which the context
// promotes verbatim into its own status.
func (b *Broker) Status(dst *status.Status) bool {
	if b.phase != phaseFailed {
		return true
	}
	b.firstErr.CopyTo(dst)
	return false
}
