// Package opctx implements the operation context: the state machine
// coordinating a single encrypt or decrypt operation across the
// collection-info, command-marking, key-fetch, and KMS phases, and the
// strategy table that differentiates encrypt from decrypt.
package opctx

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fleecore/corectx/pkg/broker"
	"github.com/fleecore/corectx/pkg/corelog"
	"github.com/fleecore/corectx/pkg/kmsctx"
	"github.com/fleecore/corectx/pkg/procstate"
	"github.com/fleecore/corectx/pkg/status"
)

// State is the operation context's position in its lifecycle.
type State int

const (
	NeedMongoCollInfo State = iota
	NeedMongoMarkings
	NeedMongoKeys
	NeedKMS
	Ready
	Done
	NothingToDo
	Error
)

func (s State) String() string {
	switch s {
	case NeedMongoCollInfo:
		return "need_mongo_collinfo"
	case NeedMongoMarkings:
		return "need_mongo_markings"
	case NeedMongoKeys:
		return "need_mongo_keys"
	case NeedKMS:
		return "need_kms"
	case Ready:
		return "ready"
	case Done:
		return "done"
	case NothingToDo:
		return "nothing_to_do"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Namespace is a fully qualified collection name, "db.collection".
type Namespace struct {
	DB         string
	Collection string
}

func (n Namespace) String() string {
	return n.DB + "." + n.Collection
}

// CollInfoSource supplies the schema document for a namespace, consumed
// while the context is in NeedMongoCollInfo.
type CollInfoSource interface {
	CollectionInfo(ns Namespace) (out []byte, err error)
}

// CommandMarker supplies the marked-up command identifying fields to
// encrypt, consumed while the context is in NeedMongoMarkings.
type CommandMarker interface {
	MarkCommand(ns Namespace, cmd []byte) (marked []byte, err error)
}

// strategy differentiates Encrypt from Decrypt. Key-fetch and KMS steps
// are fixed and live in Context itself, not here, per spec §4.4.
type strategy struct {
	collInfoOp   func(c *Context) ([]byte, error)
	collInfoFeed func(c *Context, in []byte) error
	collInfoDone func(c *Context) error

	markingsOp   func(c *Context) ([]byte, error)
	markingsFeed func(c *Context, in []byte) error
	markingsDone func(c *Context) error

	// prepareKeyWants inspects whatever the strategy has accumulated
	// (the marked command, or the decrypt payload) and registers every
	// referenced DEK with the broker via WantUUID/WantAltName. Returns
	// the count of distinct DEKs wanted, letting Context apply the
	// NOTHING_TO_DO short-circuit.
	prepareKeyWants func(c *Context) (wanted int, err error)

	finalize func(c *Context) (out []byte, err error)
	cleanup  func(c *Context)
}

// Context drives one encrypt or decrypt operation end to end.
type Context struct {
	handle   *procstate.Handle
	br       *broker.Broker
	strategy strategy
	st       status.Status
	state    State
	ns       Namespace

	// strategy-private storage
	collInfo  []byte
	markedCmd []byte
}

// State returns the context's current state.
func (c *Context) State() State { return c.state }

// Status copies the context's status into dst.
func (c *Context) Status(dst *status.Status) {
	c.st.CopyTo(dst)
}

func (c *Context) fail(kind status.Kind, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	c.st.Set(kind, status.GenericCode, msg)
	c.state = Error
	c.handle.Logger.Warn("operation context entered error state",
		zap.String("kind", kind.String()),
		zap.Int32("code", c.st.Code()),
		zap.String("message", corelog.Truncate(msg, 256)),
	)
	return &c.st
}

// failBroker promotes a broker-originated failure into the context's own
// status. Per §4.4, a failure the broker has actually recorded (its
// phase has gone to failed) is promoted verbatim via Broker.Status,
// preserving the broker's own kind/code/message instead of re-wrapping
// it; a broker error that never reached that recorded state (a local
// misuse like feeding a malformed key document) still becomes a client
// error carrying its own message.
func (c *Context) failBroker(err error) error {
	if failed, _ := c.br.Failed(); failed {
		c.br.Status(&c.st)
		c.state = Error
		c.handle.Logger.Warn("operation context entered error state",
			zap.String("kind", c.st.Kind().String()),
			zap.Int32("code", c.st.Code()),
			zap.String("message", corelog.Truncate(c.st.Message(), 256)),
		)
		return &c.st
	}
	return c.fail(status.Client, "%s", err.Error())
}

func (c *Context) wrongState(call string) error {
	inState := c.state
	msg := "wrong state"
	c.st.Set(status.Client, status.GenericCode, msg)
	c.state = Error
	c.handle.Logger.Warn("operation context entered error state",
		zap.String("kind", status.Client.String()),
		zap.Int32("code", c.st.Code()),
		zap.String("call", call),
		zap.String("state", inState.String()),
		zap.String("message", msg),
	)
	return &c.st
}

// --- collection-info phase -------------------------------------------------

// MongoOp emits the next outbound document for the current phase:
// a schema query (NeedMongoCollInfo), a marking request
// (NeedMongoMarkings), or the broker's key filter (NeedMongoKeys).
func (c *Context) MongoOp(ctx context.Context) ([]byte, error) {
	switch c.state {
	case NeedMongoCollInfo:
		return c.strategy.collInfoOp(c)
	case NeedMongoMarkings:
		return c.strategy.markingsOp(c)
	case NeedMongoKeys:
		doc, err := c.br.Filter()
		if err != nil {
			return nil, c.fail(status.Internal, "building key filter: %v", err)
		}
		return encodeDocument(doc)
	default:
		return nil, c.wrongState("mongo_op")
	}
}

// MongoFeed ingests one response document for the current phase. May be
// called repeatedly within NeedMongoKeys to feed multiple key documents.
func (c *Context) MongoFeed(ctx context.Context, in []byte) error {
	switch c.state {
	case NeedMongoCollInfo:
		return c.strategy.collInfoFeed(c, in)
	case NeedMongoMarkings:
		return c.strategy.markingsFeed(c, in)
	case NeedMongoKeys:
		doc, err := decodeDocument(in)
		if err != nil {
			return c.fail(status.BSON, "decoding key document: %v", err)
		}
		if err := c.br.AddDoc(doc); err != nil {
			return c.failBroker(err)
		}
		return nil
	default:
		return c.wrongState("mongo_feed")
	}
}

// MongoDone closes the current ingestion phase and advances state.
func (c *Context) MongoDone(ctx context.Context) error {
	switch c.state {
	case NeedMongoCollInfo:
		if err := c.strategy.collInfoDone(c); err != nil {
			return c.fail(status.Internal, "%v", err)
		}
		c.state = NeedMongoMarkings
		return nil

	case NeedMongoMarkings:
		if err := c.strategy.markingsDone(c); err != nil {
			return c.fail(status.Internal, "%v", err)
		}
		return c.enterKeyPhase(ctx)

	case NeedMongoKeys:
		if err := c.br.DoneAddingDocs(ctx); err != nil {
			return c.failBroker(err)
		}
		if c.br.Satisfied() {
			c.state = Ready
			return nil
		}
		c.state = NeedKMS
		return nil

	default:
		return c.wrongState("mongo_done")
	}
}

// enterKeyPhase runs the strategy's key-want discovery and either enters
// NeedMongoKeys or, when zero DEKs are referenced, short-circuits.
func (c *Context) enterKeyPhase(ctx context.Context) error {
	wanted, err := c.strategy.prepareKeyWants(c)
	if err != nil {
		return c.fail(status.Internal, "%v", err)
	}
	if wanted == 0 {
		c.state = Ready
		return nil
	}
	c.state = NeedMongoKeys
	return nil
}

// --- KMS phase --------------------------------------------------------

// NextKMSCtx returns the next sub-context with outstanding work, or nil
// when none remain.
func (c *Context) NextKMSCtx() (*kmsctx.SubContext, error) {
	if c.state != NeedKMS {
		return nil, c.wrongState("next_kms_ctx")
	}
	return c.br.NextKMS(), nil
}

// KMSDone verifies every sub-context has reached a terminal state and
// transitions to Ready.
func (c *Context) KMSDone() error {
	if c.state != NeedKMS {
		return c.wrongState("kms_done")
	}
	if err := c.br.KMSDone(); err != nil {
		if failed, _ := c.br.Failed(); failed {
			return c.failBroker(err)
		}
		return err // sub-contexts still in progress; state unchanged
	}
	c.state = Ready
	return nil
}

// --- finalize -----------------------------------------------------------

// Finalize produces the final payload and transitions to Done.
func (c *Context) Finalize(ctx context.Context) ([]byte, error) {
	if c.state != Ready {
		return nil, c.wrongState("finalize")
	}
	out, err := c.strategy.finalize(c)
	if err != nil {
		return nil, c.fail(status.Internal, "%v", err)
	}
	c.state = Done
	return out, nil
}

// Destroy runs the strategy's cleanup hook. Safe to call from any state,
// including after Error.
func (c *Context) Destroy() {
	if c.strategy.cleanup != nil {
		c.strategy.cleanup(c)
	}
}
