// Command fleshim is a minimal reference driver for pkg/opctx: it plays
// the host role end to end against an in-memory schema and keyvault
// fixture instead of a real mongod connection, showing how the
// mongo_op/mongo_feed/mongo_done and KMS loops are meant to be driven.
// Grounded on the teacher's cmd/progressdb-kms/main.go wiring style: flag
// parsing, a loaded config, a logger, and a metrics listener, minus the
// HTTP server this program has no need for.
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"go.uber.org/zap"

	"github.com/fleecore/corectx/pkg/broker"
	"github.com/fleecore/corectx/pkg/config"
	"github.com/fleecore/corectx/pkg/corelog"
	"github.com/fleecore/corectx/pkg/kmsctx"
	"github.com/fleecore/corectx/pkg/opctx"
	"github.com/fleecore/corectx/pkg/procstate"
	"github.com/fleecore/corectx/pkg/schemacache"
	"github.com/fleecore/corectx/pkg/status"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to a fleshim config yaml")
		schemaDir   = flag.String("schema-cache", "./fleshim-data/schema.db", "schema cache directory")
		metricsAddr = flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address")
	)
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	config.SetGlobalConfig(cfg)

	logger, err := corelog.New(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	m := newMetrics(reg)
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Printf("metrics listener stopped: %v", err)
			}
		}()
	}

	ctx := context.Background()

	masterKey, err := resolveDemoMasterKey(cfg)
	if err != nil {
		log.Fatalf("resolving local master key: %v", err)
	}
	wrapper, err := kmsctx.NewLocalWrapper(ctx, masterKey)
	if err != nil {
		log.Fatalf("building local wrapper: %v", err)
	}

	cache, err := schemacache.Open(*schemaDir)
	if err != nil {
		log.Fatalf("opening schema cache: %v", err)
	}
	defer cache.Close()

	handle := procstate.New(logger, func(ctx context.Context) (wrapping.Wrapper, error) {
		return wrapper, nil
	})
	handle.RequireAllKeys = cfg.Broker.RequireAllKeys

	driver := newFixtureDriver(cache)
	kv, err := seedKeyVault(ctx, wrapper)
	if err != nil {
		log.Fatalf("seeding keyvault fixture: %v", err)
	}

	ns := opctx.Namespace{DB: "clinic", Collection: "patients"}
	command := []byte(`{"insert":"patients","documents":[{"ssn":"000-00-0000","diagnosis":"confidential"}]}`)

	encResult, err := runEncrypt(ctx, handle, driver, kv, m, ns, command)
	if err != nil {
		log.Fatalf("encrypt operation failed: %v", err)
	}
	logger.Info("encrypt finalized", zap.String("result", string(encResult)))

	decPayload, err := json.Marshal(struct {
		Document json.RawMessage `json:"document"`
		KeyRefs  []struct {
			KeyAltName string `json:"keyAltName,omitempty"`
		} `json:"keyRefs"`
	}{
		Document: encResult,
		KeyRefs: []struct {
			KeyAltName string `json:"keyAltName,omitempty"`
		}{{KeyAltName: "patient-ssn-key"}},
	})
	if err != nil {
		log.Fatalf("building decrypt payload: %v", err)
	}

	decResult, err := runDecrypt(ctx, handle, kv, m, decPayload)
	if err != nil {
		log.Fatalf("decrypt operation failed: %v", err)
	}
	logger.Info("decrypt finalized", zap.String("result", string(decResult)))

	if *metricsAddr != "" {
		log.Printf("metrics available on %s/metrics; press ctrl-c to exit", *metricsAddr)
		select {}
	}
}

func resolveDemoMasterKey(cfg *config.Config) ([]byte, error) {
	if cfg.LocalKMS.MasterKeyHex != "" || cfg.LocalKMS.MasterKeyFile != "" {
		return cfg.ResolveMasterKey()
	}
	// No master key configured: mint an ephemeral one so the demo still
	// runs standalone. A real driver always configures local_kms.
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// runEncrypt drives one encrypt context to Finalize. The fixture marker
// only matches top-level command fields, so for the demo insert (whose
// fields sit inside "documents") it marks no keys and the context goes
// from markings straight to Ready without a key-fetch or KMS phase.
func runEncrypt(ctx context.Context, handle *procstate.Handle, driver *fixtureDriver, kv *keyVaultFixture, m *metrics, ns opctx.Namespace, command []byte) ([]byte, error) {
	start := time.Now()
	c := opctx.NewEncrypt(handle, ns, command, nil)
	defer c.Destroy()

	out, err := driveToFinalize(ctx, c, driver, kv, m)
	m.operationSeconds.WithLabelValues("encrypt").Observe(time.Since(start).Seconds())
	if err != nil {
		m.operationsTotal.WithLabelValues("encrypt", "error").Inc()
		return nil, err
	}
	m.operationsTotal.WithLabelValues("encrypt", "ok").Inc()
	return out, nil
}

func runDecrypt(ctx context.Context, handle *procstate.Handle, kv *keyVaultFixture, m *metrics, payload []byte) ([]byte, error) {
	start := time.Now()
	c, err := opctx.NewDecrypt(handle, payload, nil)
	if err != nil {
		return nil, fmt.Errorf("constructing decrypt context: %w", err)
	}
	defer c.Destroy()

	out, err := driveToFinalize(ctx, c, nil, kv, m)
	m.operationSeconds.WithLabelValues("decrypt").Observe(time.Since(start).Seconds())
	if err != nil {
		m.operationsTotal.WithLabelValues("decrypt", "error").Inc()
		return nil, err
	}
	m.operationsTotal.WithLabelValues("decrypt", "ok").Inc()
	return out, nil
}

// driveToFinalize runs the full mongo_op/mongo_feed/mongo_done and KMS
// loop until the context reaches Ready, then calls Finalize. driver may
// be nil for a context that starts at NeedMongoKeys (decrypt).
func driveToFinalize(ctx context.Context, c *opctx.Context, driver *fixtureDriver, kv *keyVaultFixture, m *metrics) ([]byte, error) {
	for {
		switch c.State() {
		case opctx.NeedMongoCollInfo:
			req, err := c.MongoOp(ctx)
			if err != nil {
				return nil, err
			}
			var find struct {
				Find string `json:"find"`
			}
			if err := json.Unmarshal(req, &find); err != nil {
				return nil, fmt.Errorf("decoding collinfo request: %w", err)
			}
			resp, err := driver.CollectionInfo(opctx.Namespace{Collection: find.Find})
			if err != nil {
				return nil, err
			}
			if err := c.MongoFeed(ctx, resp); err != nil {
				return nil, err
			}
			if err := c.MongoDone(ctx); err != nil {
				return nil, err
			}

		case opctx.NeedMongoMarkings:
			req, err := c.MongoOp(ctx)
			if err != nil {
				return nil, err
			}
			marked, err := driver.MarkCommand(opctx.Namespace{}, req)
			if err != nil {
				return nil, err
			}
			if err := c.MongoFeed(ctx, marked); err != nil {
				return nil, err
			}
			if err := c.MongoDone(ctx); err != nil {
				return nil, err
			}

		case opctx.NeedMongoKeys:
			if _, err := c.MongoOp(ctx); err != nil {
				return nil, err
			}
			for _, doc := range kv.findAll() {
				if err := c.MongoFeed(ctx, doc); err != nil {
					return nil, err
				}
			}
			if err := c.MongoDone(ctx); err != nil {
				return nil, err
			}

		case opctx.NeedKMS:
			for {
				sub, err := c.NextKMSCtx()
				if err != nil {
					return nil, err
				}
				if sub == nil {
					break
				}
				if req := sub.BytesToSend(); len(req) > 0 {
					sub.MarkSent()
					// A real driver transmits req to the KMS named by the
					// envelope and feeds the response back via sub.Feed.
					// Every DEK in this fixture uses the Local provider,
					// so no sub-context ever has bytes to send.
					_ = req
				}
				m.kmsRoundTrips.Inc()
			}
			if err := c.KMSDone(); err != nil {
				return nil, err
			}

		case opctx.Ready:
			return c.Finalize(ctx)

		case opctx.NothingToDo:
			return nil, fmt.Errorf("nothing to do")

		case opctx.Error:
			var st status.Status
			c.Status(&st)
			return nil, &st

		default:
			return nil, fmt.Errorf("unexpected state %s", c.State())
		}
	}
}

func seedKeyVault(ctx context.Context, w wrapping.Wrapper) (*keyVaultFixture, error) {
	kv := &keyVaultFixture{}
	for _, alt := range []string{"patient-ssn-key", "patient-diagnosis-key"} {
		dek := make([]byte, 32)
		if _, err := rand.Read(dek); err != nil {
			return nil, err
		}
		blob, err := w.Encrypt(ctx, dek)
		if err != nil {
			return nil, err
		}
		id, err := broker.NewRandomUUID()
		if err != nil {
			return nil, err
		}
		kv.docs = append(kv.docs, map[string]any{
			"_id":         base64Bytes(id[:]),
			"keyMaterial": base64Bytes(blob.Ciphertext),
			"keyAltNames": []string{alt},
			"masterKey":   map[string]any{"provider": "local"},
		})
	}
	return kv, nil
}
