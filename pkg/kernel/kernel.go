// Package kernel wires C1-C9 into one long-lived value. Per spec §9's
// "Global state → explicit injection" design note, the Policy Store,
// Capability & Approval Manager, Dangerous-Action Limiter, Feedback
// Tracker, Dispatcher, and RPC Enforcement Front are never package-level
// singletons: a Kernel is constructed once at process startup and its
// fields are threaded through RPC and tool-call plumbing explicitly.
package kernel

import (
	"os"
	"time"

	"github.com/openclaw/kernel/pkg/bus"
	"github.com/openclaw/kernel/pkg/capability"
	"github.com/openclaw/kernel/pkg/dispatcher"
	"github.com/openclaw/kernel/pkg/feedback"
	"github.com/openclaw/kernel/pkg/gate"
	"github.com/openclaw/kernel/pkg/ledger"
	"github.com/openclaw/kernel/pkg/limiter"
	"github.com/openclaw/kernel/pkg/policy"
	"github.com/openclaw/kernel/pkg/rpcfront"
	"github.com/openclaw/kernel/pkg/storage"
)

// Config resolves the RFSN_* environment variables and local paths that
// shape how a Kernel wires its components at startup (spec §6).
type Config struct {
	VerifyPolicy        bool
	RequireSignedPolicy bool
	PolicyPath          string
	PolicyPubKeyPEM     []byte

	AllowPolicyMutation bool
	CaptureLedgerOutput bool

	LedgerDir   string
	StoragePath string

	Limiter  limiter.Config
	TokenTTL time.Duration

	Front rpcfront.Config
}

// ConfigFromEnv resolves Config from the RFSN_* environment and the
// conventional on-disk layout (ledger under <dataDir>/ledger, durable
// state under <dataDir>/kernel.db).
func ConfigFromEnv(dataDir string) Config {
	var pubKey []byte
	if path := os.Getenv("RFSN_POLICY_PUBKEY"); path != "" {
		pubKey, _ = os.ReadFile(path)
	}
	return Config{
		VerifyPolicy:        envFlag("RFSN_VERIFY_POLICY"),
		RequireSignedPolicy: envFlag("RFSN_REQUIRE_SIGNED_POLICY"),
		PolicyPath:          os.Getenv("RFSN_POLICY_PATH"),
		PolicyPubKeyPEM:     pubKey,
		AllowPolicyMutation: envFlag("RFSN_ALLOW_POLICY_MUTATION"),
		CaptureLedgerOutput: envFlag("RFSN_LEDGER_CAPTURE_OUTPUT"),
		LedgerDir:           dataDir + "/ledger",
		StoragePath:         dataDir + "/kernel.db",
		Front:               rpcfront.ConfigFromEnv(),
	}
}

func envFlag(name string) bool { return os.Getenv(name) == "1" }

// Kernel is the fully-wired capability-enforcement kernel: C1 (PolicyStore)
// through C9 (Feedback), plus the shared Storage durability mirror and
// MessageBus the individual components optionally publish to.
type Kernel struct {
	PolicyStore *policy.Store
	Gate        *gate.Gate
	Capability  *capability.Manager
	Limiter     *limiter.Limiter
	Feedback    *feedback.Tracker
	Ledger      *ledger.Ledger
	Dispatcher  *dispatcher.Dispatcher
	Front       *rpcfront.Front

	Sessions *rpcfront.SessionRegistry
	Policies *rpcfront.PolicyRegistry

	Storage *storage.Store
	Bus     bus.MessageBus

	cfg Config
}

// New constructs a fully-wired Kernel. transport backs the RPC
// Enforcement Front's node.invoke forwarding (a concrete websocket
// transport in cmd/kerneld, a stub in tests); messageBus is optional and
// may be nil, in which case capability-approval broadcasts are dropped
// rather than delivered (spec §4.4 invariant iii: broadcasts never block).
func New(cfg Config, transport rpcfront.Transport, messageBus bus.MessageBus) (*Kernel, error) {
	store, err := storage.New(cfg.StoragePath)
	if err != nil {
		return nil, err
	}

	policyStore := policy.NewStore(cfg.RequireSignedPolicy, cfg.PolicyPubKeyPEM)
	if cfg.PolicyPath != "" {
		if err := policyStore.Load(cfg.PolicyPath); err != nil {
			return nil, err
		}
	}

	feedbackTracker := feedback.New()
	g := gate.New(feedbackTracker)
	led := ledger.New(cfg.LedgerDir)

	capOpts := []capability.Option{capability.WithDurability(store)}
	if messageBus != nil {
		capOpts = append(capOpts, capability.WithPublisher(messageBus))
	}
	if cfg.TokenTTL > 0 {
		capOpts = append(capOpts, capability.WithTokenTTL(cfg.TokenTTL))
	}
	capMgr := capability.New(capOpts...)

	lim := limiter.New(cfg.Limiter)

	disp := dispatcher.New(g, led, feedbackTracker, dispatcher.WithCaptureOutputSummary(cfg.CaptureLedgerOutput))

	pendingSessions := rpcfront.NewSessionRegistry()
	pendingPolicies := rpcfront.NewPolicyRegistry(nil)
	idemp := rpcfront.NewIdempotencyGuard(store)
	front := rpcfront.New(pendingSessions, pendingPolicies, lim, capMgr, idemp, led, transport, rpcfront.WithConfig(cfg.Front))

	return &Kernel{
		PolicyStore: policyStore,
		Gate:        g,
		Capability:  capMgr,
		Limiter:     lim,
		Feedback:    feedbackTracker,
		Ledger:      led,
		Dispatcher:  disp,
		Front:       front,
		Sessions:    pendingSessions,
		Policies:    pendingPolicies,
		Storage:     store,
		Bus:         messageBus,
		cfg:         cfg,
	}, nil
}

// Close releases the Kernel's durable storage handle. Ledger/dispatcher/
// limiter hold no OS resources beyond files opened per-append.
func (k *Kernel) Close() error {
	if k.Storage == nil {
		return nil
	}
	return k.Storage.Close()
}
