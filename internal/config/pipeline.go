package config

import (
	"fmt"
	"time"

	"github.com/loamlabs/loam/internal/types"
)

// Pipeline is the resolved daemon configuration, one struct per subsystem.
// Built from the viper layer by LoadPipeline so the rest of the code never
// touches string keys.
type Pipeline struct {
	Store      Store
	Queue      Queue
	Bus        Bus
	Dispatch   Dispatch
	Context    Context
	Governance Governance
	Reasoner   Reasoner
	Embedding  Embedding
	Daemon     Daemon
}

// Store selects and tunes the storage backend.
type Store struct {
	Backend  string
	DSN      string
	MaxConns int
	Migrate  bool
}

// Queue tunes work claiming and retry behavior.
type Queue struct {
	Lease        time.Duration
	Heartbeat    time.Duration
	ReapInterval time.Duration
	MaxAttempts  int
	WorkspaceCap int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

// Bus tunes durable event delivery.
type Bus struct {
	SweepInterval  time.Duration
	RedeliverAfter time.Duration
	Batch          int
}

// Dispatch tunes topic routing and worker pools.
type Dispatch struct {
	Debounce            time.Duration
	Workers             int
	CascadeMaxDepth     int
	OrphanAfter         time.Duration
	EnableGraphStage    bool
	ComposeOnReflection bool
}

// Context tunes the basket context projection.
type Context struct {
	StaleAfter time.Duration
	MaxBlocks  int
}

// Governance locates the policy file. An empty path means the built-in
// default policy.
type Governance struct {
	PolicyFile string
}

// Reasoner selects the LLM provider for stage agents.
type Reasoner struct {
	Provider   string
	Model      string
	MaxTokens  int
	Timeout    time.Duration
	MaxRetries int
}

// Embedding tunes the embedding engine and its cache.
type Embedding struct {
	Dimensions int
	CacheURL   string
	CacheTTL   time.Duration
}

// Daemon holds process-level settings.
type Daemon struct {
	Socket string
	Actor  string
	JSON   bool
}

// LoadPipeline resolves the full daemon configuration from the initialized
// viper layer and validates it.
func LoadPipeline() (*Pipeline, error) {
	p := &Pipeline{
		Store: Store{
			Backend:  GetString("store.backend"),
			DSN:      GetString("store.dsn"),
			MaxConns: GetInt("store.max-conns"),
			Migrate:  GetBool("store.migrate"),
		},
		Queue: Queue{
			Lease:        GetDuration("queue.lease"),
			Heartbeat:    GetDuration("queue.heartbeat"),
			ReapInterval: GetDuration("queue.reap-interval"),
			MaxAttempts:  GetInt("queue.max-attempts"),
			WorkspaceCap: GetInt("queue.workspace-cap"),
			BackoffBase:  GetDuration("queue.backoff-base"),
			BackoffMax:   GetDuration("queue.backoff-max"),
		},
		Bus: Bus{
			SweepInterval:  GetDuration("bus.sweep-interval"),
			RedeliverAfter: GetDuration("bus.redeliver-after"),
			Batch:          GetInt("bus.batch"),
		},
		Dispatch: Dispatch{
			Debounce:            GetDuration("dispatch.debounce"),
			Workers:             GetInt("dispatch.workers"),
			CascadeMaxDepth:     GetInt("dispatch.cascade-max-depth"),
			OrphanAfter:         GetDuration("dispatch.orphan-after"),
			EnableGraphStage:    GetBool("dispatch.enable-graph-stage"),
			ComposeOnReflection: GetBool("dispatch.compose-on-reflection"),
		},
		Context: Context{
			StaleAfter: GetDuration("context.stale-after"),
			MaxBlocks:  GetInt("context.max-blocks"),
		},
		Governance: Governance{
			PolicyFile: GetString("governance.policy-file"),
		},
		Reasoner: Reasoner{
			Provider:   GetString("reasoner.provider"),
			Model:      GetString("reasoner.model"),
			MaxTokens:  GetInt("reasoner.max-tokens"),
			Timeout:    GetDuration("reasoner.timeout"),
			MaxRetries: GetInt("reasoner.max-retries"),
		},
		Embedding: Embedding{
			Dimensions: GetInt("embedding.dimensions"),
			CacheURL:   GetString("embedding.cache-url"),
			CacheTTL:   GetDuration("embedding.cache-ttl"),
		},
		Daemon: Daemon{
			Socket: GetString("daemon.socket"),
			Actor:  GetString("daemon.actor"),
			JSON:   GetBool("json"),
		},
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks cross-field constraints the viper layer cannot express.
func (p *Pipeline) Validate() error {
	switch p.Store.Backend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("store.backend must be postgres or memory, got %q", p.Store.Backend)
	}
	if p.Store.Backend == "postgres" && p.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for the postgres backend")
	}
	if p.Queue.Lease <= 0 {
		return fmt.Errorf("queue.lease must be positive")
	}
	if p.Queue.Heartbeat <= 0 || p.Queue.Heartbeat >= p.Queue.Lease {
		return fmt.Errorf("queue.heartbeat must be positive and shorter than queue.lease")
	}
	if p.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max-attempts must be >= 1")
	}
	if p.Queue.BackoffBase <= 0 || p.Queue.BackoffMax < p.Queue.BackoffBase {
		return fmt.Errorf("queue.backoff-base must be positive and no greater than queue.backoff-max")
	}
	if p.Bus.RedeliverAfter <= 0 {
		return fmt.Errorf("bus.redeliver-after must be positive")
	}
	if p.Dispatch.Workers < 1 {
		return fmt.Errorf("dispatch.workers must be >= 1")
	}
	if p.Dispatch.CascadeMaxDepth < 1 {
		return fmt.Errorf("dispatch.cascade-max-depth must be >= 1")
	}
	if p.Dispatch.OrphanAfter <= 0 {
		return fmt.Errorf("dispatch.orphan-after must be positive")
	}
	if p.Embedding.Dimensions < 1 {
		return fmt.Errorf("embedding.dimensions must be >= 1")
	}
	return nil
}

// LoadPolicy loads the governance policy: the configured policy file when
// set, the built-in default otherwise.
func (p *Pipeline) LoadPolicy() (*types.Policy, error) {
	if p.Governance.PolicyFile == "" {
		return types.DefaultPolicy(), nil
	}
	return LoadPolicyFile(p.Governance.PolicyFile)
}
