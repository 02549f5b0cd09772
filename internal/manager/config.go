package manager

import (
	"time"

	"github.com/rs/zerolog"

	"llmd/internal/registry"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultForwardBuffer = 16
)

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	Registry  *registry.Registry
	Logger    zerolog.Logger
	Publisher EventPublisher
	// ForwardBuffer sizes the per-session channel handed to Prompt callers.
	ForwardBuffer int
	Now           func() time.Time
}

// NewWithConfig constructs a Manager from ManagerConfig. A nil Registry is
// treated as an empty one.
func NewWithConfig(cfg ManagerConfig) *Manager {
	if cfg.Registry == nil {
		cfg.Registry, _ = registry.New()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = noopPublisher{}
	}
	if cfg.ForwardBuffer <= 0 {
		cfg.ForwardBuffer = defaultForwardBuffer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		reg:       cfg.Registry,
		log:       cfg.Logger.With().Str("component", "manager").Logger(),
		pub:       cfg.Publisher,
		forwardSz: cfg.ForwardBuffer,
		now:       cfg.Now,
		startTime: cfg.Now(),
		sessions:  make(map[string]*session),
		quit:      make(chan struct{}),
	}
}
