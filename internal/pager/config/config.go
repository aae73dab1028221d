// Package config loads the startup configuration a monitor hands the
// core (spec §6.3), with optional hot-reload of the non-hot-path fields
// via github.com/fsnotify/fsnotify. Fields that the fault path reads
// directly (guest memory bounds, node identity) are fixed at process
// start and never reloaded.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/orizon-lang/fabricmem/internal/pager/pagererr"
)

// NodeConfig is the startup configuration from spec §6.3.
type NodeConfig struct {
	NodeID                                 uint32 `json:"node_id"`
	TotalNodes                             uint32 `json:"total_nodes"`
	GuestMemoryBase                        uint64 `json:"guest_memory_base"`
	GuestMemoryLen                         uint64 `json:"guest_memory_len"`
	CoordinatorURL                         string `json:"coordinator_url"`
	TransportTier                          string `json:"transport_tier"` // "fast" | "standard" | "basic"
	TransportPortRangeLow                  int    `json:"transport_port_range_low"`
	TransportPortRangeHigh                 int    `json:"transport_port_range_high"`
	KernelUnprivilegedFaultFacilityEnabled bool   `json:"kernel_unprivileged_fault_facility_enabled"`

	// Reloadable fields (hot-path-safe): logging level, migration policy,
	// coordinator retry tuning. Never includes memory bounds or node
	// identity, which the fault path and directory size themselves from
	// at construction and cannot change underneath it.
	Reloadable Reloadable `json:"reloadable"`
}

// Reloadable holds the subset of configuration safe to change while the
// node is running.
type Reloadable struct {
	LogLevel               string `json:"log_level"`
	MigrationEnabled       bool   `json:"migration_enabled"`
	MigrationHitThreshold  uint64 `json:"migration_hit_threshold"`
	CoordinatorRetryMaxAttempts int `json:"coordinator_retry_max_attempts"`
}

// Validate checks the invariants the core requires before startup, per
// spec §6.3: "the core fails startup with a clear diagnostic if
// disabled."
func (c *NodeConfig) Validate() error {
	if !c.KernelUnprivilegedFaultFacilityEnabled {
		return pagererr.New(pagererr.FaultFacilityUnavailable,
			"kernel_unprivileged_fault_facility_enabled is false; refusing to start")
	}
	if c.TotalNodes == 0 {
		return fmt.Errorf("total_nodes must be >= 1")
	}
	if c.NodeID >= c.TotalNodes {
		return fmt.Errorf("node_id %d out of range for total_nodes %d", c.NodeID, c.TotalNodes)
	}
	if c.GuestMemoryLen == 0 || c.GuestMemoryLen%4096 != 0 {
		return fmt.Errorf("guest_memory_len must be a nonzero multiple of 4096, got %d", c.GuestMemoryLen)
	}
	if c.CoordinatorURL == "" {
		return fmt.Errorf("coordinator_url must not be empty")
	}
	if c.TransportPortRangeHigh < c.TransportPortRangeLow {
		return fmt.Errorf("transport_port_range_high (%d) < low (%d)", c.TransportPortRangeHigh, c.TransportPortRangeLow)
	}
	switch c.TransportTier {
	case "", "fast", "standard", "basic":
	default:
		return fmt.Errorf("unknown transport_tier %q", c.TransportTier)
	}
	return nil
}

// Load reads and validates a NodeConfig from a JSON file at path.
func Load(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg NodeConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watcher hot-reloads the Reloadable subset of a NodeConfig whenever the
// backing file changes, using fsnotify the way a long-running service
// picks up tuning changes without a restart. Immutable fields are parsed
// from each new version but discarded; a change to node_id or
// total_nodes is also logged as a warning.
type Watcher struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	current Reloadable

	bootNodeID uint32
	bootTotal  uint32

	fsw *fsnotify.Watcher
}

// NewWatcher starts watching path for changes, seeding current from
// initial.
func NewWatcher(path string, initial *NodeConfig, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close() //nolint:errcheck
		return nil, fmt.Errorf("watch config file: %w", err)
	}

	w := &Watcher{
		path:       path,
		logger:     logger,
		current:    initial.Reloadable,
		bootNodeID: initial.NodeID,
		bootTotal:  initial.TotalNodes,
		fsw:        fsw,
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous values", zap.Error(err))
		return
	}
	if cfg.NodeID != w.bootNodeID || cfg.TotalNodes != w.bootTotal {
		w.logger.Warn("ignoring change to immutable fields on reload",
			zap.Uint32("boot_node_id", w.bootNodeID), zap.Uint32("new_node_id", cfg.NodeID))
	}

	w.mu.Lock()
	w.current = cfg.Reloadable
	w.mu.Unlock()
	w.logger.Info("reloaded configuration", zap.String("path", w.path))
}

// Current returns the latest reloadable configuration.
func (w *Watcher) Current() Reloadable {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
