// Package leadership tracks partition-primary ownership via gossip
// membership. The core assumes it runs only on the current partition
// primary; primary loss cancels the running orchestrator task, and
// the new primary restarts it. This package is grounded on
// storage-node/internal/service/gossip_service.go's memberlist.Create
// + Delegate/EventDelegate wiring, generalized from that file's
// health-status payload into a partition-ownership payload and from
// its passive membership tracking into an active primary watch that
// cancels a context on loss.
package leadership

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/statefabric/actormigrate/internal/metadatastore"
)

// Config mirrors gossip_service.go's GossipConfig shape.
type Config struct {
	Enabled        bool
	NodeID         string
	PartitionID    string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
	LeaseTimeout   time.Duration
}

// nodeMeta is the gossip payload, identifying which partition a node
// claims to be primary for.
type nodeMeta struct {
	NodeID      string `json:"nodeId"`
	PartitionID string `json:"partitionId"`
}

// Watcher determines, from gossip membership, whether this process is
// the current primary for cfg.PartitionID, and cancels a derived
// context at the first lease tick at which it observes it no longer is.
type Watcher struct {
	cfg        Config
	ml         *memberlist.Memberlist
	logger     *zap.Logger
	store      metadatastore.Store
	meta       nodeMeta

	mu         sync.RWMutex
	isPrimary  bool
}

// New joins the gossip cluster and starts claiming primary status for
// cfg.PartitionID. If cfg.Enabled is false, the Watcher always reports
// itself primary — single-node / test-without-gossip mode.
func New(cfg Config, store metadatastore.Store, logger *zap.Logger) (*Watcher, error) {
	w := &Watcher{
		cfg:    cfg,
		logger: logger,
		store:  store,
		meta:   nodeMeta{NodeID: cfg.NodeID, PartitionID: cfg.PartitionID},
	}

	if !cfg.Enabled {
		w.isPrimary = true
		return w, nil
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = cfg.NodeID
	mlConfig.BindPort = cfg.BindPort
	mlConfig.GossipInterval = cfg.GossipInterval
	mlConfig.ProbeTimeout = cfg.ProbeTimeout
	mlConfig.ProbeInterval = cfg.ProbeInterval
	mlConfig.Delegate = w
	mlConfig.Events = &eventDelegate{watcher: w}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create gossip memberlist: %w", err)
	}
	w.ml = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("failed to join some gossip seed nodes", zap.Error(err))
		}
	}

	w.recompute()
	return w, nil
}

// Watch blocks, renewing the partition primary lease on the metadata
// keyspace every cfg.LeaseTimeout/2 and calling cancel() at the first
// tick at which this node is no longer the primary (or the lease
// cannot be renewed); it returns then or when ctx is done. Run it in
// its own goroutine.
func (w *Watcher) Watch(ctx context.Context, cancel context.CancelFunc) {
	interval := w.cfg.LeaseTimeout / 2
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.recompute()
			if !w.IsPrimary() {
				w.logger.Warn("lost partition primary status, cancelling orchestrator run",
					zap.String("partition_id", w.cfg.PartitionID))
				cancel()
				return
			}
			if err := w.renewLease(ctx); err != nil {
				w.logger.Warn("failed to renew partition primary lease", zap.Error(err))
				cancel()
				return
			}
		}
	}
}

func (w *Watcher) renewLease(ctx context.Context) error {
	expiry := time.Now().Add(w.cfg.LeaseTimeout)
	return w.store.WithTx(ctx, func(ctx context.Context, tx metadatastore.Tx) error {
		_, err := metadatastore.AddOrUpdateTime(ctx, tx, metadatastore.KeyMigrationOwnerLeaseExpiry, expiry, func(time.Time) time.Time {
			return expiry
		})
		return err
	})
}

// IsPrimary reports the last-computed primary status for this node.
func (w *Watcher) IsPrimary() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.isPrimary
}

// recompute elects the lexicographically smallest live node ID among
// members claiming the same PartitionID as this node's primary. This
// mirrors the deterministic, coordinator-free elections used
// elsewhere in the pack (e.g. hash-ring ownership in PairDB's routing
// service) rather than introducing a separate consensus protocol.
func (w *Watcher) recompute() {
	if w.ml == nil {
		w.mu.Lock()
		w.isPrimary = true
		w.mu.Unlock()
		return
	}

	candidates := []string{w.cfg.NodeID}
	for _, m := range w.ml.Members() {
		if m.Name == w.cfg.NodeID {
			continue
		}
		var meta nodeMeta
		if err := json.Unmarshal(m.Meta, &meta); err != nil {
			continue
		}
		if meta.PartitionID == w.cfg.PartitionID {
			candidates = append(candidates, meta.NodeID)
		}
	}
	sort.Strings(candidates)

	w.mu.Lock()
	w.isPrimary = candidates[0] == w.cfg.NodeID
	w.mu.Unlock()
}

// Shutdown leaves the gossip cluster.
func (w *Watcher) Shutdown() error {
	if w.ml == nil {
		return nil
	}
	return w.ml.Shutdown()
}

// NodeMeta implements memberlist.Delegate.
func (w *Watcher) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(w.meta)
	if len(data) > limit {
		return data[:limit]
	}
	return data
}

// NotifyMsg implements memberlist.Delegate; this watcher exchanges no
// direct messages, only gossiped NodeMeta.
func (w *Watcher) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate.
func (w *Watcher) GetBroadcasts(overhead, limit int) [][]byte { return nil }

// LocalState implements memberlist.Delegate.
func (w *Watcher) LocalState(join bool) []byte {
	data, _ := json.Marshal(w.meta)
	return data
}

// MergeRemoteState implements memberlist.Delegate.
func (w *Watcher) MergeRemoteState(buf []byte, join bool) {}

type eventDelegate struct {
	watcher *Watcher
}

func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	d.watcher.logger.Info("gossip member joined", zap.String("node", node.Name))
	d.watcher.recompute()
}

func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	d.watcher.logger.Info("gossip member left", zap.String("node", node.Name))
	d.watcher.recompute()
}

func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.watcher.recompute()
}
