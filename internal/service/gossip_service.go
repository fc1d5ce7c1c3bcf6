package service

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// MergeSignal reports that a node came back after being seen leaving, so the
// partition has healed and a merge is needed
type MergeSignal struct {
	NodeID     string
	DownFor    time.Duration
	DetectedAt time.Time
}

// MembershipTracker keeps the live member set and turns rejoins into merge
// signals. Signals are coalesced: when the buffer is full a pending signal
// already covers the new one.
type MembershipTracker struct {
	mu       sync.Mutex
	localID  string
	members  map[string]struct{}
	departed map[string]time.Time
	signals  chan MergeSignal
	now      func() time.Time
	logger   *zap.Logger
}

// NewMembershipTracker creates a tracker that already counts the local node
func NewMembershipTracker(localID string, buffer int, logger *zap.Logger) *MembershipTracker {
	if buffer <= 0 {
		buffer = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MembershipTracker{
		localID:  localID,
		members:  map[string]struct{}{localID: {}},
		departed: make(map[string]time.Time),
		signals:  make(chan MergeSignal, buffer),
		now:      time.Now,
		logger:   logger,
	}
}

// Joined records a node joining. A node that was seen leaving emits a signal.
func (t *MembershipTracker) Joined(nodeID string) {
	t.mu.Lock()
	t.members[nodeID] = struct{}{}
	leftAt, wasGone := t.departed[nodeID]
	delete(t.departed, nodeID)
	now := t.now()
	t.mu.Unlock()

	if !wasGone {
		return
	}

	signal := MergeSignal{NodeID: nodeID, DownFor: now.Sub(leftAt), DetectedAt: now}
	select {
	case t.signals <- signal:
		t.logger.Info("Partition healed, merge signalled",
			zap.String("node_id", nodeID),
			zap.Duration("down_for", signal.DownFor))
	default:
		t.logger.Debug("Merge already signalled, coalescing", zap.String("node_id", nodeID))
	}
}

// Left records a node leaving or failing
func (t *MembershipTracker) Left(nodeID string) {
	if nodeID == t.localID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.members, nodeID)
	if _, ok := t.departed[nodeID]; !ok {
		t.departed[nodeID] = t.now()
	}
}

// Members returns live node IDs, sorted
func (t *MembershipTracker) Members() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.members))
	for id := range t.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Signals is the stream of merge signals
func (t *MembershipTracker) Signals() <-chan MergeSignal {
	return t.signals
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool
	BindAddr       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// nodeMeta is gossiped with every member
type nodeMeta struct {
	Cluster string `json:"cluster"`
}

// GossipService detects partitions healing through memberlist and serves as
// the cluster context handed to merge policies
type GossipService struct {
	config      *GossipConfig
	memberlist  *memberlist.Memberlist
	nodeID      string
	clusterName string
	tracker     *MembershipTracker
	logger      *zap.Logger
}

// NewGossipService creates the memberlist and joins the seed nodes
func NewGossipService(cfg *GossipConfig, nodeID, clusterName string, logger *zap.Logger) (*GossipService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	gs := &GossipService{
		config:      cfg,
		nodeID:      nodeID,
		clusterName: clusterName,
		tracker:     NewMembershipTracker(nodeID, 1, logger),
		logger:      logger,
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeID
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = gs
	mlConfig.Events = &GossipEventDelegate{service: gs}
	mlConfig.LogOutput = zap.NewStdLog(logger.Named("memberlist")).Writer()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}

	return gs, nil
}

// NodeID implements capability.Cluster
func (s *GossipService) NodeID() string { return s.nodeID }

// ClusterName implements capability.Cluster
func (s *GossipService) ClusterName() string { return s.clusterName }

// Members implements capability.Cluster
func (s *GossipService) Members() []string { return s.tracker.Members() }

// Signals returns the merge signals raised on partition heal
func (s *GossipService) Signals() <-chan MergeSignal { return s.tracker.Signals() }

// NodeMeta implements memberlist.Delegate
func (s *GossipService) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(nodeMeta{Cluster: s.clusterName})
	if len(data) > limit {
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte { return nil }

// LocalState implements memberlist.Delegate
func (s *GossipService) LocalState(join bool) []byte { return nil }

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {}

// sameCluster ignores nodes that advertise another cluster name
func (s *GossipService) sameCluster(node *memberlist.Node) bool {
	if len(node.Meta) == 0 {
		return true
	}
	var meta nodeMeta
	if err := json.Unmarshal(node.Meta, &meta); err != nil {
		s.logger.Warn("Failed to unmarshal node meta", zap.String("node_id", node.Name), zap.Error(err))
		return false
	}
	return meta.Cluster == s.clusterName
}

// Shutdown leaves the cluster and stops gossiping
func (s *GossipService) Shutdown() error {
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("Failed to leave cluster cleanly", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// GossipEventDelegate handles memberlist events
type GossipEventDelegate struct {
	service *GossipService
}

// NotifyJoin is called when a node joins
func (d *GossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	if !d.service.sameCluster(node) {
		return
	}
	d.service.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
	d.service.tracker.Joined(node.Name)
}

// NotifyLeave is called when a node leaves
func (d *GossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	if !d.service.sameCluster(node) {
		return
	}
	d.service.logger.Info("Node left", zap.String("node_id", node.Name))
	d.service.tracker.Left(node.Name)
}

// NotifyUpdate is called when a node is updated
func (d *GossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Node updated", zap.String("node_id", node.Name))
}
