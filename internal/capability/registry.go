// Package capability keeps a directory of the scribe nodes on the bus:
// what recognizer each one runs, how busy it is and whether it is still
// heartbeating.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Capability is something a node can do, such as "transcribe.whisper".
type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NodeInfo is the directory entry for one node.
type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	ActiveJobs   int          `json:"active_jobs"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

// Has reports whether the node advertises the named capability.
func (n NodeInfo) Has(name string) bool {
	for _, c := range n.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

type announcement struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Filter selects directory entries.
type Filter func(NodeInfo) bool

func HasCapability(name string) Filter {
	return func(n NodeInfo) bool { return n.Has(name) }
}

func InTier(tier string) Filter {
	return func(n NodeInfo) bool {
		for _, c := range n.Capabilities {
			if c.Tier == tier {
				return true
			}
		}
		return false
	}
}

func HealthyOnly() Filter {
	return func(n NodeInfo) bool { return n.Healthy }
}

// Registry announces this node and tracks its peers. A node re-announces
// whenever it hears from a peer it did not know, so late joiners learn
// the capabilities of nodes that started before them.
type Registry struct {
	cfg   config.NodeConfig
	self  []Capability
	load  func() int
	log   *slog.Logger
	bus   *bus.Client
	clock func() time.Time

	mu    sync.RWMutex
	nodes map[string]*NodeInfo

	cancel context.CancelFunc
	done   chan struct{}
	subs   []*nats.Subscription
}

// NewRegistry joins the directory. load reports the node's in-flight jobs
// and may be nil.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, self []Capability, load func() int, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	if load == nil {
		load = func() int { return 0 }
	}
	r := &Registry{
		cfg:   cfg,
		self:  self,
		load:  load,
		log:   log.With(slog.String("component", "capability-registry")),
		bus:   busClient,
		clock: time.Now,
		nodes: make(map[string]*NodeInfo),
		done:  make(chan struct{}),
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}
	if err := r.subscribe(); err != nil {
		return nil, err
	}
	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slogError(err))
	}

	ctx, r.cancel = context.WithCancel(ctx)
	go r.loop(ctx)
	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	heartbeatSub, err := conn.Subscribe(protocol.SubjectNodeHeartbeat+".*", r.handleHeartbeat)
	if err != nil {
		_ = announceSub.Unsubscribe()
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = []*nats.Subscription{announceSub, heartbeatSub}
	return nil
}

// loop heartbeats and expires silent peers on the same tick.
func (r *Registry) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.heartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slogError(err))
			}
			r.expire()
		}
	}
}

func (r *Registry) announce() error {
	msg := announcement{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.self,
		Timestamp:    r.clock().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.bus.Conn().Publish(protocol.SubjectNodeAnnounce, payload); err != nil {
		return err
	}
	r.observe(msg.NodeID, func(n *NodeInfo) {
		n.Role = msg.Role
		n.Capabilities = msg.Capabilities
		n.ActiveJobs = r.load()
		n.LastSeen = msg.Timestamp
	})
	return nil
}

func (r *Registry) heartbeat() error {
	msg := protocol.NodeHeartbeat{
		NodeID:     r.cfg.ID,
		ActiveJobs: r.load(),
		Timestamp:  r.clock().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(protocol.SubjectNodeHeartbeat+"."+r.cfg.ID, payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a announcement
	if err := json.Unmarshal(msg.Data, &a); err != nil || a.NodeID == "" {
		r.log.Warn("invalid announce message", slog.Int("bytes", len(msg.Data)))
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = r.clock().UTC()
	}
	isNew := r.observe(a.NodeID, func(n *NodeInfo) {
		n.Role = a.Role
		n.Capabilities = a.Capabilities
		n.LastSeen = a.Timestamp
	})
	if isNew && a.NodeID != r.cfg.ID {
		r.log.Info("scribe node joined", slog.String("node_id", a.NodeID))
		if err := r.announce(); err != nil {
			r.log.Warn("failed to re-announce node", slogError(err))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.NodeHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid heartbeat message", slog.Int("bytes", len(msg.Data)))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}
	r.observe(hb.NodeID, func(n *NodeInfo) {
		n.ActiveJobs = hb.ActiveJobs
		n.LastSeen = hb.Timestamp
	})
}

// observe applies update to the entry for id, creating it when missing,
// and reports whether the entry was created.
func (r *Registry) observe(id string, update func(*NodeInfo)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		n = &NodeInfo{ID: id}
		r.nodes[id] = n
	}
	update(n)
	n.Healthy = true
	return !ok
}

func (r *Registry) expire() {
	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.nodes {
		if now.Sub(n.LastSeen) > timeout {
			n.Healthy = false
		}
	}
}

// Healthy reports whether this node still sees its own heartbeats.
func (r *Registry) Healthy() bool {
	self, ok := r.Self()
	return ok && self.Healthy
}

// Self returns this node's directory entry.
func (r *Registry) Self() (NodeInfo, bool) {
	nodes := r.Nodes(func(n NodeInfo) bool { return n.ID == r.cfg.ID })
	if len(nodes) == 0 {
		return NodeInfo{}, false
	}
	return nodes[0], true
}

// Nodes lists the entries that pass every filter, ordered by node id.
func (r *Registry) Nodes(filters ...Filter) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NodeInfo, 0, len(r.nodes))
next:
	for _, n := range r.nodes {
		entry := *n
		entry.Capabilities = append([]Capability(nil), n.Capabilities...)
		for _, f := range filters {
			if !f(entry) {
				continue next
			}
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// initMetrics exports scribe.nodes, the known nodes per capability and
// health state.
func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/capability")
	gauge, err := meter.Int64ObservableGauge("scribe.nodes",
		metric.WithDescription("Known scribe nodes by capability and health"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		type key struct {
			capability string
			healthy    bool
		}
		counts := map[key]int64{}
		for _, n := range r.Nodes() {
			for _, c := range n.Capabilities {
				counts[key{c.Name, n.Healthy}]++
			}
		}
		for k, v := range counts {
			obs.ObserveInt64(gauge, v, metric.WithAttributes(
				attribute.String("capability", k.capability),
				attribute.Bool("healthy", k.healthy)))
		}
		return nil
	}, gauge)
	return err
}

// ForTranscription describes a node by the recognizer it runs.
func ForTranscription(cfg config.STTConfig, maxJobs int) []Capability {
	attrs := map[string]string{
		"max_jobs": strconv.Itoa(maxJobs),
	}
	if cfg.Language != "" {
		attrs["language"] = cfg.Language
	}
	if cfg.Model != "" && cfg.Mode == "openai" {
		attrs["model"] = cfg.Model
	}
	tier := "local"
	if cfg.Mode == "openai" {
		tier = "remote"
	}
	return []Capability{{
		Name:       "transcribe." + cfg.Mode,
		Tier:       tier,
		Attributes: attrs,
	}}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
