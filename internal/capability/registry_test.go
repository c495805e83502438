package capability

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForTranscription(t *testing.T) {
	caps := ForTranscription(config.STTConfig{Mode: "openai", Model: "whisper-1", Language: "en"}, 3)
	require.Len(t, caps, 1)
	assert.Equal(t, "transcribe.openai", caps[0].Name)
	assert.Equal(t, "remote", caps[0].Tier)
	assert.Equal(t, "3", caps[0].Attributes["max_jobs"])
	assert.Equal(t, "whisper-1", caps[0].Attributes["model"])
	assert.Equal(t, "en", caps[0].Attributes["language"])

	local := ForTranscription(config.STTConfig{Mode: "whisper"}, 1)
	assert.Equal(t, "local", local[0].Tier)
	_, hasModel := local[0].Attributes["model"]
	assert.False(t, hasModel)
}

func TestNodesFiltersAndOrders(t *testing.T) {
	r := &Registry{nodes: map[string]*NodeInfo{
		"node-c": {ID: "node-c", Capabilities: ForTranscription(config.STTConfig{Mode: "whisper"}, 1), Healthy: true},
		"node-a": {ID: "node-a", Capabilities: ForTranscription(config.STTConfig{Mode: "openai"}, 1), Healthy: true},
		"node-b": {ID: "node-b", Capabilities: ForTranscription(config.STTConfig{Mode: "whisper"}, 1)},
	}}

	all := r.Nodes()
	require.Len(t, all, 3)
	assert.Equal(t, []string{"node-a", "node-b", "node-c"}, []string{all[0].ID, all[1].ID, all[2].ID})

	whisper := r.Nodes(HasCapability("transcribe.whisper"))
	assert.Len(t, whisper, 2)
	ready := r.Nodes(HasCapability("transcribe.whisper"), HealthyOnly())
	require.Len(t, ready, 1)
	assert.Equal(t, "node-c", ready[0].ID)
	remote := r.Nodes(InTier("remote"))
	require.Len(t, remote, 1)
	assert.Equal(t, "node-a", remote[0].ID)

	// entries are copies
	all[0].Capabilities[0].Name = "changed"
	assert.True(t, r.Nodes(HasCapability("transcribe.openai"))[0].Has("transcribe.openai"))
}

func TestExpireMarksSilentNodes(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	r := &Registry{
		cfg:   config.NodeConfig{ID: "self", HeartbeatInterval: 100, HeartbeatTimeout: 300},
		clock: func() time.Time { return now },
		nodes: map[string]*NodeInfo{},
	}
	assert.True(t, r.observe("peer", func(n *NodeInfo) { n.LastSeen = now }))
	assert.False(t, r.observe("peer", func(n *NodeInfo) { n.ActiveJobs = 2 }))
	r.observe("self", func(n *NodeInfo) { n.LastSeen = now })

	now = now.Add(200 * time.Millisecond)
	r.expire()
	assert.Len(t, r.Nodes(HealthyOnly()), 2)

	r.observe("self", func(n *NodeInfo) { n.LastSeen = now })
	now = now.Add(250 * time.Millisecond)
	r.expire()
	healthy := r.Nodes(HealthyOnly())
	require.Len(t, healthy, 1)
	assert.Equal(t, "self", healthy[0].ID)
	assert.True(t, r.Healthy())

	peer := r.Nodes(func(n NodeInfo) bool { return n.ID == "peer" })
	require.Len(t, peer, 1)
	assert.Equal(t, 2, peer[0].ActiveJobs)
}

func TestLateJoinerLearnsExistingNodes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ns, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, logger)
	require.NoError(t, err)
	defer ns.Shutdown()

	connect := func() *bus.Client {
		c, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{ns.ClientURL()}, ConnectTimeout: 2000}, logger)
		require.NoError(t, err)
		return c
	}
	c1, c2 := connect(), connect()
	defer c1.Close()
	defer c2.Close()

	nodeCfg := func(id string) config.NodeConfig {
		return config.NodeConfig{ID: id, Role: "transcriber", HeartbeatInterval: 50, HeartbeatTimeout: 500}
	}
	r1, err := NewRegistry(context.Background(), nodeCfg("node-a"), ForTranscription(config.STTConfig{Mode: "exec"}, 1), func() int { return 1 }, c1, logger)
	require.NoError(t, err)
	defer r1.Close()
	require.NoError(t, c1.Conn().Flush())

	r2, err := NewRegistry(context.Background(), nodeCfg("node-b"), ForTranscription(config.STTConfig{Mode: "whisper"}, 2), nil, c2, logger)
	require.NoError(t, err)
	defer r2.Close()

	assert.True(t, r1.Healthy())
	self, ok := r1.Self()
	require.True(t, ok)
	assert.True(t, self.Has("transcribe.exec"))

	require.Eventually(t, func() bool {
		return len(r1.Nodes(HasCapability("transcribe.whisper"))) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		peers := r2.Nodes(HasCapability("transcribe.exec"))
		return len(peers) == 1 && peers[0].ActiveJobs == 1
	}, 2*time.Second, 10*time.Millisecond)
}
