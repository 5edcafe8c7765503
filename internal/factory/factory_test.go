package factory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentbus "github.com/owulveryck/agentplatform/internal/bus"
	"github.com/owulveryck/agentplatform/internal/registry"
)

const testCatalog = `agent_id,display_name,layer,category,capabilities,escalation_to,health_status
root-1,Root,L1_Root,governance,oversight,,Healthy
board-1,Board,L2_Board,governance,planning,root-1,Healthy
micro-1,Micro,L6_Micro,delivery,coding,board-1,Healthy
micro-2,Micro 2,L6_Micro,delivery,coding,board-1,Healthy
`

func newTestFactory(t *testing.T) (*Factory, *registry.Registry) {
	t.Helper()
	reg, err := registry.Load(strings.NewReader(testCatalog), nil)
	require.NoError(t, err)
	b := agentbus.New(agentbus.Config{InboxCapacity: 8, HeartbeatInterval: time.Hour})
	f := New(Config{Registry: reg, Bus: b, GracePeriod: 50 * time.Millisecond})
	return f, reg
}

func TestSpawn_TransitionsToReady(t *testing.T) {
	f, _ := newTestFactory(t)
	id, err := f.Spawn(context.Background(), "micro-1", "")
	require.NoError(t, err)

	status, err := f.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StateReady, status.State)
	assert.Equal(t, "micro-1", status.DescriptorID)
}

func TestSpawn_UnknownDescriptor(t *testing.T) {
	f, _ := newTestFactory(t)
	_, err := f.Spawn(context.Background(), "ghost", "")
	assert.ErrorIs(t, err, ErrDescriptorNotFound)
}

func TestSpawn_LayerViolationRejected(t *testing.T) {
	f, _ := newTestFactory(t)
	parent, err := f.Spawn(context.Background(), "micro-1", "")
	require.NoError(t, err)

	_, err = f.Spawn(context.Background(), "board-1", parent)
	assert.ErrorIs(t, err, ErrLayerViolation)
}

func TestSpawn_ParentOutranksChildAllowed(t *testing.T) {
	f, _ := newTestFactory(t)
	parent, err := f.Spawn(context.Background(), "board-1", "")
	require.NoError(t, err)

	child, err := f.Spawn(context.Background(), "micro-1", parent)
	require.NoError(t, err)

	status, err := f.Status(child)
	require.NoError(t, err)
	assert.Equal(t, parent, status.ParentInstanceID)
}

func TestSpawnSwarm(t *testing.T) {
	f, _ := newTestFactory(t)
	ids, errs := f.SpawnSwarm(context.Background(), "micro-1", 3)
	assert.Empty(t, errs)
	assert.Len(t, ids, 3)
	assert.Len(t, f.List(), 3)
}

func TestTerminate_ReachesTerminated(t *testing.T) {
	f, _ := newTestFactory(t)
	id, err := f.Spawn(context.Background(), "micro-1", "")
	require.NoError(t, err)

	require.NoError(t, f.Terminate(id, "test"))

	status, err := f.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, status.State)
}

func TestMarkBusyMarkReady(t *testing.T) {
	f, _ := newTestFactory(t)
	id, err := f.Spawn(context.Background(), "micro-1", "")
	require.NoError(t, err)

	require.NoError(t, f.MarkBusy(id))
	status, _ := f.Status(id)
	assert.Equal(t, StateBusy, status.State)

	require.NoError(t, f.MarkReady(id))
	status, _ = f.Status(id)
	assert.Equal(t, StateReady, status.State)
}

func TestRunSupervisor_RespawnsOnUnresponsive(t *testing.T) {
	reg, err := registry.Load(strings.NewReader(testCatalog), nil)
	require.NoError(t, err)
	b := agentbus.New(agentbus.Config{InboxCapacity: 8, HeartbeatInterval: 20 * time.Millisecond})
	f := New(Config{Registry: reg, Bus: b, GracePeriod: 30 * time.Millisecond})

	id, err := f.Spawn(context.Background(), "micro-1", "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.RunHeartbeatMonitor(ctx)
	go f.RunSupervisor(ctx)

	require.Eventually(t, func() bool {
		status, err := f.Status(id)
		return err == nil && status.State == StateTerminated
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(f.List()) == 2
	}, time.Second, 10*time.Millisecond)
}
