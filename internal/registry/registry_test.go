package registry

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCatalog = `agent_id,display_name,layer,category,capabilities,escalation_to,health_status
root-1,Root Agent,L1_Root,governance,oversight,,Healthy
board-1,Board Agent,L2_Board,governance,planning,root-1,Healthy
exec-1,Executive Agent,L3_Executive,delivery,"coding,review",board-1,Healthy
exec-2,Executive Agent Backup,L3_Executive,delivery,coding,board-1,Degraded
micro-1,Micro Agent,L6_Micro,delivery,coding,exec-1,Unknown
`

func TestLoad_BuildsIndicesAndQueries(t *testing.T) {
	reg, err := Load(strings.NewReader(sampleCatalog), nil)
	require.NoError(t, err)
	assert.Equal(t, 5, reg.Count())

	d, err := reg.Get("exec-1")
	require.NoError(t, err)
	assert.Equal(t, "Executive Agent", d.DisplayName)
	assert.ElementsMatch(t, []string{"coding", "review"}, d.Capabilities)

	_, err = reg.Get("does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)

	byLayer := reg.ByLayer(LayerExecutive)
	require.Len(t, byLayer, 2)
	assert.Equal(t, "exec-1", byLayer[0].AgentID)

	byCap := reg.ByCapability("coding")
	assert.Len(t, byCap, 3)

	healthy := reg.Healthy()
	assert.Len(t, healthy, 3)
}

func TestLoad_DuplicateAgentIDFirstWins(t *testing.T) {
	catalog := sampleCatalog + "root-1,Duplicate Root,L1_Root,governance,oversight,,Healthy\n"
	reg, err := Load(strings.NewReader(catalog), nil)
	require.NoError(t, err)
	assert.Equal(t, 5, reg.Count())

	d, err := reg.Get("root-1")
	require.NoError(t, err)
	assert.Equal(t, "Root Agent", d.DisplayName)
}

func TestLoad_RejectsCycle(t *testing.T) {
	catalog := `agent_id,display_name,layer,category,capabilities,escalation_to,health_status
a,A,L2_Board,governance,x,b,Healthy
b,B,L2_Board,governance,x,a,Healthy
`
	_, err := Load(strings.NewReader(catalog), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a")
	assert.Contains(t, err.Error(), "b")
}

func TestLoad_RejectsDanglingEscalation(t *testing.T) {
	catalog := `agent_id,display_name,layer,category,capabilities,escalation_to,health_status
a,A,L2_Board,governance,x,ghost,Healthy
`
	_, err := Load(strings.NewReader(catalog), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestLoad_RejectsNonRootSink(t *testing.T) {
	catalog := `agent_id,display_name,layer,category,capabilities,escalation_to,health_status
a,A,L2_Board,governance,x,,Healthy
`
	_, err := Load(strings.NewReader(catalog), nil)
	require.Error(t, err)
}

func TestRoundTrip_LoadDumpLoad(t *testing.T) {
	reg, err := Load(strings.NewReader(sampleCatalog), nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, reg.Dump(&buf))

	reg2, err := Load(&buf, nil)
	require.NoError(t, err)

	assert.Equal(t, reg.Count(), reg2.Count())
	for _, d := range reg.All() {
		d2, err := reg2.Get(d.AgentID)
		require.NoError(t, err)
		assert.Equal(t, d.DisplayName, d2.DisplayName)
		assert.Equal(t, d.Layer, d2.Layer)
		assert.ElementsMatch(t, d.Capabilities, d2.Capabilities)
		assert.Equal(t, d.EscalationTo, d2.EscalationTo)
	}
}

func TestEscalationChain(t *testing.T) {
	reg, err := Load(strings.NewReader(sampleCatalog), nil)
	require.NoError(t, err)

	chain, err := reg.EscalationChain("micro-1")
	require.NoError(t, err)
	ids := make([]string, len(chain))
	for i, d := range chain {
		ids[i] = d.AgentID
	}
	assert.Equal(t, []string{"micro-1", "exec-1", "board-1", "root-1"}, ids)
}
