package evaluator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tc-dynconf/configchange/internal/errkind"
	"github.com/tc-dynconf/configchange/internal/topology"
)

func oneStripeOneNode() topology.Configuration {
	return topology.Configuration{
		SchemaVersion: topology.SchemaVersion,
		ClusterName:   "c1",
		Stripes: []topology.Stripe{
			{Name: "stripe1", Nodes: []topology.Node{{Name: "node1", Host: "10.0.0.1", Port: 9410}}},
		},
	}
}

func TestAttachNode_OK(t *testing.T) {
	e := New()
	cfg := oneStripeOneNode()
	cand, err := e.Evaluate(cfg, topology.Payload{
		Op:         topology.OpAttachNode,
		StripeName: "stripe1",
		Node:       &topology.Node{Name: "node2", Host: "10.0.0.2", Port: 9410},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, cand.NodeCount())
	assert.Equal(t, 1, cand.NodeCount()-cfg.NodeCount())
}

func TestAttachNode_DuplicateAddressRejected(t *testing.T) {
	e := New()
	cfg := oneStripeOneNode()
	_, err := e.Evaluate(cfg, topology.Payload{
		Op:         topology.OpAttachNode,
		StripeName: "stripe1",
		Node:       &topology.Node{Name: "node2", Host: "10.0.0.1", Port: 9410},
	})
	require.Error(t, err)
	assert.Equal(t, errkind.EvaluationReject, errkind.KindOf(err))
}

func TestDetachNode_LastNodeOfStripeRejected(t *testing.T) {
	e := New()
	cfg := oneStripeOneNode()
	_, err := e.Evaluate(cfg, topology.Payload{Op: topology.OpDetachNode, NodeName: "node1"})
	require.Error(t, err)
	assert.Equal(t, errkind.EvaluationReject, errkind.KindOf(err))
}

func TestDetachStripe_LastStripeRejected(t *testing.T) {
	e := New()
	cfg := oneStripeOneNode()
	_, err := e.Evaluate(cfg, topology.Payload{Op: topology.OpDetachStripe, StripeName: "stripe1"})
	require.Error(t, err)
	assert.Equal(t, errkind.EvaluationReject, errkind.KindOf(err))
}

func TestAttachThenDetachStripe(t *testing.T) {
	e := New()
	cfg := oneStripeOneNode()
	cand, err := e.Evaluate(cfg, topology.Payload{
		Op: topology.OpAttachStripe,
		NewStripe: &topology.Stripe{
			Name:  "stripe2",
			Nodes: []topology.Node{{Name: "node3", Host: "10.0.0.3", Port: 9410}},
		},
	})
	require.NoError(t, err)
	assert.Len(t, cand.Stripes, 2)

	cand2, err := e.Evaluate(cand, topology.Payload{Op: topology.OpDetachStripe, StripeName: "stripe2"})
	require.NoError(t, err)
	assert.Len(t, cand2.Stripes, 1)
}

func TestSetSetting_ImmutableRejected(t *testing.T) {
	e := New()
	cfg := oneStripeOneNode()
	cfg.Stripes[0].Nodes[0].Immutable = map[string]bool{"tc-properties-file": true}
	_, err := e.Evaluate(cfg, topology.Payload{
		Op:           topology.OpSetSetting,
		NodeName:     "node1",
		SettingKey:   "tc-properties-file",
		SettingValue: "/tmp/x.properties",
	})
	require.Error(t, err)
	assert.Equal(t, errkind.EvaluationReject, errkind.KindOf(err))
}

func TestSetSetting_ClusterScope(t *testing.T) {
	e := New()
	cfg := oneStripeOneNode()
	cand, err := e.Evaluate(cfg, topology.Payload{Op: topology.OpSetSetting, SettingKey: "client-reconnect-window", SettingValue: "120"})
	require.NoError(t, err)
	assert.Equal(t, "120", cand.ClusterSettings["client-reconnect-window"])
}

func TestEvaluator_Deterministic(t *testing.T) {
	e := New()
	cfg := oneStripeOneNode()
	payload := topology.Payload{
		Op:         topology.OpAttachNode,
		StripeName: "stripe1",
		Node:       &topology.Node{Name: "node2", Host: "10.0.0.2", Port: 9410},
	}
	a, errA := e.Evaluate(cfg, payload)
	b, errB := e.Evaluate(cfg, payload)
	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.Equal(t, a, b)
}
