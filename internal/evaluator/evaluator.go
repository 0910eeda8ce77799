// Package evaluator implements the change evaluator (protocol §4.2): given
// the current configuration and a proposed payload, it produces either a
// candidate configuration or a typed rejection. Evaluation is pure and
// deterministic by construction — it touches no clock, no randomness, no
// network — so that every node reaches the same verdict independently.
package evaluator

import (
	"fmt"

	"github.com/tc-dynconf/configchange/internal/errkind"
	"github.com/tc-dynconf/configchange/internal/topology"
)

// Evaluator applies a single change payload against a configuration.
type Evaluator interface {
	Evaluate(current topology.Configuration, payload topology.Payload) (candidate topology.Configuration, err error)
}

// Default is the evaluator used by the node state machine in the absence of
// an override. Its rules are the illustrative ones from protocol §4.2; a
// real deployment would layer the full configuration domain model's setting
// validation on top, but that model is an external collaborator here.
type Default struct{}

// New returns the default evaluator.
func New() Default { return Default{} }

func reject(reason string) error {
	return errkind.New(errkind.EvaluationReject, reason, errkind.Counters{})
}

// Evaluate implements Evaluator.
func (Default) Evaluate(current topology.Configuration, payload topology.Payload) (topology.Configuration, error) {
	switch payload.Op {
	case topology.OpAttachNode:
		return evalAttachNode(current, payload)
	case topology.OpDetachNode:
		return evalDetachNode(current, payload)
	case topology.OpAttachStripe:
		return evalAttachStripe(current, payload)
	case topology.OpDetachStripe:
		return evalDetachStripe(current, payload)
	case topology.OpSetSetting:
		return evalSetSetting(current, payload)
	default:
		return topology.Configuration{}, reject(fmt.Sprintf("unknown op %q", payload.Op))
	}
}

func evalAttachNode(current topology.Configuration, p topology.Payload) (topology.Configuration, error) {
	if p.Node == nil || p.StripeName == "" {
		return topology.Configuration{}, reject("attach-node requires stripeName and node")
	}
	if p.Node.Name == "" || p.Node.Host == "" || p.Node.Port == 0 {
		return topology.Configuration{}, reject("attach-node requires name, host and port")
	}
	if _, ok := current.FindByAddress(p.Node.Host, p.Node.Port); ok {
		return topology.Configuration{}, reject(fmt.Sprintf("address %s:%d already belongs to the cluster", p.Node.Host, p.Node.Port))
	}
	for _, s := range current.Stripes {
		for _, n := range s.Nodes {
			if n.Host == p.Node.Host && n.GroupPort != 0 && n.GroupPort == p.Node.GroupPort {
				return topology.Configuration{}, reject(fmt.Sprintf("group port %d on host %s conflicts with node %s", p.Node.GroupPort, n.Host, n.Name))
			}
		}
	}
	cand := current.Clone()
	found := false
	for i := range cand.Stripes {
		if cand.Stripes[i].Name == p.StripeName {
			cand.Stripes[i].Nodes = append(cand.Stripes[i].Nodes, *p.Node)
			found = true
			break
		}
	}
	if !found {
		return topology.Configuration{}, reject(fmt.Sprintf("stripe %q does not exist", p.StripeName))
	}
	return cand, nil
}

func evalDetachNode(current topology.Configuration, p topology.Payload) (topology.Configuration, error) {
	if p.NodeName == "" {
		return topology.Configuration{}, reject("detach-node requires nodeName")
	}
	cand := current.Clone()
	for i := range cand.Stripes {
		nodes := cand.Stripes[i].Nodes
		for j, n := range nodes {
			if n.Name == p.NodeName {
				if len(nodes) == 1 {
					return topology.Configuration{}, reject(fmt.Sprintf("node %q is the last node of stripe %q; detach the stripe instead", p.NodeName, cand.Stripes[i].Name))
				}
				cand.Stripes[i].Nodes = append(nodes[:j], nodes[j+1:]...)
				return cand, nil
			}
		}
	}
	return topology.Configuration{}, reject(fmt.Sprintf("node %q not found", p.NodeName))
}

func evalAttachStripe(current topology.Configuration, p topology.Payload) (topology.Configuration, error) {
	if p.NewStripe == nil || p.NewStripe.Name == "" {
		return topology.Configuration{}, reject("attach-stripe requires a named stripe")
	}
	for _, s := range current.Stripes {
		if s.Name == p.NewStripe.Name {
			return topology.Configuration{}, reject(fmt.Sprintf("stripe %q already exists", p.NewStripe.Name))
		}
	}
	for _, n := range p.NewStripe.Nodes {
		if _, ok := current.FindByAddress(n.Host, n.Port); ok {
			return topology.Configuration{}, reject(fmt.Sprintf("address %s:%d already belongs to the cluster", n.Host, n.Port))
		}
	}
	cand := current.Clone()
	cand.Stripes = append(cand.Stripes, *p.NewStripe)
	return cand, nil
}

func evalDetachStripe(current topology.Configuration, p topology.Payload) (topology.Configuration, error) {
	if p.StripeName == "" {
		return topology.Configuration{}, reject("detach-stripe requires stripeName")
	}
	if len(current.Stripes) <= 1 {
		return topology.Configuration{}, reject("cannot detach the last remaining stripe")
	}
	cand := current.Clone()
	for i, s := range cand.Stripes {
		if s.Name == p.StripeName {
			cand.Stripes = append(cand.Stripes[:i], cand.Stripes[i+1:]...)
			return cand, nil
		}
	}
	return topology.Configuration{}, reject(fmt.Sprintf("stripe %q not found", p.StripeName))
}

func evalSetSetting(current topology.Configuration, p topology.Payload) (topology.Configuration, error) {
	if p.SettingKey == "" {
		return topology.Configuration{}, reject("set-setting requires settingKey")
	}
	cand := current.Clone()
	if p.NodeName == "" {
		if cand.ClusterSettings == nil {
			cand.ClusterSettings = map[string]string{}
		}
		cand.ClusterSettings[p.SettingKey] = p.SettingValue
		return cand, nil
	}
	for i := range cand.Stripes {
		for j := range cand.Stripes[i].Nodes {
			n := &cand.Stripes[i].Nodes[j]
			if n.Name != p.NodeName {
				continue
			}
			if n.Immutable[p.SettingKey] {
				return topology.Configuration{}, reject(fmt.Sprintf("setting %q is immutable post-activation on node %q", p.SettingKey, p.NodeName))
			}
			if n.Settings == nil {
				n.Settings = map[string]string{}
			}
			n.Settings[p.SettingKey] = p.SettingValue
			return cand, nil
		}
	}
	return topology.Configuration{}, reject(fmt.Sprintf("node %q not found", p.NodeName))
}
