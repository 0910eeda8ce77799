// Package topology holds the minimal, opaque shape of a cluster's declarative
// configuration that the change protocol needs to reason about. It is
// deliberately thin: full setting validation, export formats (json/xml/
// properties) and the rest of the configuration domain model belong to an
// external collaborator (the "config-tool" and its model) that this package
// does not attempt to reproduce. What's here is just enough structure for
// the evaluator (internal/evaluator) to decide legality and for the node
// state machine to snapshot "the current configuration" as a change record's
// result.
package topology

// SchemaVersion tags the wire/on-disk shape of Configuration so future
// evaluators can refuse to interpret a payload shaped for an older schema.
const SchemaVersion = 1

// Configuration is the candidate or current declarative state of the cluster:
// its stripe layout and the per-entity settings attached at cluster, stripe
// or node granularity. Settings values are opaque strings; the real product's
// setting-value validation lives in the external configuration domain model.
type Configuration struct {
	SchemaVersion   int               `json:"schemaVersion"`
	ClusterName     string            `json:"clusterName"`
	ClusterSettings map[string]string `json:"clusterSettings,omitempty"`
	Stripes         []Stripe          `json:"stripes"`
	SecurityEnabled bool              `json:"securityEnabled"`
}

// Stripe is a replication group of nodes sharing identical state.
type Stripe struct {
	Name  string `json:"name"`
	Nodes []Node `json:"nodes"`
}

// Node is a single cluster member's address and per-node settings.
type Node struct {
	Name      string            `json:"name"`
	Host      string            `json:"host"`
	Port      int               `json:"port"`
	GroupPort int               `json:"groupPort"`
	Settings  map[string]string `json:"settings,omitempty"`
	// Immutable lists setting keys that may not be changed once the node has
	// activated, mirroring a real platform's "immutable post-activation" rule.
	Immutable map[string]bool `json:"immutable,omitempty"`
}

// Empty returns the built-in bootstrap configuration used when a node has no
// committed change yet (§3 invariant 5).
func Empty(clusterName string) Configuration {
	return Configuration{SchemaVersion: SchemaVersion, ClusterName: clusterName}
}

// Clone returns a deep copy so evaluators never mutate the caller's configuration.
func (c Configuration) Clone() Configuration {
	out := c
	if c.ClusterSettings != nil {
		out.ClusterSettings = make(map[string]string, len(c.ClusterSettings))
		for k, v := range c.ClusterSettings {
			out.ClusterSettings[k] = v
		}
	}
	out.Stripes = make([]Stripe, len(c.Stripes))
	for i, s := range c.Stripes {
		ns := Stripe{Name: s.Name, Nodes: make([]Node, len(s.Nodes))}
		for j, n := range s.Nodes {
			nn := n
			if n.Settings != nil {
				nn.Settings = make(map[string]string, len(n.Settings))
				for k, v := range n.Settings {
					nn.Settings[k] = v
				}
			}
			if n.Immutable != nil {
				nn.Immutable = make(map[string]bool, len(n.Immutable))
				for k, v := range n.Immutable {
					nn.Immutable[k] = v
				}
			}
			ns.Nodes[j] = nn
		}
		out.Stripes[i] = ns
	}
	return out
}

// FindNode returns the stripe and node matching name, or ok=false.
func (c Configuration) FindNode(name string) (Stripe, Node, bool) {
	for _, s := range c.Stripes {
		for _, n := range s.Nodes {
			if n.Name == name {
				return s, n, true
			}
		}
	}
	return Stripe{}, Node{}, false
}

// FindByAddress returns the node bound to host:port, if any.
func (c Configuration) FindByAddress(host string, port int) (Node, bool) {
	for _, s := range c.Stripes {
		for _, n := range s.Nodes {
			if n.Host == host && n.Port == port {
				return n, true
			}
		}
	}
	return Node{}, false
}

// NodeCount returns the total number of nodes across all stripes.
func (c Configuration) NodeCount() int {
	n := 0
	for _, s := range c.Stripes {
		n += len(s.Nodes)
	}
	return n
}
