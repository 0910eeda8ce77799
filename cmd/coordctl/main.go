package main

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tc-dynconf/configchange/internal/config"
	"github.com/tc-dynconf/configchange/internal/coordinator"
	"github.com/tc-dynconf/configchange/internal/errkind"
	"github.com/tc-dynconf/configchange/internal/recovery"
	"github.com/tc-dynconf/configchange/internal/topology"
)

// exit codes (protocol §6)
const (
	exitOK           = 0
	exitValidation   = 1
	exitInconsistent = 2
	exitRejected     = 3
	exitUnreachable  = 4
)

// nodeSet is the full fan-out target list a mutative command drives,
// addressed by the member name coordctl's other flags reference.
type nodeSet map[string]string // name -> base URL

func parseNodeSet(csv string) nodeSet {
	out := nodeSet{}
	if csv == "" {
		return out
	}
	for _, pair := range strings.Split(csv, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			out[pair] = pair
			continue
		}
		out[k] = v
	}
	return out
}

// resolve turns a member name or a bare host:port/URL into a base URL,
// preferring the --nodes mapping when the name is known there.
func (ns nodeSet) resolve(member string) string {
	if u, ok := ns[member]; ok {
		return u
	}
	if strings.HasPrefix(member, "http://") || strings.HasPrefix(member, "https://") {
		return member
	}
	return "http://" + member
}

func (ns nodeSet) targets(bearer string, hc *http.Client) []coordinator.NodeClient {
	out := make([]coordinator.NodeClient, 0, len(ns))
	for name, base := range ns {
		out = append(out, coordinator.NewHTTPClient(name, base, bearer, hc))
	}
	return out
}

type coordctl struct {
	nodes       nodeSet
	bearerToken string
	host        string
	user        string
	out         string
	timeout     time.Duration
	hc          *http.Client
}

func (c *coordctl) single(member string) coordinator.NodeClient {
	return coordinator.NewHTTPClient(member, c.nodes.resolve(member), c.bearerToken, c.hc)
}

func (c *coordctl) all() []coordinator.NodeClient {
	return c.nodes.targets(c.bearerToken, c.hc)
}

func (c *coordctl) print(v any) {
	if c.out == "json" {
		b, _ := json.MarshalIndent(v, "", "  ")
		fmt.Println(string(b))
		return
	}
	fmt.Printf("%+v\n", v)
}

// parseNodeSpec parses "name@host:port" or "name@host:port:groupPort".
func parseNodeSpec(spec string) (topology.Node, error) {
	name, addr, ok := strings.Cut(spec, "@")
	if !ok {
		return topology.Node{}, fmt.Errorf("node spec %q must be name@host:port", spec)
	}
	parts := strings.Split(addr, ":")
	if len(parts) < 2 {
		return topology.Node{}, fmt.Errorf("node spec %q missing host:port", spec)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return topology.Node{}, fmt.Errorf("node spec %q: bad port: %w", spec, err)
	}
	n := topology.Node{Name: name, Host: parts[0], Port: port}
	if len(parts) > 2 {
		gp, err := strconv.Atoi(parts[2])
		if err != nil {
			return topology.Node{}, fmt.Errorf("node spec %q: bad group port: %w", spec, err)
		}
		n.GroupPort = gp
	}
	return n, nil
}

// parseStripeSpec parses "stripeName:node1@host:port;node2@host:port2".
func parseStripeSpec(spec string) (topology.Stripe, error) {
	name, rest, ok := strings.Cut(spec, ":")
	if !ok {
		return topology.Stripe{}, fmt.Errorf("stripe spec %q must be name:node1@host:port[;...]", spec)
	}
	s := topology.Stripe{Name: name}
	for _, nodeSpec := range strings.Split(rest, ";") {
		n, err := parseNodeSpec(nodeSpec)
		if err != nil {
			return topology.Stripe{}, err
		}
		s.Nodes = append(s.Nodes, n)
	}
	return s, nil
}

// exitFor maps a coordinator/recovery error or verdict outcome to one of
// the exit codes the operator script relies on (protocol §6).
func exitFor(err error) int {
	if err == nil {
		return exitOK
	}
	kind := string(errkind.KindOf(err))
	switch kind {
	case "UNREACHABLE":
		return exitUnreachable
	case "INCONSISTENT_CLUSTER", "PARTIAL_CLUSTER", "PRIOR_CHANGE_IN_FLIGHT", "RACE_DETECTED":
		return exitInconsistent
	case "":
		return exitValidation
	default:
		return exitRejected
	}
}

func main() {
	c := &coordctl{hc: &http.Client{}}
	var nodesFlag, configPath string

	root := &cobra.Command{
		Use:   "coordctl",
		Short: "operator CLI for cluster configuration changes",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return fmt.Errorf("config: %w", err)
				}
				if nodesFlag == "" {
					nodesFlag = strings.Join(cfg.Coordinator.Targets, ",")
				}
				if c.host == "" {
					c.host = cfg.Coordinator.Host
				}
				if c.user == "operator" && cfg.Coordinator.User != "" {
					c.user = cfg.Coordinator.User
				}
				if c.bearerToken == "" {
					c.bearerToken = cfg.Security.BearerSecret
				}
			}
			c.nodes = parseNodeSet(nodesFlag)
			c.hc.Timeout = c.timeout
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", envOr("COORDCTL_CONFIG", ""), "optional config.yaml providing default node targets (env COORDCTL_CONFIG)")
	root.PersistentFlags().StringVar(&nodesFlag, "nodes", envOr("COORDCTL_NODES", ""), "comma-separated name=baseURL node set (env COORDCTL_NODES)")
	root.PersistentFlags().StringVar(&c.bearerToken, "token", envOr("COORDCTL_TOKEN", ""), "bearer token to authenticate with (env COORDCTL_TOKEN)")
	root.PersistentFlags().StringVar(&c.host, "host", envOr("COORDCTL_HOST", hostname()), "host recorded in the change's audit trail")
	root.PersistentFlags().StringVar(&c.user, "user", envOr("COORDCTL_USER", "operator"), "user recorded in the change's audit trail")
	root.PersistentFlags().StringVar(&c.out, "out", "text", "output format: text|json")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "per-call HTTP timeout")

	root.AddCommand(
		newExportCmd(c),
		newAttachCmd(c),
		newDetachCmd(c),
		newSetCmd(c),
		newGetCmd(c),
		newDiagnosticCmd(c),
		newRepairCmd(c),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(exitFor(err))
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "coordctl"
	}
	return h
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func newExportCmd(c *coordctl) *cobra.Command {
	var member, file, format string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "export a node's current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if member == "" {
				return fmt.Errorf("validation: -s is required")
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
			defer cancel()
			resp, err := c.single(member).Discover(ctx)
			if err != nil {
				return err
			}
			b, err := formatConfig(resp.CurrentConfig, format)
			if err != nil {
				return fmt.Errorf("validation: %w", err)
			}
			if file == "" || file == "-" {
				fmt.Println(string(b))
				return nil
			}
			return os.WriteFile(file, b, 0o644)
		},
	}
	cmd.Flags().StringVarP(&member, "server", "s", "", "node to export from, host:port or known name")
	cmd.Flags().StringVarP(&file, "file", "f", "", "destination file (default stdout)")
	cmd.Flags().StringVarP(&format, "type", "t", "json", "output format: json|properties|xml")
	return cmd
}

// xmlSetting/xmlNode/xmlStripe/xmlConfig mirror topology.Configuration in a
// shape encoding/xml can marshal: that package cannot encode Go maps, so
// settings are flattened to key/value element lists for the xml export.
type xmlSetting struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}
type xmlNode struct {
	Name     string       `xml:"name,attr"`
	Host     string       `xml:"host,attr"`
	Port     int          `xml:"port,attr"`
	Settings []xmlSetting `xml:"setting,omitempty"`
}
type xmlStripe struct {
	Name  string    `xml:"name,attr"`
	Nodes []xmlNode `xml:"node"`
}
type xmlConfig struct {
	XMLName         xml.Name     `xml:"configuration"`
	ClusterName     string       `xml:"clusterName,attr"`
	SecurityEnabled bool         `xml:"securityEnabled,attr"`
	ClusterSettings []xmlSetting `xml:"clusterSetting,omitempty"`
	Stripes         []xmlStripe  `xml:"stripe"`
}

func toXMLConfig(cfg topology.Configuration) xmlConfig {
	out := xmlConfig{ClusterName: cfg.ClusterName, SecurityEnabled: cfg.SecurityEnabled}
	for k, v := range cfg.ClusterSettings {
		out.ClusterSettings = append(out.ClusterSettings, xmlSetting{Key: k, Value: v})
	}
	for _, s := range cfg.Stripes {
		xs := xmlStripe{Name: s.Name}
		for _, n := range s.Nodes {
			xn := xmlNode{Name: n.Name, Host: n.Host, Port: n.Port}
			for k, v := range n.Settings {
				xn.Settings = append(xn.Settings, xmlSetting{Key: k, Value: v})
			}
			xs.Nodes = append(xs.Nodes, xn)
		}
		out.Stripes = append(out.Stripes, xs)
	}
	return out
}

func formatConfig(cfg topology.Configuration, format string) ([]byte, error) {
	switch format {
	case "json", "":
		return json.MarshalIndent(cfg, "", "  ")
	case "xml":
		return xml.MarshalIndent(toXMLConfig(cfg), "", "  ")
	case "properties":
		return configToProperties(cfg), nil
	default:
		return nil, fmt.Errorf("unknown export format %q", format)
	}
}

func configToProperties(cfg topology.Configuration) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "clusterName=%s\n", cfg.ClusterName)
	fmt.Fprintf(&sb, "securityEnabled=%t\n", cfg.SecurityEnabled)
	for k, v := range cfg.ClusterSettings {
		fmt.Fprintf(&sb, "cluster.%s=%s\n", k, v)
	}
	for _, s := range cfg.Stripes {
		for _, n := range s.Nodes {
			fmt.Fprintf(&sb, "stripe.%s.node.%s=%s:%d\n", s.Name, n.Name, n.Host, n.Port)
			for k, v := range n.Settings {
				fmt.Fprintf(&sb, "stripe.%s.node.%s.%s=%s\n", s.Name, n.Name, k, v)
			}
		}
	}
	return []byte(sb.String())
}

func newAttachCmd(c *coordctl) *cobra.Command {
	var kind, dest, spec string
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "attach a node or stripe to the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload topology.Payload
			switch kind {
			case "node", "":
				if dest == "" || spec == "" {
					return fmt.Errorf("validation: -d and -s are required for attach node")
				}
				n, err := parseNodeSpec(spec)
				if err != nil {
					return fmt.Errorf("validation: %w", err)
				}
				payload = topology.Payload{Op: topology.OpAttachNode, StripeName: dest, Node: &n}
			case "stripe":
				if spec == "" {
					return fmt.Errorf("validation: -s is required for attach stripe")
				}
				s, err := parseStripeSpec(spec)
				if err != nil {
					return fmt.Errorf("validation: %w", err)
				}
				payload = topology.Payload{Op: topology.OpAttachStripe, NewStripe: &s}
			default:
				return fmt.Errorf("validation: -t must be node or stripe")
			}
			return runChange(cmd.Context(), c, payload)
		},
	}
	cmd.Flags().StringVarP(&kind, "type", "t", "node", "node|stripe")
	cmd.Flags().StringVarP(&dest, "dest", "d", "", "existing stripe the new node attaches to (node attach only)")
	cmd.Flags().StringVarP(&spec, "spec", "s", "", "new member spec: name@host:port for node, or name:node@host:port[;...] for stripe")
	return cmd
}

func newDetachCmd(c *coordctl) *cobra.Command {
	var kind, member string
	cmd := &cobra.Command{
		Use:   "detach",
		Short: "detach a node or stripe from the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			if member == "" {
				return fmt.Errorf("validation: -s is required")
			}
			var payload topology.Payload
			switch kind {
			case "node", "":
				payload = topology.Payload{Op: topology.OpDetachNode, NodeName: member}
			case "stripe":
				payload = topology.Payload{Op: topology.OpDetachStripe, StripeName: member}
			default:
				return fmt.Errorf("validation: -t must be node or stripe")
			}
			return runChange(cmd.Context(), c, payload)
		},
	}
	cmd.Flags().StringVarP(&kind, "type", "t", "node", "node|stripe")
	cmd.Flags().StringVarP(&member, "spec", "s", "", "node name or stripe name to remove")
	return cmd
}

func newSetCmd(c *coordctl) *cobra.Command {
	var member, setting string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "set a cluster- or node-scoped setting",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value, ok := strings.Cut(setting, "=")
			if !ok {
				return fmt.Errorf("validation: -c must be key=value")
			}
			payload := topology.Payload{Op: topology.OpSetSetting, SettingKey: key, SettingValue: value}
			if member != "" && member != "cluster" {
				payload.NodeName = member
			}
			return runChange(cmd.Context(), c, payload)
		},
	}
	cmd.Flags().StringVarP(&member, "server", "s", "", "node name to scope the setting to, or \"cluster\"")
	cmd.Flags().StringVarP(&setting, "config", "c", "", "setting=value")
	return cmd
}

func newGetCmd(c *coordctl) *cobra.Command {
	var member, key string
	cmd := &cobra.Command{
		Use:   "get",
		Short: "read a cluster- or node-scoped setting",
		RunE: func(cmd *cobra.Command, args []string) error {
			if member == "" {
				return fmt.Errorf("validation: -s is required")
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
			defer cancel()
			resp, err := c.single(member).Discover(ctx)
			if err != nil {
				return err
			}
			cfg := resp.CurrentConfig
			if key == "" {
				c.print(cfg)
				return nil
			}
			if v, ok := cfg.ClusterSettings[key]; ok {
				fmt.Println(v)
				return nil
			}
			for _, s := range cfg.Stripes {
				for _, n := range s.Nodes {
					if v, ok := n.Settings[key]; ok {
						fmt.Println(v)
						return nil
					}
				}
			}
			return errkind.New(errkind.EvaluationReject, fmt.Sprintf("setting %q not found", key), errkind.Counters{})
		},
	}
	cmd.Flags().StringVarP(&member, "server", "s", "", "node to query")
	cmd.Flags().StringVarP(&key, "config", "c", "", "setting key")
	return cmd
}

func newDiagnosticCmd(c *coordctl) *cobra.Command {
	var member string
	cmd := &cobra.Command{
		Use:   "diagnostic",
		Short: "report a node's current protocol state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if member == "" {
				return fmt.Errorf("validation: -s is required")
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
			defer cancel()
			resp, err := c.single(member).Discover(ctx)
			if err != nil {
				return err
			}
			c.print(resp)
			return nil
		},
	}
	cmd.Flags().StringVarP(&member, "server", "s", "", "node to diagnose")
	return cmd
}

func newRepairCmd(c *coordctl) *cobra.Command {
	var member, force string
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "reconcile an abandoned change across the node set",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(c.nodes) == 0 {
				return fmt.Errorf("validation: --nodes must list the full cluster for repair")
			}
			if force != "" && force != "commit" && force != "rollback" {
				return fmt.Errorf("validation: --force must be commit or rollback")
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
			defer cancel()
			part, err := recovery.Discover(ctx, c.all())
			if err != nil {
				return err
			}
			rc := recovery.New(nil)
			report, err := rc.Run(ctx, part, c.host, c.user, force == "commit")
			if err != nil {
				return err
			}
			c.print(report)
			if len(part.Unseen) > 0 {
				co := coordinator.New(nil)
				if _, err := recovery.Repair(ctx, co, part, c.host, c.user); err != nil {
					return err
				}
			}
			_ = member
			return nil
		},
	}
	cmd.Flags().StringVarP(&member, "server", "s", "", "node that reported the abandoned change (informational)")
	cmd.Flags().StringVar(&force, "force", "", "commit|rollback: override the default-rollback policy")
	return cmd
}

func runChange(ctx context.Context, c *coordctl, payload topology.Payload) error {
	if len(c.nodes) == 0 {
		return fmt.Errorf("validation: --nodes must list the full cluster for a mutative change")
	}
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	co := coordinator.New(nil)
	v, err := co.Run(cctx, c.all(), coordinator.ChangeRequest{Payload: payload, Host: c.host, User: c.user})
	if v != nil {
		c.print(v)
	}
	if err != nil {
		return err
	}
	if v != nil && v.Outcome != coordinator.OutcomeCommitted {
		return verdictRejectionError(v)
	}
	return nil
}

// verdictRejectionError surfaces the originating node's rejection kind
// (protocol §7) so exitFor maps a non-committed verdict to exit 3, not the
// generic validation exit reserved for requests that never reached a node.
func verdictRejectionError(v *coordinator.Verdict) error {
	for _, r := range v.Results {
		if !r.Accepted && r.Err != nil {
			if errkind.KindOf(r.Err) != "" {
				return r.Err
			}
		}
	}
	return fmt.Errorf("rejected: outcome %s: %s", v.Outcome, v.Reason)
}
