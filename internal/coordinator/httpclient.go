package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tc-dynconf/configchange/internal/errkind"
	"github.com/tc-dynconf/configchange/internal/nodestate"
	"github.com/tc-dynconf/configchange/internal/record"
	"github.com/tc-dynconf/configchange/internal/topology"
)

// HTTPClient drives a remote node's /v1/node RPC surface (protocol §6) over
// plain net/http, mirroring the request/response shapes served by
// internal/http's NodeRouter. It keeps its own copy of the wire DTOs rather
// than importing internal/http: the two sides agree on JSON, not on Go types.
type HTTPClient struct {
	target string
	base   string
	token  string
	hc     *http.Client
}

// NewHTTPClient builds a client against a node's base URL (e.g.
// "https://node-3.cluster.internal:8443"), authenticating every call with a
// bearer token issued by internal/security.
func NewHTTPClient(target, baseURL, bearerToken string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{target: target, base: strings.TrimRight(baseURL, "/"), token: bearerToken, hc: hc}
}

func (c *HTTPClient) Target() string { return c.target }

func (c *HTTPClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("coordinator: encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("coordinator: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, errkind.New(errkind.Unreachable, fmt.Sprintf("%s: %v", c.target, err), errkind.Counters{})
	}
	return resp, nil
}

type discoverWire struct {
	Mode                 nodestate.Mode         `json:"mode"`
	MutativeMessageCount int64                  `json:"mutative_message_count"`
	LastMutationHost     string                 `json:"last_mutation_host"`
	LastMutationUser     string                 `json:"last_mutation_user"`
	LastMutationTime     time.Time              `json:"last_mutation_timestamp"`
	CurrentVersion       int64                  `json:"current_version"`
	HighestVersion       int64                  `json:"highest_version"`
	CurrentConfig        topology.Configuration `json:"current_config"`
	LatestChange         *record.Record         `json:"latest_change,omitempty"`
	Checkpoints          []string               `json:"checkpoints"`
}

type rejectionWire struct {
	Kind     errkind.Kind     `json:"kind,omitempty"`
	Reason   string           `json:"reason,omitempty"`
	Counters errkind.Counters `json:"counters"`
}

type prepareWire struct {
	ExpectedMutativeCount int64            `json:"expected_mutative_count"`
	ChangeUUID            uuid.UUID        `json:"change_uuid"`
	NewVersion            int64            `json:"new_version"`
	Payload               topology.Payload `json:"payload"`
	Host                  string           `json:"host"`
	User                  string           `json:"user"`
}

type sealWire struct {
	ExpectedMutativeCount int64     `json:"expected_mutative_count"`
	ChangeUUID            uuid.UUID `json:"change_uuid"`
	Host                  string    `json:"host"`
	User                  string    `json:"user"`
}

type takeOverWire struct {
	ExpectedMutativeCount int64     `json:"expected_mutative_count"`
	PriorUUID             uuid.UUID `json:"prior_uuid"`
	Host                  string    `json:"host"`
	User                  string    `json:"user"`
}

type mutativeResponseWire struct {
	Accepted  bool           `json:"accepted"`
	Record    *record.Record `json:"record,omitempty"`
	Rejection *rejectionWire `json:"rejection,omitempty"`
}

func decodeBody(resp *http.Response, v any) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *HTTPClient) mutativeCall(ctx context.Context, path string, body any) (record.Record, error) {
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return record.Record{}, err
	}
	var out mutativeResponseWire
	if err := decodeBody(resp, &out); err != nil {
		return record.Record{}, fmt.Errorf("coordinator: decode response from %s: %w", c.target, err)
	}
	if !out.Accepted {
		if out.Rejection == nil {
			return record.Record{}, fmt.Errorf("coordinator: %s rejected %s with no rejection detail", c.target, path)
		}
		return record.Record{}, errkind.New(out.Rejection.Kind, out.Rejection.Reason, out.Rejection.Counters)
	}
	if out.Record == nil {
		return record.Record{}, fmt.Errorf("coordinator: %s accepted %s with no record", c.target, path)
	}
	return *out.Record, nil
}

func (c *HTTPClient) Discover(ctx context.Context) (nodestate.DiscoverResponse, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/node/discover", nil)
	if err != nil {
		return nodestate.DiscoverResponse{}, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nodestate.DiscoverResponse{}, fmt.Errorf("coordinator: discover on %s: HTTP %d", c.target, resp.StatusCode)
	}
	var out discoverWire
	if err := decodeBody(resp, &out); err != nil {
		return nodestate.DiscoverResponse{}, fmt.Errorf("coordinator: decode discover from %s: %w", c.target, err)
	}
	return nodestate.DiscoverResponse{
		Mode: out.Mode, MutativeMessageCount: out.MutativeMessageCount,
		LastMutationHost: out.LastMutationHost, LastMutationUser: out.LastMutationUser, LastMutationTime: out.LastMutationTime,
		CurrentVersion: out.CurrentVersion, HighestVersion: out.HighestVersion,
		CurrentConfig: out.CurrentConfig, LatestChange: out.LatestChange, Checkpoints: out.Checkpoints,
	}, nil
}

func (c *HTTPClient) Prepare(ctx context.Context, req nodestate.PrepareRequest) (record.Record, error) {
	return c.mutativeCall(ctx, "/v1/node/prepare", prepareWire{
		ExpectedMutativeCount: req.ExpectedMutativeCount, ChangeUUID: req.ChangeUUID,
		NewVersion: req.NewVersion, Payload: req.Payload, Host: req.Host, User: req.User,
	})
}

func (c *HTTPClient) Commit(ctx context.Context, req nodestate.CommitRequest) (record.Record, error) {
	return c.mutativeCall(ctx, "/v1/node/commit", sealWire{
		ExpectedMutativeCount: req.ExpectedMutativeCount, ChangeUUID: req.ChangeUUID, Host: req.Host, User: req.User,
	})
}

func (c *HTTPClient) Rollback(ctx context.Context, req nodestate.RollbackRequest) (record.Record, error) {
	return c.mutativeCall(ctx, "/v1/node/rollback", sealWire{
		ExpectedMutativeCount: req.ExpectedMutativeCount, ChangeUUID: req.ChangeUUID, Host: req.Host, User: req.User,
	})
}

func (c *HTTPClient) TakeOver(ctx context.Context, req nodestate.TakeOverRequest) (record.Record, error) {
	return c.mutativeCall(ctx, "/v1/node/take_over", takeOverWire{
		ExpectedMutativeCount: req.ExpectedMutativeCount, PriorUUID: req.PriorUUID, Host: req.Host, User: req.User,
	})
}
