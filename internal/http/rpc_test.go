package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tc-dynconf/configchange/internal/audit"
	"github.com/tc-dynconf/configchange/internal/changelog"
	"github.com/tc-dynconf/configchange/internal/evaluator"
	"github.com/tc-dynconf/configchange/internal/nodestate"
	"github.com/tc-dynconf/configchange/internal/security"
	"github.com/tc-dynconf/configchange/internal/topology"
)

func newRPCTestMachine(t *testing.T) *nodestate.Machine {
	t.Helper()
	dir := t.TempDir()
	store, err := changelog.Open(filepath.Join(dir, "n1.journal"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m, err := nodestate.Open("n1", "c1", store, evaluator.New(), filepath.Join(dir, "n1.state"), "127.0.0.1:9000")
	require.NoError(t, err)
	m.SetClock(func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) })
	return m
}

func attachStripePayload() topology.Payload {
	return topology.Payload{Op: topology.OpAttachStripe, NewStripe: &topology.Stripe{
		Name: "s1", Nodes: []topology.Node{{Name: "bootstrap", Host: "h0", Port: 1}},
	}}
}

func TestNewMux_HealthAndReady(t *testing.T) {
	m := newRPCTestMachine(t)
	verifier := security.NewVerifier([]byte("secret"))
	mux := NewMux(m, verifier, nil)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNodeRouter_DiscoverRequiresOperatorRole(t *testing.T) {
	m := newRPCTestMachine(t)
	secret := []byte("secret")
	verifier := security.NewVerifier(secret)
	signer := security.NewSigner(secret, time.Minute)
	mux := NewMux(m, verifier, nil)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/node/discover", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	tok, err := signer.Issue(security.RoleOperator, "bob")
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNodeRouter_PrepareRejectsOperatorRole(t *testing.T) {
	m := newRPCTestMachine(t)
	secret := []byte("secret")
	verifier := security.NewVerifier(secret)
	signer := security.NewSigner(secret, time.Minute)
	mux := NewMux(m, verifier, nil)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tok, err := signer.Issue(security.RoleOperator, "bob")
	require.NoError(t, err)

	body, err := json.Marshal(prepareWire{ChangeUUID: uuid.New(), NewVersion: 1, Payload: attachStripePayload()})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/node/prepare", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestNodeRouter_PrepareCommitAudited(t *testing.T) {
	m := newRPCTestMachine(t)
	secret := []byte("secret")
	verifier := security.NewVerifier(secret)
	signer := security.NewSigner(secret, time.Minute)

	auditPath := filepath.Join(t.TempDir(), "audit.log")
	auditLogger, err := audit.Open(audit.SinkFile, auditPath, nil)
	require.NoError(t, err)
	defer auditLogger.Close()

	mux := NewMux(m, verifier, auditLogger)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tok, err := signer.Issue(security.RoleCoord, "alice")
	require.NoError(t, err)

	id := uuid.New()
	body, err := json.Marshal(prepareWire{ChangeUUID: id, NewVersion: 1, Payload: attachStripePayload()})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/node/prepare", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sealBody, err := json.Marshal(sealWire{ExpectedMutativeCount: 1, ChangeUUID: id})
	require.NoError(t, err)
	req, err = http.NewRequest(http.MethodPost, srv.URL+"/v1/node/commit", bytes.NewReader(sealBody))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	auditLogger.Close()
	raw, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	lines := string(raw)
	assert.Contains(t, lines, "op=prepare")
	assert.Contains(t, lines, "op=commit")
	assert.Contains(t, lines, "node=n1")
	assert.Contains(t, lines, "accepted=true")
	assert.Contains(t, lines, id.String())
}

func TestNodeRouter_PrepareRejectionAudited(t *testing.T) {
	m := newRPCTestMachine(t)
	secret := []byte("secret")
	verifier := security.NewVerifier(secret)
	signer := security.NewSigner(secret, time.Minute)

	auditPath := filepath.Join(t.TempDir(), "audit.log")
	auditLogger, err := audit.Open(audit.SinkFile, auditPath, nil)
	require.NoError(t, err)
	defer auditLogger.Close()

	mux := NewMux(m, verifier, auditLogger)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tok, err := signer.Issue(security.RoleCoord, "alice")
	require.NoError(t, err)

	doPrepare := func(id uuid.UUID, expectedCount int64) *http.Response {
		body, err := json.Marshal(prepareWire{ExpectedMutativeCount: expectedCount, ChangeUUID: id, NewVersion: 1, Payload: attachStripePayload()})
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/node/prepare", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := doPrepare(uuid.New(), 0)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doPrepare(uuid.New(), 1)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var out mutativeResponseWire
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.False(t, out.Accepted)
	require.NotNil(t, out.Rejection)
	assert.Equal(t, "ALREADY_PREPARED", string(out.Rejection.Kind))

	auditLogger.Close()
	raw, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "accepted=false")
	assert.Contains(t, string(raw), "kind=ALREADY_PREPARED")
}
