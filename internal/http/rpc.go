package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tc-dynconf/configchange/internal/audit"
	"github.com/tc-dynconf/configchange/internal/errkind"
	"github.com/tc-dynconf/configchange/internal/nodestate"
	"github.com/tc-dynconf/configchange/internal/record"
	"github.com/tc-dynconf/configchange/internal/security"
	"github.com/tc-dynconf/configchange/internal/topology"
)

// discoverWire mirrors protocol §6's DiscoverResponse field set, snake_case
// on the wire as the rest of the platform's messages are.
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

func toDiscoverWire(d nodestate.DiscoverResponse) discoverWire {
	return discoverWire{
		Mode: d.Mode, MutativeMessageCount: d.MutativeMessageCount,
		LastMutationHost: d.LastMutationHost, LastMutationUser: d.LastMutationUser, LastMutationTime: d.LastMutationTime,
		CurrentVersion: d.CurrentVersion, HighestVersion: d.HighestVersion,
		CurrentConfig: d.CurrentConfig, LatestChange: d.LatestChange, Checkpoints: d.Checkpoints,
	}
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

func writeRejection(w http.ResponseWriter, err error) {
	if e, ok := err.(*errkind.Error); ok {
		WriteJSON(w, http.StatusConflict, mutativeResponseWire{
			Accepted:  false,
			Rejection: &rejectionWire{Kind: e.Kind, Reason: e.Reason, Counters: e.Counters},
		})
		return
	}
	WriteError(w, http.StatusInternalServerError, "internal_error", err.Error(), 1500)
}

// NodeRouter builds the chi sub-router exposing one Machine's discover,
// prepare, commit, rollback and take_over endpoints (protocol §6). Every
// mutative decision is additionally recorded by auditLogger (protocol §4.6),
// independent of the change log itself; auditLogger may be nil.
func NodeRouter(m *nodestate.Machine, verifier *security.Verifier, auditLogger *audit.Logger) chi.Router {
	r := chi.NewRouter()

	r.With(RequireRole(verifier, security.RoleOperator)).Get("/discover", func(w http.ResponseWriter, req *http.Request) {
		d, err := m.Discover()
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "internal_error", err.Error(), 1500)
			return
		}
		WriteJSON(w, http.StatusOK, toDiscoverWire(d))
	})

	r.With(RequireRole(verifier, security.RoleCoord)).Post("/prepare", func(w http.ResponseWriter, req *http.Request) {
		var body prepareWire
		if !ReadJSONStrict(w, req, &body) {
			return
		}
		rec, err := m.Prepare(nodestate.PrepareRequest{
			ExpectedMutativeCount: body.ExpectedMutativeCount, ChangeUUID: body.ChangeUUID,
			NewVersion: body.NewVersion, Payload: body.Payload, Host: body.Host, User: body.User,
		})
		auditLogger.Record(req.Context(), nodeEvent(m, "prepare", body.ChangeUUID, body.Host, body.User, err))
		if err != nil {
			writeRejection(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, mutativeResponseWire{Accepted: true, Record: &rec})
	})

	r.With(RequireRole(verifier, security.RoleCoord)).Post("/commit", func(w http.ResponseWriter, req *http.Request) {
		var body sealWire
		if !ReadJSONStrict(w, req, &body) {
			return
		}
		rec, err := m.Commit(nodestate.CommitRequest{
			ExpectedMutativeCount: body.ExpectedMutativeCount, ChangeUUID: body.ChangeUUID, Host: body.Host, User: body.User,
		})
		auditLogger.Record(req.Context(), nodeEvent(m, "commit", body.ChangeUUID, body.Host, body.User, err))
		if err != nil {
			writeRejection(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, mutativeResponseWire{Accepted: true, Record: &rec})
	})

	r.With(RequireRole(verifier, security.RoleCoord)).Post("/rollback", func(w http.ResponseWriter, req *http.Request) {
		var body sealWire
		if !ReadJSONStrict(w, req, &body) {
			return
		}
		rec, err := m.Rollback(nodestate.RollbackRequest{
			ExpectedMutativeCount: body.ExpectedMutativeCount, ChangeUUID: body.ChangeUUID, Host: body.Host, User: body.User,
		})
		auditLogger.Record(req.Context(), nodeEvent(m, "rollback", body.ChangeUUID, body.Host, body.User, err))
		if err != nil {
			writeRejection(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, mutativeResponseWire{Accepted: true, Record: &rec})
	})

	r.With(RequireRole(verifier, security.RoleCoord)).Post("/take_over", func(w http.ResponseWriter, req *http.Request) {
		var body takeOverWire
		if !ReadJSONStrict(w, req, &body) {
			return
		}
		rec, err := m.TakeOver(nodestate.TakeOverRequest{
			ExpectedMutativeCount: body.ExpectedMutativeCount, PriorUUID: body.PriorUUID, Host: body.Host, User: body.User,
		})
		auditLogger.Record(req.Context(), nodeEvent(m, "take_over", body.PriorUUID, body.Host, body.User, err))
		if err != nil {
			writeRejection(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, mutativeResponseWire{Accepted: true, Record: &rec})
	})

	return r
}

func nodeEvent(m *nodestate.Machine, op string, id uuid.UUID, host, user string, err error) audit.Event {
	ev := audit.Event{Component: "node", Op: op, NodeID: m.NodeID(), Host: host, User: user, ChangeUUID: id.String(), Accepted: err == nil}
	if err != nil {
		ev.RejectKind = errkind.KindOf(err)
		ev.Reason = err.Error()
	}
	return ev
}
