package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jmerrifield20/quorumledger/pkg/client"
)

const reqID = "550e8400-e29b-41d4-a716-446655440000"

// ── Stub server ─────────────────────────────────────────────────────────

func stubServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/ledger", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"entries": 3, "tail_digest": strings.Repeat("a", 64), "genesis": strings.Repeat("0", 64),
		})
	})

	mux.HandleFunc("/api/v1/ledger/entries", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if r.Header.Get("X-Principal") != "ops" {
				w.WriteHeader(http.StatusForbidden)
				json.NewEncoder(w).Encode(map[string]string{"error": "role operator required", "code": "forbidden"})
				return
			}
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{
				"sequence": 4, "actor": "ops", "action": body["action"], "changes": body["changes"],
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"entries":   []map[string]any{{"sequence": 2}, {"sequence": 3}},
			"from":      2,
			"to":        3,
			"next_from": 0,
		})
	})

	mux.HandleFunc("/api/v1/ledger/entries/9", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "ledger entry not found: sequence 9", "code": "not_found"})
	})

	mux.HandleFunc("/api/v1/ledger/verify", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"valid": false, "broken_at": 2, "reason": "digest_mismatch", "from": 1, "to": 3, "checked": 1,
		})
	})

	mux.HandleFunc("/api/v1/approvals", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{
				"id": reqID, "requester": r.Header.Get("X-Principal"), "action": body["action"],
				"required_approvals": body["required_approvals"], "status": "pending",
			})
			return
		}
		if r.URL.Query().Get("status") != "approved" {
			http.Error(w, `{"error":"unexpected filter","code":"validation"}`, http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"requests": []map[string]any{{"id": reqID, "status": "approved"}},
			"count":    1,
		})
	})

	mux.HandleFunc("/api/v1/approvals/"+reqID+"/decisions", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Approved bool `json:"approved"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		status := "rejected"
		if body.Approved {
			status = "approved"
		}
		json.NewEncoder(w).Encode(map[string]any{"id": reqID, "status": status})
	})

	mux.HandleFunc("/api/v1/approvals/"+reqID+"/execute", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "request is not approved", "code": "not_approved"})
	})

	mux.HandleFunc("/api/v1/access/grants", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if body["ttl_seconds"] != float64(3600) {
				http.Error(w, `{"error":"bad ttl","code":"validation"}`, http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{
				"id": "g1", "subject": "db-prod", "approval_request_id": body["approval_request_id"],
				"permissions": body["permissions"],
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"grants": []map[string]any{{"id": "g1", "subject": r.URL.Query().Get("subject")}},
			"count":  1,
		})
	})

	mux.HandleFunc("/api/v1/access/grants/g1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"grant": map[string]any{"id": "g1"}, "active": true})
	})

	mux.HandleFunc("/api/v1/access/grants/g1/revoke", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "g1", "revoked": true, "revoked_by": r.Header.Get("X-Principal")})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, srv *httptest.Server, principal string, roles ...string) *client.Client {
	t.Helper()
	return client.MustNew(srv.URL, client.WithDevPrincipal(principal, roles...))
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestOverview(t *testing.T) {
	srv := stubServer(t)
	c := newClient(t, srv, "alice")

	ov, err := c.Overview(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ov.Entries != 3 || len(ov.TailDigest) != 64 {
		t.Errorf("unexpected overview: %+v", ov)
	}
}

func TestAppend(t *testing.T) {
	srv := stubServer(t)

	e, err := newClient(t, srv, "ops", "operator").Append(context.Background(), client.AppendRequest{
		Action: "config.changed", Changes: map[string]int{"days": 30},
	})
	if err != nil {
		t.Fatal(err)
	}
	if e.Sequence != 4 || e.Action != "config.changed" {
		t.Errorf("unexpected entry: %+v", e)
	}
}

func TestAppend_forbidden(t *testing.T) {
	srv := stubServer(t)

	_, err := newClient(t, srv, "alice").Append(context.Background(), client.AppendRequest{Action: "x.y"})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Status != http.StatusForbidden || apiErr.Code != "forbidden" {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}

func TestEntries(t *testing.T) {
	srv := stubServer(t)

	page, err := newClient(t, srv, "alice").Entries(context.Background(), 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Entries) != 2 || page.Entries[0].Sequence != 2 || page.NextFrom != 0 {
		t.Errorf("unexpected page: %+v", page)
	}
}

func TestEntry_notFound(t *testing.T) {
	srv := stubServer(t)

	_, err := newClient(t, srv, "alice").Entry(context.Background(), 9)
	if !client.IsCode(err, "not_found") {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestVerify_brokenIsNotAnError(t *testing.T) {
	srv := stubServer(t)

	res, err := newClient(t, srv, "alice").Verify(context.Background(), 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || res.BrokenAt == nil || *res.BrokenAt != 2 || res.Reason != "digest_mismatch" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestApprovalLifecycle(t *testing.T) {
	srv := stubServer(t)
	ctx := context.Background()

	req, err := newClient(t, srv, "alice").CreateApproval(ctx, client.CreateApprovalRequest{
		Action: "records.export", SubjectType: "dataset", SubjectID: "customers", RequiredApprovals: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if req.ID != reqID || req.Requester != "alice" || req.Status != "pending" || req.RequiredApprovals != 2 {
		t.Errorf("unexpected request: %+v", req)
	}

	approver := newClient(t, srv, "bob", "approver")
	got, err := approver.Decide(ctx, reqID, true, "ok")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "approved" {
		t.Errorf("status after approve: %s", got.Status)
	}
	got, err = approver.Decide(ctx, reqID, false, "")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "rejected" {
		t.Errorf("status after reject: %s", got.Status)
	}

	list, err := approver.ListApprovals(ctx, client.ListApprovalsOptions{Status: "approved"})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != reqID {
		t.Errorf("unexpected list: %+v", list)
	}
}

func TestExecute_notApproved(t *testing.T) {
	srv := stubServer(t)

	_, err := newClient(t, srv, "ops", "operator").Execute(context.Background(), reqID)
	if !client.IsCode(err, "not_approved") {
		t.Errorf("expected not_approved, got %v", err)
	}
}

func TestGrants(t *testing.T) {
	srv := stubServer(t)
	ctx := context.Background()
	ops := newClient(t, srv, "ops", "operator")

	g, err := ops.Grant(ctx, reqID, []string{"db:read"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if g.ID != "g1" || g.ApprovalRequestID != reqID || len(g.Permissions) != 1 {
		t.Errorf("unexpected grant: %+v", g)
	}

	st, err := ops.GetGrant(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Active || st.Grant.ID != "g1" {
		t.Errorf("unexpected grant status: %+v", st)
	}

	active, err := ops.ListActiveGrants(ctx, "db-prod")
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].Subject != "db-prod" {
		t.Errorf("unexpected active grants: %+v", active)
	}

	revoked, err := ops.Revoke(ctx, "g1", "done")
	if err != nil {
		t.Fatal(err)
	}
	if !revoked.Revoked || revoked.RevokedBy != "ops" {
		t.Errorf("unexpected revoked grant: %+v", revoked)
	}
}

func TestBearerTokenHeader(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.Write([]byte(`{"entries":0}`))
	}))
	defer srv.Close()

	c := client.MustNew(srv.URL, client.WithBearerToken("tok123"))
	if _, err := c.Overview(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got != "Bearer tok123" {
		t.Errorf("Authorization header: got %q", got)
	}
}

func TestNonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := client.MustNew(srv.URL).Overview(context.Background())
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadGateway || apiErr.Message != "bad gateway" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestWithDevPrincipal_rejectsEmpty(t *testing.T) {
	if _, err := client.New("http://localhost", client.WithDevPrincipal("")); err == nil {
		t.Error("expected error for empty principal")
	}
}
