package main

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/quorumledger/internal/access"
	"github.com/jmerrifield20/quorumledger/internal/approval"
	"github.com/jmerrifield20/quorumledger/internal/executor"
	"github.com/jmerrifield20/quorumledger/internal/handler"
	"github.com/jmerrifield20/quorumledger/internal/identity"
	"github.com/jmerrifield20/quorumledger/internal/ledger"
	"github.com/jmerrifield20/quorumledger/pkg/client"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	l := ledger.New()
	approvals := approval.NewMemoryStore(l)
	wf := approval.NewWorkflow(approvals, logger)
	svc := access.NewService(wf, access.NewMemoryStore(l, approvals), logger)

	r := gin.New()
	v1 := r.Group("/api/v1", identity.RequirePrincipal(nil))
	handler.NewLedgerHandler(l, logger).Register(v1)
	handler.NewApprovalHandler(wf, executor.New(nil, time.Second, logger), time.Hour, logger).Register(v1)
	handler.NewAccessHandler(svc, logger).Register(v1)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

// qlctl runs the CLI in-process and returns stdout.
func qlctl(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCLI_approvalFlow(t *testing.T) {
	srv := newTestServer(t)
	base := []string{"--server", srv.URL}

	out, err := qlctl(t, append(base, "--as", "alice", "--format", "json",
		"approvals", "create", "--action", "records.export", "--required", "1")...)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var created client.ApprovalRequest
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("decode create output %q: %v", out, err)
	}
	if created.Status != "pending" || created.Requester != "alice" {
		t.Fatalf("unexpected request: %+v", created)
	}

	out, err = qlctl(t, append(base, "--as", "bob", "--roles", "approver", "--format", "text",
		"approvals", "decide", created.ID, "--approve", "--reason", "ok")...)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !strings.Contains(out, "approved (1/1 approvals)") {
		t.Errorf("decide output missing status:\n%s", out)
	}

	out, err = qlctl(t, append(base, "--as", "carol", "--format", "text", "verify")...)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(out, "chain valid: 2 entries checked") {
		t.Errorf("verify output:\n%s", out)
	}

	out, err = qlctl(t, append(base, "--as", "carol", "--format", "text", "entries")...)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if !strings.Contains(out, approval.ActionCreated) || !strings.Contains(out, approval.ActionDecided) {
		t.Errorf("entries output:\n%s", out)
	}
}

func TestCLI_decideRequiresOneVote(t *testing.T) {
	apApprove, apReject = false, false
	if _, err := qlctl(t, "--server", "http://127.0.0.1:1", "approvals", "decide", "x"); err == nil {
		t.Error("expected error without --approve or --reject")
	}
}

func TestCLI_rejectsUnknownFormat(t *testing.T) {
	if _, err := qlctl(t, "--format", "yaml", "version"); err == nil {
		t.Error("expected error for --format yaml")
	}
	format = "text"
}

func TestPrintVerification(t *testing.T) {
	at := int64(7)
	var buf bytes.Buffer
	printVerification(&buf, &client.VerificationResult{BrokenAt: &at, Reason: "digest_mismatch", Checked: 6})
	if got := buf.String(); !strings.Contains(got, "broken at sequence 7: digest_mismatch") {
		t.Errorf("got %q", got)
	}
}

func TestShortDigest(t *testing.T) {
	if got := shortDigest(strings.Repeat("ab", 32)); got != "abababababab" {
		t.Errorf("got %q", got)
	}
	if got := shortDigest("abc"); got != "abc" {
		t.Errorf("got %q", got)
	}
}
