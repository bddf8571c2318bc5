// Package client is the Go SDK for the quorum ledger service.
//
// It covers the three surfaces ledgerd exposes: the tamper-evident audit
// ledger, the M-of-N approval workflow, and JIT access grants.
//
// # Connecting
//
//	c, err := client.New("https://ledger.internal:8080",
//	    client.WithBearerToken(os.Getenv("QUORUM_TOKEN")),
//	)
//
// Against a server running without a token secret (dev mode), identify the
// caller with headers instead:
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithDevPrincipal("alice", "approver"),
//	)
//
// # Gating an action
//
//	req, err := c.CreateApproval(ctx, client.CreateApprovalRequest{
//	    Action:            "records.export",
//	    SubjectType:       "dataset",
//	    SubjectID:         "customers",
//	    RequiredApprovals: 2,
//	})
//	// ...two approvers call c.Decide(ctx, req.ID, true, "ok")...
//	done, err := c.Execute(ctx, req.ID)
//
// # Auditing
//
//	res, err := c.Verify(ctx, 1, 0)
//	if !res.Valid {
//	    log.Printf("chain broken at %d: %s", *res.BrokenAt, res.Reason)
//	}
//
// Failed calls return *APIError carrying the HTTP status and the server's
// error code (for example "not_approved" or "expired").
package client
