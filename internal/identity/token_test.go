package identity_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/quorumledger/internal/identity"
)

const testIssuer = "https://ledger.example.com"

func newTestIssuer(ttl time.Duration) *identity.TokenIssuer {
	return identity.NewTokenIssuer([]byte("0123456789abcdef0123456789abcdef"), testIssuer, ttl)
}

func TestTokenIssuer_roundTrip(t *testing.T) {
	ti := newTestIssuer(time.Hour)

	token, err := ti.Issue("bob", []string{identity.RoleApprover})
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if parts := strings.Split(token, "."); len(parts) != 3 {
		t.Errorf("expected 3-part JWT, got %d parts", len(parts))
	}

	claims, err := ti.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if claims.Principal != "bob" || claims.Subject != "bob" {
		t.Errorf("principal: got %q / %q", claims.Principal, claims.Subject)
	}
	if !claims.HasRole(identity.RoleApprover) || claims.HasRole(identity.RoleOperator) {
		t.Errorf("roles: %v", claims.Roles)
	}
}

func TestTokenIssuer_Verify_expired(t *testing.T) {
	ti := newTestIssuer(time.Nanosecond)
	token, err := ti.Issue("bob", nil)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)

	if _, err := ti.Verify(token); err == nil {
		t.Error("expected error for expired token")
	}
}

func TestTokenIssuer_Verify_wrongSecret(t *testing.T) {
	token, _ := newTestIssuer(time.Hour).Issue("bob", nil)
	other := identity.NewTokenIssuer([]byte("another-secret-another-secret-xx"), testIssuer, time.Hour)

	if _, err := other.Verify(token); err == nil {
		t.Error("expected error for token signed with another secret")
	}
}

func TestTokenIssuer_Verify_wrongIssuer(t *testing.T) {
	token, _ := newTestIssuer(time.Hour).Issue("bob", nil)
	other := identity.NewTokenIssuer([]byte("0123456789abcdef0123456789abcdef"), "https://elsewhere", time.Hour)

	if _, err := other.Verify(token); err == nil {
		t.Error("expected error for token from another issuer")
	}
}

func TestTokenIssuer_noSecret(t *testing.T) {
	ti := identity.NewTokenIssuer(nil, testIssuer, time.Hour)
	if _, err := ti.Issue("bob", nil); !errors.Is(err, identity.ErrNoSecret) {
		t.Errorf("got %v, want ErrNoSecret", err)
	}
}

func newRouter(tokens *identity.TokenIssuer, mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers := append([]gin.HandlerFunc{identity.RequirePrincipal(tokens)}, mw...)
	handlers = append(handlers, func(c *gin.Context) {
		c.String(http.StatusOK, identity.PrincipalFromCtx(c))
	})
	r.GET("/whoami", handlers...)
	return r
}

func TestRequirePrincipal_bearer(t *testing.T) {
	ti := newTestIssuer(time.Hour)
	token, _ := ti.Issue("carol", nil)
	r := newRouter(ti)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != "carol" {
		t.Errorf("got %d %q", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(identity.DevPrincipalHeader, "mallory")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("header identity must be ignored when tokens are configured: got %d", w.Code)
	}
}

func TestRequirePrincipal_devMode(t *testing.T) {
	r := newRouter(nil, identity.RequireRole(identity.RoleApprover))

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(identity.DevPrincipalHeader, "dave")
	req.Header.Set(identity.DevRolesHeader, "requester, approver")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "dave" {
		t.Errorf("got %d %q", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(identity.DevPrincipalHeader, "dave")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("missing role: got %d, want 403", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: got %d, want 401", w.Code)
	}
}
