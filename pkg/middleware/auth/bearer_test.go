package authmw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/pdf_translator/pkg/tokens"
)

func newTokens() *tokens.Service {
	return &tokens.Service{
		AccessSecret:  []byte("access-secret"),
		RefreshSecret: []byte("refresh-secret"),
		AccessTTL:     time.Hour,
		RefreshTTL:    24 * time.Hour,
	}
}

func run(t *testing.T, mw echo.MiddlewareFunc, authHeader string) (*httptest.ResponseRecorder, error, echo.Context) {
	t.Helper()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authHeader != "" {
		req.Header.Set(echo.HeaderAuthorization, authHeader)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := mw(func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})(c)
	return rec, err, c
}

func TestRequireAuth(t *testing.T) {
	t.Parallel()

	ts := newTokens()
	m := New(ts)

	access, _, err := ts.Issue(tokens.Subject{ID: "u1", Role: "user"}, tokens.KindAccess)
	require.NoError(t, err)
	refresh, _, err := ts.Issue(tokens.Subject{ID: "u1", Role: "user"}, tokens.KindRefresh)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{name: "no header", header: "", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", status: http.StatusUnauthorized},
		{name: "garbage", header: "Bearer not-a-jwt", status: http.StatusUnauthorized},
		{name: "refresh token", header: "Bearer " + refresh, status: http.StatusUnauthorized},
		{name: "valid", header: "Bearer " + access, status: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec, err, c := run(t, m.RequireAuth, tt.header)
			if tt.status == http.StatusNoContent {
				require.NoError(t, err)
				assert.Equal(t, http.StatusNoContent, rec.Code)
				assert.Equal(t, "u1", c.Get(CtxUserID))
				assert.Equal(t, "user", c.Get(CtxRole))
				return
			}
			var he *echo.HTTPError
			require.ErrorAs(t, err, &he)
			assert.Equal(t, tt.status, he.Code)
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	t.Parallel()

	ts := newTokens()
	m := New(ts)

	user, _, err := ts.Issue(tokens.Subject{ID: "u1", Role: "user"}, tokens.KindAccess)
	require.NoError(t, err)
	admin, _, err := ts.Issue(tokens.Subject{ID: "a1", Role: RoleAdmin}, tokens.KindAccess)
	require.NoError(t, err)

	_, err, _ = run(t, m.RequireAdmin, "Bearer "+user)
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusForbidden, he.Code)

	rec, err, _ := run(t, m.RequireAdmin, "Bearer "+admin)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "bearer   tok ")
	tok, ok := BearerToken(r)
	assert.True(t, ok)
	assert.Equal(t, "tok", tok)
}
