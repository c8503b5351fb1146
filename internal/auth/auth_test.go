package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spboyer/agentsphere/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatRequest(token string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	r.Header.Set(HeaderUserID, "u-42")
	r.Header.Set(HeaderUserName, "Sam")
	r.Header.Set(HeaderUserRole, "user")
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestIdentity(t *testing.T) {
	u, err := Identity(chatRequest(""))
	require.NoError(t, err)
	assert.Equal(t, models.User{ID: "u-42", Name: "Sam", Role: "user"}, u)

	_, err = Identity(httptest.NewRequest(http.MethodGet, "/", nil))
	require.ErrorIs(t, err, ErrNoIdentity)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "bearer abc")
	assert.Equal(t, "abc", BearerToken(r))
	r.Header.Set("Authorization", "abc")
	assert.Equal(t, "abc", BearerToken(r))
}

func introspectionServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "sphere", r.PostForm.Get("client_id"))
		assert.Equal(t, "s3cret", r.PostForm.Get("client_secret"))
		switch r.PostForm.Get("token") {
		case "good":
			_, _ = w.Write([]byte(`{"active":true,"sub":"u-42","email":"sam@example.com","exp":1893456000}`))
		case "expired":
			_, _ = w.Write([]byte(`{"active":false}`))
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestIntrospect(t *testing.T) {
	srv := introspectionServer(t)
	i := NewIntrospector(srv.URL, "sphere", "s3cret")
	require.True(t, i.Enabled())

	claims, err := i.Introspect(t.Context(), "good")
	require.NoError(t, err)
	assert.Equal(t, &Claims{Active: true, Subject: "u-42", Email: "sam@example.com", Expiry: 1893456000}, claims)

	_, err = i.Introspect(t.Context(), "expired")
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = i.Introspect(t.Context(), "unknown")
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = i.Introspect(t.Context(), "")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticator(t *testing.T) {
	srv := introspectionServer(t)
	a := NewAuthenticator(NewIntrospector(srv.URL, "sphere", "s3cret"), nil)

	u, err := a.User(chatRequest("good"))
	require.NoError(t, err)
	assert.Equal(t, "u-42", u.ID)
	assert.Equal(t, "sam@example.com", u.Email)

	_, err = a.User(chatRequest("bad"))
	require.ErrorIs(t, err, ErrInvalidToken)

	open := NewAuthenticator(NewIntrospector("", "", ""), nil)
	u, err = open.User(chatRequest(""))
	require.NoError(t, err)
	assert.Equal(t, "u-42", u.ID)

	_, err = NewAuthenticator(nil, nil).User(httptest.NewRequest(http.MethodGet, "/", nil))
	require.ErrorIs(t, err, ErrNoIdentity)
}

func TestTokensRoundTrip(t *testing.T) {
	tokens, err := NewTokens("secret", 0)
	require.NoError(t, err)

	token, issued, err := tokens.Issue("u-42")
	require.NoError(t, err)
	assert.NotEmpty(t, issued.ExecutorID)
	assert.WithinDuration(t, time.Now().Add(DefaultTokenTTL), issued.ExpiresAt.Time, time.Minute)

	claims, err := tokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u-42", claims.UserID)
	assert.Equal(t, issued.ExecutorID, claims.ExecutorID)

	_, second, err := tokens.Issue("u-42")
	require.NoError(t, err)
	assert.NotEqual(t, issued.ExecutorID, second.ExecutorID)
}

func TestTokensReject(t *testing.T) {
	tokens, err := NewTokens("secret", time.Hour)
	require.NoError(t, err)
	token, _, err := tokens.Issue("u-42")
	require.NoError(t, err)

	other, err := NewTokens("other", time.Hour)
	require.NoError(t, err)
	_, err = other.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)

	tokens.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = tokens.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &ExecutorClaims{UserID: "u", ExecutorID: "e"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = other.Verify(unsigned)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewTokens("", 0)
	require.ErrorIs(t, err, ErrNoSecret)
	_, _, err = tokens.Issue("")
	require.Error(t, err)
}
