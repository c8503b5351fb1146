// Package auth authenticates chat users and executor processes.
package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/spboyer/agentsphere/internal/models"
)

// Headers set by the chat front end for the signed-in user.
const (
	HeaderUserID    = "X-OpenWebUI-User-Id"
	HeaderUserName  = "X-OpenWebUI-User-Name"
	HeaderUserEmail = "X-OpenWebUI-User-Email"
	HeaderUserRole  = "X-OpenWebUI-User-Role"
)

var (
	// ErrNoIdentity is returned when a request carries no user id.
	ErrNoIdentity = errors.New("request carries no user identity")
	// ErrInvalidToken is returned for rejected bearer or executor tokens.
	ErrInvalidToken = errors.New("invalid token")
)

// Identity reads the user from the front end headers.
func Identity(r *http.Request) (models.User, error) {
	u := models.User{
		ID:    strings.TrimSpace(r.Header.Get(HeaderUserID)),
		Name:  r.Header.Get(HeaderUserName),
		Email: r.Header.Get(HeaderUserEmail),
		Role:  r.Header.Get(HeaderUserRole),
	}
	if u.ID == "" {
		return models.User{}, ErrNoIdentity
	}
	return u, nil
}

// BearerToken returns the token of the Authorization header.
func BearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return h
}
