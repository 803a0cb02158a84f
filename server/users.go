package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"lmsoauth/clients"
)

// ErrNoUser means the request carries no authenticated LMS user.
var ErrNoUser = errors.New("no authenticated user")

// UserResolver identifies the LMS user behind an authorization request. The
// LMS authenticates users; this server only learns the result.
type UserResolver interface {
	ResolveUser(r *http.Request) (string, error)
}

// HeaderUserResolver trusts a header set by the LMS gateway in front of this
// server. In dev mode DevUser stands in when the header is missing.
type HeaderUserResolver struct {
	Header  string
	DevUser string
	DevMode bool
}

func (h HeaderUserResolver) ResolveUser(r *http.Request) (string, error) {
	if h.Header != "" {
		if v := strings.TrimSpace(r.Header.Get(h.Header)); v != "" {
			return v, nil
		}
	}
	if h.DevMode && h.DevUser != "" {
		return h.DevUser, nil
	}
	return "", ErrNoUser
}

// UserInfo is what userinfo may disclose about a user.
type UserInfo struct {
	Subject       string
	Name          string
	Email         string
	EmailVerified bool
}

// UserDirectory looks up profile claims by user ID.
type UserDirectory interface {
	LookupUser(ctx context.Context, id string) (UserInfo, bool, error)
}

// StaticDirectory serves users listed in the config file.
type StaticDirectory map[string]UserInfo

// NewStaticDirectory indexes configured users by ID.
func NewStaticDirectory(users []UserConfig) StaticDirectory {
	d := make(StaticDirectory, len(users))
	for _, u := range users {
		d[u.ID] = UserInfo{Subject: u.ID, Name: u.Name, Email: u.Email, EmailVerified: u.EmailVerified}
	}
	return d
}

func (d StaticDirectory) LookupUser(_ context.Context, id string) (UserInfo, bool, error) {
	u, ok := d[id]
	return u, ok, nil
}

// userClaims releases profile claims according to the granted scopes.
func userClaims(sub string, scopes []string, info UserInfo, found bool) map[string]any {
	resp := map[string]any{"sub": sub}
	if !found {
		return resp
	}
	for _, s := range scopes {
		switch s {
		case clients.ScopeProfile:
			if info.Name != "" {
				resp["name"] = info.Name
			}
		case clients.ScopeEmail:
			if info.Email != "" {
				resp["email"] = info.Email
				resp["email_verified"] = info.EmailVerified
			}
		}
	}
	return resp
}
