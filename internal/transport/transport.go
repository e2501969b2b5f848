// Package transport defines the remote contract used by selective sync and
// provides an HTTP client and an in-memory remote implementing it.
package transport

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/roach88/loftsync/internal/ids"
)

var (
	// ErrNotFound is returned when the remote has no entity with the id.
	ErrNotFound = errors.New("not found in cloud")

	// ErrUnauthenticated is returned when no valid session exists or the
	// remote rejected the credentials.
	ErrUnauthenticated = errors.New("not authenticated")
)

// Entity is the wire shape of a workspace, folder, or document.
type Entity struct {
	ID          string    `json:"id"`
	Kind        ids.Kind  `json:"kind"`
	WorkspaceID string    `json:"workspaceId,omitempty"`
	ParentID    string    `json:"parentId,omitempty"`
	Name        string    `json:"name"`
	Content     string    `json:"content,omitempty"`
	Snapshot    []byte    `json:"snapshot,omitempty"`
	Version     int64     `json:"version"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Client is the remote store contract.
type Client interface {
	// CreateRemote creates the entity and returns it with the assigned id.
	CreateRemote(ctx context.Context, e Entity) (Entity, error)
	// GetRemote returns the entity or ErrNotFound.
	GetRemote(ctx context.Context, kind ids.Kind, id string) (Entity, error)
	// UpdateRemote overwrites the entity and returns the stored result.
	UpdateRemote(ctx context.Context, kind ids.Kind, id string, e Entity) (Entity, error)
}

// Session is an authenticated user session.
type Session struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

// Valid reports whether the session carries a token and has not expired.
func (s Session) Valid(now time.Time) bool {
	if strings.TrimSpace(s.Token) == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// Authenticator yields the current session, if any.
type Authenticator interface {
	Session(ctx context.Context) (Session, bool)
}

// StaticSession is an Authenticator with a fixed token. An empty token
// means signed out.
type StaticSession struct {
	Token string
}

// Session implements Authenticator.
func (s StaticSession) Session(context.Context) (Session, bool) {
	sess := Session{Token: s.Token}
	return sess, sess.Valid(time.Now())
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context) (Session, bool)

// Session implements Authenticator.
func (f AuthenticatorFunc) Session(ctx context.Context) (Session, bool) {
	return f(ctx)
}

// Authenticated reports whether auth currently yields a valid session.
// A nil Authenticator is never authenticated.
func Authenticated(ctx context.Context, auth Authenticator) bool {
	if auth == nil {
		return false
	}
	_, ok := auth.Session(ctx)
	return ok
}
