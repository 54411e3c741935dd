// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"maps"
	"time"

	"github.com/ory/fosite"
)

// Session is the fosite session of the authorization server. It carries the
// resolved platform identity from the authorization step through code
// redemption into the minted tokens.
type Session struct {
	// ProjectID is the project the tokens are minted for. It equals the client id.
	ProjectID string `json:"project_id"`

	// UserID is the platform user id, the subject of every token.
	UserID string `json:"user_id"`

	// IsNewUser is true when the user was created by this authorization.
	IsNewUser bool `json:"is_new_user"`

	// AfterCallbackRedirectURL is echoed in the token response.
	AfterCallbackRedirectURL string `json:"after_callback_redirect_url,omitempty"`

	ExpiresAt map[fosite.TokenType]time.Time `json:"expires_at"`
}

// NewSession creates a session for a user of a project.
func NewSession(projectID, userID string) *Session {
	return &Session{
		ProjectID: projectID,
		UserID:    userID,
		ExpiresAt: make(map[fosite.TokenType]time.Time),
	}
}

// SetExpiresAt implements fosite.Session.
func (s *Session) SetExpiresAt(key fosite.TokenType, exp time.Time) {
	if s.ExpiresAt == nil {
		s.ExpiresAt = make(map[fosite.TokenType]time.Time)
	}
	s.ExpiresAt[key] = exp
}

// GetExpiresAt implements fosite.Session.
func (s *Session) GetExpiresAt(key fosite.TokenType) time.Time {
	if s.ExpiresAt == nil {
		return time.Time{}
	}
	return s.ExpiresAt[key]
}

// GetUsername implements fosite.Session.
func (*Session) GetUsername() string { return "" }

// GetSubject implements fosite.Session.
func (s *Session) GetSubject() string { return s.UserID }

// Clone implements fosite.Session.
func (s *Session) Clone() fosite.Session {
	if s == nil {
		return nil
	}
	c := *s
	c.ExpiresAt = maps.Clone(s.ExpiresAt)
	return &c
}

var _ fosite.Session = (*Session)(nil)
