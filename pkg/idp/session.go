// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package idp

import (
	"time"

	"github.com/ory/fosite/handler/openid"
	"github.com/ory/fosite/token/jwt"
)

// newSession returns an empty fosite session, the prototype every stored
// request is decoded into.
func newSession() *openid.DefaultSession {
	return &openid.DefaultSession{
		Claims:  &jwt.IDTokenClaims{},
		Headers: &jwt.Headers{},
	}
}

// newAccountSession returns the fosite session of an authorization issued to
// accountID. requestedAt is when the client sent the authorization request
// and authTime when the user last signed in.
func newAccountSession(accountID string, requestedAt, authTime time.Time) *openid.DefaultSession {
	return &openid.DefaultSession{
		Claims: &jwt.IDTokenClaims{
			Subject:     accountID,
			RequestedAt: requestedAt.UTC(),
			AuthTime:    authTime.UTC(),
		},
		Headers: &jwt.Headers{},
		Subject: accountID,
	}
}

// interaction is a pending authorization request waiting for the user to
// sign in. It is stored under its uid.
type interaction struct {
	UID       string    `json:"uid"`
	ClientID  string    `json:"clientId"`
	Params    string    `json:"params"`
	CreatedAt time.Time `json:"createdAt"`
}

// accountSession is a signed-in user. Its id is the value of the session
// cookie; Grants maps client ids to the grant recorded for that client.
type accountSession struct {
	UID       string            `json:"uid"`
	AccountID string            `json:"accountId"`
	LoginTS   int64             `json:"loginTs"`
	Grants    map[string]string `json:"grants"`
}

// grant records the scopes an account granted a client.
type grant struct {
	AccountID string   `json:"accountId"`
	ClientID  string   `json:"clientId"`
	Scopes    []string `json:"scopes"`
}

func (g *grant) covers(scopes []string) bool {
	granted := make(map[string]bool, len(g.Scopes))
	for _, s := range g.Scopes {
		granted[s] = true
	}
	for _, s := range scopes {
		if !granted[s] {
			return false
		}
	}
	return true
}
