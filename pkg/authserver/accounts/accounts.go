// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package accounts resolves federated identities to platform users. The
// platform's user directory is an external collaborator; MemoryResolver is the
// in-process implementation used by the standalone server and in tests.
package accounts

//go:generate mockgen -destination=mocks/mock_resolver.go -package=mocks -source=accounts.go Resolver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stack-auth/stack-sub005/pkg/authserver/upstream"
	apierrors "github.com/stack-auth/stack-sub005/pkg/errors"
	"github.com/stack-auth/stack-sub005/pkg/logger"
)

// Result is the platform user an upstream identity resolved to.
type Result struct {
	UserID string

	// IsNewUser is true when the user was created by this resolution.
	IsNewUser bool
}

// User is a platform user as seen by the authorization server.
type User struct {
	ID              string
	ProjectID       string
	DisplayName     string
	PrimaryEmail    string
	EmailVerified   bool
	ProfileImageURL string
	CreatedAt       time.Time
}

// Resolver maps upstream identities to platform users.
type Resolver interface {
	// SignIn returns the user connected to the upstream account, creating the
	// user and the connection when there is none.
	SignIn(ctx context.Context, projectID, providerID string, info *upstream.UserInfo) (*Result, error)

	// Link connects the upstream account to an existing user.
	Link(ctx context.Context, projectID, providerID, userID string, info *upstream.UserInfo) (*Result, error)
}

type connectionKey struct {
	projectID  string
	providerID string
	accountID  string
}

// MemoryResolver is an in-memory Resolver.
type MemoryResolver struct {
	mu          sync.Mutex
	users       map[string]*User
	connections map[connectionKey]string
}

// NewMemoryResolver creates an empty MemoryResolver.
func NewMemoryResolver() *MemoryResolver {
	return &MemoryResolver{
		users:       make(map[string]*User),
		connections: make(map[connectionKey]string),
	}
}

// SignIn implements Resolver.
func (r *MemoryResolver) SignIn(
	_ context.Context, projectID, providerID string, info *upstream.UserInfo,
) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := connectionKey{projectID, providerID, info.AccountID}
	if userID, ok := r.connections[key]; ok {
		logger.Debugw("signed in existing user", "project_id", projectID, "provider", providerID)
		return &Result{UserID: userID}, nil
	}

	user := &User{
		ID:              uuid.NewString(),
		ProjectID:       projectID,
		DisplayName:     info.DisplayName,
		PrimaryEmail:    info.Email,
		EmailVerified:   info.EmailVerified,
		ProfileImageURL: info.ProfileImageURL,
		CreatedAt:       time.Now(),
	}
	r.users[user.ID] = user
	r.connections[key] = user.ID

	logger.Infow("signed up new user", "project_id", projectID, "provider", providerID, "user_id", user.ID)
	return &Result{UserID: user.ID, IsNewUser: true}, nil
}

// Link implements Resolver.
func (r *MemoryResolver) Link(
	_ context.Context, projectID, providerID, userID string, info *upstream.UserInfo,
) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if u, ok := r.users[userID]; !ok || u.ProjectID != projectID {
		return nil, apierrors.NewInvalidArgumentError(fmt.Sprintf("user %s not found", userID), nil)
	}

	key := connectionKey{projectID, providerID, info.AccountID}
	if owner, ok := r.connections[key]; ok {
		if owner != userID {
			return nil, apierrors.NewError(apierrors.ErrOAuthConnectionAlreadyConnectedToAnotherUser,
				"this upstream account is already connected to another user", nil)
		}
		return &Result{UserID: userID}, nil
	}

	for k, owner := range r.connections {
		if owner == userID && k.projectID == projectID && k.providerID == providerID {
			return nil, apierrors.NewError(apierrors.ErrUserAlreadyConnectedToAnotherOAuthConnection,
				"the user is already connected to another account of this provider", nil)
		}
	}

	r.connections[key] = userID
	logger.Infow("linked upstream account", "project_id", projectID, "provider", providerID, "user_id", userID)
	return &Result{UserID: userID}, nil
}

// CreateUser adds a user directly, as the platform does for password sign-ups.
func (r *MemoryResolver) CreateUser(projectID, displayName, email string) *User {
	r.mu.Lock()
	defer r.mu.Unlock()

	u := &User{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		DisplayName:  displayName,
		PrimaryEmail: email,
		CreatedAt:    time.Now(),
	}
	r.users[u.ID] = u
	cp := *u
	return &cp
}

// GetUser returns a copy of a user.
func (r *MemoryResolver) GetUser(userID string) (*User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return nil, false
	}
	cp := *u
	return &cp, true
}

// ConnectedUser returns the user an upstream account is connected to.
func (r *MemoryResolver) ConnectedUser(projectID, providerID, accountID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.connections[connectionKey{projectID, providerID, accountID}]
	return id, ok
}

var _ Resolver = (*MemoryResolver)(nil)
