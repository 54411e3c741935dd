// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package accounts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stack-auth/stack-sub005/pkg/authserver/upstream"
	apierrors "github.com/stack-auth/stack-sub005/pkg/errors"
)

func info(accountID string) *upstream.UserInfo {
	return &upstream.UserInfo{
		AccountID:     accountID,
		DisplayName:   "Ada",
		Email:         "ada@example.com",
		EmailVerified: true,
	}
}

func TestSignIn(t *testing.T) {
	t.Parallel()
	r := NewMemoryResolver()
	ctx := context.Background()

	first, err := r.SignIn(ctx, "p", "google", info("acct-1"))
	require.NoError(t, err)
	assert.True(t, first.IsNewUser)
	require.NotEmpty(t, first.UserID)

	u, ok := r.GetUser(first.UserID)
	require.True(t, ok)
	assert.Equal(t, "ada@example.com", u.PrimaryEmail)
	assert.True(t, u.EmailVerified)

	again, err := r.SignIn(ctx, "p", "google", info("acct-1"))
	require.NoError(t, err)
	assert.False(t, again.IsNewUser)
	assert.Equal(t, first.UserID, again.UserID)

	// Same account id in another project is another user.
	other, err := r.SignIn(ctx, "q", "google", info("acct-1"))
	require.NoError(t, err)
	assert.True(t, other.IsNewUser)
	assert.NotEqual(t, first.UserID, other.UserID)
}

func TestLink(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name     string
		setup    func(r *MemoryResolver) (userID string)
		account  string
		wantType string
	}{
		{
			name: "links new account",
			setup: func(r *MemoryResolver) string {
				return r.CreateUser("p", "Ada", "ada@example.com").ID
			},
			account: "acct-1",
		},
		{
			name: "relinking same account is fine",
			setup: func(r *MemoryResolver) string {
				u := r.CreateUser("p", "Ada", "ada@example.com")
				_, _ = r.Link(ctx, "p", "github", u.ID, info("acct-1"))
				return u.ID
			},
			account: "acct-1",
		},
		{
			name: "account owned by another user",
			setup: func(r *MemoryResolver) string {
				_, _ = r.SignIn(ctx, "p", "github", info("acct-1"))
				return r.CreateUser("p", "Bob", "bob@example.com").ID
			},
			account:  "acct-1",
			wantType: apierrors.ErrOAuthConnectionAlreadyConnectedToAnotherUser,
		},
		{
			name: "user already has another account of the provider",
			setup: func(r *MemoryResolver) string {
				u := r.CreateUser("p", "Ada", "ada@example.com")
				_, _ = r.Link(ctx, "p", "github", u.ID, info("acct-1"))
				return u.ID
			},
			account:  "acct-2",
			wantType: apierrors.ErrUserAlreadyConnectedToAnotherOAuthConnection,
		},
		{
			name:     "unknown user",
			setup:    func(*MemoryResolver) string { return "nobody" },
			account:  "acct-1",
			wantType: apierrors.ErrInvalidArgument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := NewMemoryResolver()
			userID := tt.setup(r)

			res, err := r.Link(ctx, "p", "github", userID, info(tt.account))
			if tt.wantType != "" {
				require.Error(t, err)
				assert.True(t, apierrors.IsType(err, tt.wantType), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, userID, res.UserID)
			assert.False(t, res.IsNewUser)

			owner, ok := r.ConnectedUser("p", "github", tt.account)
			require.True(t, ok)
			assert.Equal(t, userID, owner)
		})
	}
}
