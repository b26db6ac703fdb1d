// Copyright 2025 IGN France
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	guichetIDKey contextKey = "guichet_id"
	userIDKey    contextKey = "user_id"
)

// SetGuichetID sets the active guichet ID in the context
func SetGuichetID(ctx context.Context, guichetID string) context.Context {
	return context.WithValue(ctx, guichetIDKey, guichetID)
}

// GetGuichetID retrieves the active guichet ID from the context
func GetGuichetID(ctx context.Context) (string, bool) {
	guichetID, ok := ctx.Value(guichetIDKey).(string)
	return guichetID, ok
}

// SetUserID sets the user ID in the context
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID retrieves the user ID from the context
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok
}

// SetSessionContext sets both user and guichet ID in context
func SetSessionContext(ctx context.Context, userID, guichetID string) context.Context {
	ctx = SetUserID(ctx, userID)
	ctx = SetGuichetID(ctx, guichetID)
	return ctx
}
