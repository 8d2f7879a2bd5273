// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	sessionKey contextKey = "session_id"
	claimsKey  contextKey = "claims"
)

// Claims are the bearer token claims. SessionID falls back to the subject
// when absent.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"session_id,omitempty"`
}

// JWTConfig holds the bearer token configuration.
type JWTConfig struct {
	Secret string
	Issuer string
}

// NewAuthMiddleware requires an HS256 bearer token signed with secret. An empty
// issuer accepts any issuer.
func NewAuthMiddleware(secret, issuer string) func(http.Handler) http.Handler {
	config := &JWTConfig{Secret: secret, Issuer: issuer}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized: No authorization header", http.StatusUnauthorized)
				return
			}
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
				return
			}

			claims, err := verifyJWT(strings.TrimSpace(token), config)
			if err != nil {
				http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), sessionKey, claims.SessionID)
			ctx = context.WithValue(ctx, claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func verifyJWT(token string, config *JWTConfig) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(config.Secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if claims.SessionID == "" {
		claims.SessionID = claims.Subject
	}
	if claims.SessionID == "" {
		return nil, fmt.Errorf("token has no session")
	}
	return &claims, nil
}

// GetSessionID extracts the session id placed by NewAuthMiddleware.
func GetSessionID(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(sessionKey).(string)
	return id, ok && id != ""
}

// GetClaims extracts the full claims from the request context.
func GetClaims(r *http.Request) (*Claims, bool) {
	claims, ok := r.Context().Value(claimsKey).(*Claims)
	return claims, ok
}
