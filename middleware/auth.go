package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/adforge/adforge-api/errors"
	"github.com/golang-jwt/jwt/v4"
	"github.com/julienschmidt/httprouter"
)

type userIDContextKey struct{}

// IsAuthorized accepts either the static service API token or a user JWT
// signed with jwtSecret. JWT callers get their user_id claim attached to the
// request context so handlers can scope storage paths and job lookups.
func IsAuthorized(apiToken, jwtSecret string, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		authHeader := r.Header.Get("Authorization")

		if authHeader == "" {
			errors.WriteHTTPUnauthorized(w, "No authorization header", nil)
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")

		if token == apiToken {
			next(w, r, ps)
			return
		}

		userID, err := parseUserToken(token, jwtSecret)
		if err != nil {
			errors.WriteHTTPUnauthorized(w, "Invalid Token", err)
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), userIDContextKey{}, userID)), ps)
	}
}

// UserID returns the authenticated user from the request context, or "" for
// static-token callers.
func UserID(r *http.Request) string {
	userID, _ := r.Context().Value(userIDContextKey{}).(string)
	return userID
}

func parseUserToken(tokenString, jwtSecret string) (string, error) {
	if jwtSecret == "" {
		return "", fmt.Errorf("user tokens are not enabled")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(jwtSecret), nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token claims")
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("token missing user_id claim")
	}
	return userID, nil
}
