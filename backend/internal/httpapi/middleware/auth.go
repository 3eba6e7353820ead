package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// context keys set for downstream handlers
	KeyUserID   = "userId"
	KeyUsername = "username"

	tokenAccess = "access"
)

type AuthConfig struct {
	// JWTSecret enables local HS256 verification. When empty every token is
	// checked by the auth service at VerifyBaseURL + "/v1/auth/verify".
	JWTSecret     string
	VerifyBaseURL string
	Timeout       time.Duration
	Log           *slog.Logger
}

// Claims are the access token claims issued by the auth service.
type Claims struct {
	Username string `json:"username"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

type verifyErrResp struct {
	Error string `json:"error"`
}

// VerifyClaims is the body returned by the auth service's verify endpoint.
type VerifyClaims struct {
	UserID   flexibleID `json:"userId"`
	Username string     `json:"username"`
	Type     string     `json:"type"`
}

// flexibleID accepts both numeric and string user ids.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexibleID(s)
		return nil
	}
	var n uint64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("user id: %w", err)
	}
	*f = flexibleID(strconv.FormatUint(n, 10))
	return nil
}

var errAccessRequired = errors.New("access token required")

// Auth extracts a bearer token (or ?token= for websocket upgrades, where
// browsers cannot set headers), verifies it and stores userId and username
// on the gin context.
func Auth(cfg AuthConfig) gin.HandlerFunc {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 1200 * time.Millisecond
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	client := &http.Client{}
	verifyURL := strings.TrimRight(cfg.VerifyBaseURL, "/") + "/v1/auth/verify"
	secret := []byte(cfg.JWTSecret)

	return func(c *gin.Context) {
		token := extractBearer(c.Request.Header.Get("Authorization"))
		if token == "" {
			token = strings.TrimSpace(c.Query("token"))
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		if len(secret) > 0 {
			claims, err := parseLocal(token, secret)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": err.Error()})
				return
			}
			c.Set(KeyUserID, claims.Subject)
			c.Set(KeyUsername, claims.Username)
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.Timeout)
		defer cancel()
		claims, status, err := verifyRemote(ctx, client, verifyURL, token)
		if err != nil {
			code := "AUTH_UPSTREAM_ERROR"
			if status == http.StatusUnauthorized {
				code = "UNAUTHENTICATED"
			} else {
				log.Warn("auth verify failed", "err", err)
			}
			c.AbortWithStatusJSON(status, gin.H{"code": code, "message": err.Error()})
			return
		}
		c.Set(KeyUserID, string(claims.UserID))
		c.Set(KeyUsername, claims.Username)
		c.Next()
	}
}

func parseLocal(token string, secret []byte) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Type != "" && claims.Type != tokenAccess {
		return nil, errAccessRequired
	}
	if claims.Subject == "" {
		return nil, jwt.ErrTokenRequiredClaimMissing
	}
	return claims, nil
}

func verifyRemote(ctx context.Context, client *http.Client, url, token string) (*VerifyClaims, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, http.StatusBadGateway, fmt.Errorf("auth-service verify: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		var e verifyErrResp
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = "invalid token"
		}
		return nil, http.StatusUnauthorized, errors.New(e.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, http.StatusBadGateway, fmt.Errorf("auth-service verify: status %d", resp.StatusCode)
	}

	var claims VerifyClaims
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, http.StatusBadGateway, fmt.Errorf("invalid verify response: %w", err)
	}
	if claims.Type != "" && claims.Type != tokenAccess {
		return nil, http.StatusUnauthorized, errAccessRequired
	}
	if claims.UserID == "" {
		return nil, http.StatusBadGateway, errors.New("invalid verify response: no user id")
	}
	return &claims, http.StatusOK, nil
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
