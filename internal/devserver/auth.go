package devserver

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/zulandar/datamind/internal/transport"
)

// Cookie names and the path the refresh cookie is scoped to.
const (
	accessCookie  = "access_token"
	refreshCookie = "refresh_token"
	refreshPath   = "/api/v1/auth/refresh"
	demoUserID    = "u-demo"
	demoOrgID     = "org-demo"
)

var errInvalidToken = errors.New("devserver: invalid token")

// sessionClaims are carried by both cookies. Subject tells them apart;
// Epoch lets the server invalidate everything issued before a cut-off.
type sessionClaims struct {
	Email string `json:"email"`
	Epoch int    `json:"epoch"`
	jwt.RegisteredClaims
}

type tokens struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration

	mu           sync.Mutex
	accessEpoch  int
	refreshEpoch int
	revoked      map[string]bool // refresh token ids
}

func newTokens(secret string, accessTTL, refreshTTL time.Duration) *tokens {
	return &tokens{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		revoked:    make(map[string]bool),
	}
}

func (t *tokens) sign(subject, userID, email string, ttl time.Duration, epoch int) (string, string, error) {
	now := time.Now()
	id := uuid.NewString()
	claims := sessionClaims{
		Email: email,
		Epoch: epoch,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{userID},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "datamind-dev",
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	return signed, id, err
}

// issue mints a fresh access/refresh pair.
func (t *tokens) issue(userID, email string) (access, refresh string, err error) {
	t.mu.Lock()
	ae, re := t.accessEpoch, t.refreshEpoch
	t.mu.Unlock()
	if access, _, err = t.sign("access", userID, email, t.accessTTL, ae); err != nil {
		return "", "", err
	}
	if refresh, _, err = t.sign("refresh", userID, email, t.refreshTTL, re); err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func (t *tokens) parse(raw, subject string) (*sessionClaims, error) {
	tok, err := jwt.ParseWithClaims(raw, &sessionClaims{}, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errInvalidToken
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, errInvalidToken
	}
	claims, ok := tok.Claims.(*sessionClaims)
	if !ok || !tok.Valid || claims.Subject != subject {
		return nil, errInvalidToken
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch subject {
	case "access":
		if claims.Epoch < t.accessEpoch {
			return nil, errInvalidToken
		}
	case "refresh":
		if claims.Epoch < t.refreshEpoch || t.revoked[claims.ID] {
			return nil, errInvalidToken
		}
	}
	return claims, nil
}

func (t *tokens) revoke(id string) {
	t.mu.Lock()
	t.revoked[id] = true
	t.mu.Unlock()
}

func (t *tokens) expireAccess() {
	t.mu.Lock()
	t.accessEpoch++
	t.mu.Unlock()
}

func (t *tokens) revokeAll() {
	t.mu.Lock()
	t.accessEpoch++
	t.refreshEpoch++
	t.mu.Unlock()
}

func (s *Server) user(email string) transport.User {
	return transport.User{
		ID:       demoUserID,
		Email:    email,
		FullName: "Demo Analyst",
		Role:     "analyst",
		OrgID:    demoOrgID,
		IsActive: true,
	}
}

func (s *Server) setSessionCookies(c *gin.Context, access, refresh string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(accessCookie, access, int(s.opts.AccessTTL/time.Second), "/", "", false, true)
	c.SetCookie(refreshCookie, refresh, int(s.opts.RefreshTTL/time.Second), refreshPath, "", false, true)
}

func (s *Server) clearSessionCookies(c *gin.Context) {
	c.SetCookie(accessCookie, "", -1, "/", "", false, true)
	c.SetCookie(refreshCookie, "", -1, refreshPath, "", false, true)
}

func unauthorized(c *gin.Context, detail string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": detail})
}

// requireAuth accepts a request carrying a valid access cookie.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := c.Cookie(accessCookie)
		if err != nil || raw == "" {
			unauthorized(c, "Not authenticated")
			return
		}
		claims, err := s.tokens.parse(raw, "access")
		if err != nil {
			unauthorized(c, "Token expired or invalid")
			return
		}
		c.Set("email", claims.Email)
		c.Next()
	}
}

func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "email and password are required"})
		return
	}
	if req.Email != s.opts.Email || req.Password != s.opts.Password {
		unauthorized(c, "Incorrect email or password")
		return
	}
	access, refresh, err := s.tokens.issue(demoUserID, req.Email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	s.inc("login")
	s.setSessionCookies(c, access, refresh)
	c.JSON(http.StatusOK, gin.H{"user": s.user(req.Email)})
}

// handleRefresh rotates the pair. It reads only the refresh cookie; the
// request has no body.
func (s *Server) handleRefresh(c *gin.Context) {
	s.inc("refresh")
	raw, err := c.Cookie(refreshCookie)
	if err != nil || raw == "" {
		unauthorized(c, "Refresh token missing")
		return
	}
	claims, err := s.tokens.parse(raw, "refresh")
	if err != nil {
		unauthorized(c, "Refresh token expired or invalid")
		return
	}
	s.tokens.revoke(claims.ID)
	access, refresh, err := s.tokens.issue(demoUserID, claims.Email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	s.setSessionCookies(c, access, refresh)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleLogout(c *gin.Context) {
	s.inc("logout")
	if raw, err := c.Cookie(refreshCookie); err == nil {
		if claims, err := s.tokens.parse(raw, "refresh"); err == nil {
			s.tokens.revoke(claims.ID)
		}
	}
	s.clearSessionCookies(c)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleMe(c *gin.Context) {
	c.JSON(http.StatusOK, s.user(c.GetString("email")))
}
