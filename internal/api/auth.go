package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

type loginRequest struct {
	Password string `json:"password" binding:"required"`
}

// handleLogin verifies the admin password and issues a bearer token.
func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password is required"})
		return
	}
	if s.cfg.Admin.PasswordHash == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin login is not configured"})
		return
	}
	if errCompare := bcrypt.CompareHashAndPassword([]byte(s.cfg.Admin.PasswordHash), []byte(req.Password)); errCompare != nil {
		log.WithField("ip", c.ClientIP()).Warn("api: failed admin login")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid password"})
		return
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.JWT.Expiry)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, errSign := token.SignedString([]byte(s.cfg.JWT.Secret))
	if errSign != nil {
		log.WithError(errSign).Error("api: token signing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token signing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      signed,
		"expires_at": claims.ExpiresAt.Time.UTC().Format(time.RFC3339),
	})
}

// authMiddleware requires a valid bearer token on every admin route.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, found := strings.CutPrefix(header, "Bearer ")
		if !found || strings.TrimSpace(raw) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token, errParse := jwt.ParseWithClaims(strings.TrimSpace(raw), &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(s.cfg.JWT.Secret), nil
		})
		if errParse != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}
