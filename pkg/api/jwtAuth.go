package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"
)

const tokenIssuer = "ward-flux-engine"

// JwtAuth handles operator authentication and JWT operations.
type JwtAuth struct {
	jwtSecret     []byte
	adminUsername string
	adminPassHash []byte
	expiryHours   int
	now           func() time.Time
}

// NewJwtAuth creates a JwtAuth for the single configured operator account.
func NewJwtAuth(secret, adminUser, adminHash string, expiryHours int) *JwtAuth {
	if expiryHours < 1 {
		expiryHours = 24
	}
	return &JwtAuth{
		jwtSecret:     []byte(secret),
		adminUsername: adminUser,
		adminPassHash: []byte(adminHash),
		expiryHours:   expiryHours,
		now:           time.Now,
	}
}

// LoginRequest represents the login payload
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginHandler checks the operator credentials and issues a JWT.
func (jwtAuth *JwtAuth) LoginHandler(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	if req.Username != jwtAuth.adminUsername ||
		bcrypt.CompareHashAndPassword(jwtAuth.adminPassHash, []byte(req.Password)) != nil {
		respondError(c, http.StatusUnauthorized, "invalid credentials")
		return
	}

	now := jwtAuth.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": req.Username,
		"iss":      tokenIssuer,
		"exp":      now.Add(time.Duration(jwtAuth.expiryHours) * time.Hour).Unix(),
		"iat":      now.Unix(),
	})

	tokenString, err := token.SignedString(jwtAuth.jwtSecret)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to sign token")
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": tokenString, "expires_in": jwtAuth.expiryHours * 3600})
}

// JWTMiddleware validates the Authorization header.
func (jwtAuth *JwtAuth) JWTMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			respondError(c, http.StatusUnauthorized, "authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			respondError(c, http.StatusUnauthorized, "invalid authorization header format")
			return
		}

		token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return jwtAuth.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			respondError(c, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || !claims.VerifyIssuer(tokenIssuer, true) {
			respondError(c, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		c.Set("username", claims["username"])
		c.Next()
	}
}

// SecurityHeaders returns a middleware that sets security headers
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Next()
	}
}
