package rest

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/KevinKickass/OpenPNIO/internal/auth"
	"github.com/KevinKickass/OpenPNIO/internal/types"
)

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"` // seconds
}

// GET /api/v1/auth/me
func (s *Server) getCurrentPrincipal(c *gin.Context) {
	p := auth.PrincipalFrom(c)
	c.JSON(http.StatusOK, gin.H{
		"subject":     p.Subject,
		"role":        p.Role,
		"machine":     p.Machine,
		"permissions": p.Role.Permissions(),
	})
}

// POST /api/v1/auth/token
// Exchanges a machine token for a short-lived JWT, e.g. for the websocket
// auth message of a browser HMI. The JWT never carries more than the
// caller's own role.
func (s *Server) exchangeToken(c *gin.Context) {
	var req struct {
		Subject string `json:"subject"`
		Role    string `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("AUTH_400", "Invalid request body", err.Error()))
		return
	}

	caller := auth.PrincipalFrom(c)
	role := caller.Role
	if req.Role != "" {
		r, err := auth.ParseRole(req.Role)
		if err != nil {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("AUTH_400", "Invalid role", err.Error()))
			return
		}
		if !grants(caller.Role, r) {
			c.JSON(http.StatusForbidden, types.NewErrorResponse("AUTH_403", "Role exceeds caller permissions", nil))
			return
		}
		role = r
	}

	subject := req.Subject
	if subject == "" {
		subject = caller.Subject
	}

	token, err := s.authService.IssueToken(subject, role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("AUTH_500", "Failed to issue token", err.Error()))
		return
	}

	c.JSON(http.StatusOK, TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.lm.Config().Auth.AccessTokenTTL / time.Second),
	})
}

// grants reports whether holder has every permission of r.
func grants(holder, r auth.Role) bool {
	have := make(map[auth.Permission]bool)
	for _, p := range holder.Permissions() {
		have[p] = true
	}
	for _, p := range r.Permissions() {
		if !have[p] {
			return false
		}
	}
	return true
}
