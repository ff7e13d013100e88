package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wingsfly/academy-sync/internal/models"
	"github.com/wingsfly/academy-sync/internal/service"
	appErrors "github.com/wingsfly/academy-sync/pkg/errors"
	"github.com/wingsfly/academy-sync/pkg/response"
)

// AuthHandler exposes the admin token endpoint.
type AuthHandler struct {
	auth *service.AuthService
}

// NewAuthHandler constructs AuthHandler.
func NewAuthHandler(auth *service.AuthService) *AuthHandler {
	return &AuthHandler{auth: auth}
}

// Login issues an access token for valid admin credentials.
func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid request body"))
		return
	}

	resp, err := h.auth.Login(req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, resp)
}
