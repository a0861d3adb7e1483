package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"auth-api/internal/service"
)

// AccountHandler mantiene dependencias para endpoints de cuentas.
type AccountHandler struct {
	logger      *zap.Logger
	accountServ *service.AccountService
	jwtServ     *service.JWTService
}

// NewAccountHandler crea una instancia de AccountHandler con dependencias necesarias.
func NewAccountHandler(logger *zap.Logger, accountServ *service.AccountService, jwtServ *service.JWTService) *AccountHandler {
	return &AccountHandler{
		logger:      logger,
		accountServ: accountServ,
		jwtServ:     jwtServ,
	}
}

// Register maneja POST /api/auth/register.
func (h *AccountHandler) Register(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Email    string `json:"email" binding:"required,email"`
		Password string `json:"password" binding:"required,min=6"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid register request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	_, err := h.accountServ.Register(c.Request.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrDuplicateAccount) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "account already exists"})
			return
		}
		h.logger.Error("register failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not register"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"msg": "Account registered. Please check your email for verification."})
}

// VerifyEmail maneja GET /api/auth/verify/:token.
func (h *AccountHandler) VerifyEmail(c *gin.Context) {
	token := c.Param("token")

	_, err := h.accountServ.VerifyEmail(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, service.ErrInvalidOrExpiredToken) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid or expired verification token"})
			return
		}
		h.logger.Error("verify email failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not verify email"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"msg": "Email verified successfully! You can now log in."})
}

// Login maneja POST /api/auth/login.
func (h *AccountHandler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required,email"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid login request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	account, err := h.accountServ.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCredentials):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid credentials"})
			return
		case errors.Is(err, service.ErrNotVerified):
			c.JSON(http.StatusBadRequest, gin.H{"error": "please verify your email first"})
			return
		default:
			h.logger.Error("login failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not login"})
			return
		}
	}

	token, err := h.jwtServ.Issue(account)
	if err != nil {
		h.logger.Error("jwt issue failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// ForgotPassword maneja POST /api/auth/forgot-password.
func (h *AccountHandler) ForgotPassword(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required,email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid forgot password request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	_, err := h.accountServ.RequestPasswordReset(c.Request.Context(), req.Email)
	if err != nil {
		if errors.Is(err, service.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		h.logger.Error("request password reset failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not request password reset"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"msg": "Password reset link sent to your email."})
}

// ResetPassword maneja PUT /api/auth/reset-password/:token.
func (h *AccountHandler) ResetPassword(c *gin.Context) {
	var req struct {
		Password string `json:"password" binding:"required,min=6"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid reset password request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	_, err := h.accountServ.ResetPassword(c.Request.Context(), c.Param("token"), req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidOrExpiredToken) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid or expired reset token"})
			return
		}
		h.logger.Error("reset password failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not reset password"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"msg": "Password reset successfully!"})
}

// Dashboard maneja GET /api/auth/dashboard.
func (h *AccountHandler) Dashboard(c *gin.Context) {
	claims, ok := GetAuthClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	account, err := h.accountServ.GetAccount(c.Request.Context(), claims.AccountID)
	if err != nil {
		if errors.Is(err, service.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		h.logger.Error("get account failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load account"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"account": account})
}
