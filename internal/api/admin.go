package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xeipuuv/gojsonschema"

	"github.com/p-n-ai/pai-quota/internal/quota"
)

// UserCreator is implemented by stores that can register users.
type UserCreator interface {
	CreateUser(ctx context.Context, email string) (quota.User, error)
}

type grantRequest struct {
	Tier      string     `json:"tier"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

type userRequest struct {
	Email string `json:"email"`
}

// readValidated reads the body, checks it against schema and decodes it
// into v. It writes the 400 response itself.
func (s *server) readValidated(c *gin.Context, schema *gojsonschema.Schema, v any) bool {
	raw, err := readBody(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, validationError("request body too large"))
		return false
	}
	if msg, ok := validateBody(schema, raw); !ok {
		c.AbortWithStatusJSON(http.StatusBadRequest, validationError(msg))
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, validationError("request body does not match the expected shape"))
		return false
	}
	return true
}

func (s *server) createUser(c *gin.Context) {
	creator, ok := s.store.(UserCreator)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotImplemented, errorBody{Error: codeInternal, Message: "User registration is not supported by this store"})
		return
	}
	var req userRequest
	if !s.readValidated(c, userRequestSchema, &req) {
		return
	}

	u, err := creator.CreateUser(c.Request.Context(), strings.TrimSpace(req.Email))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Info("user created", "user_id", u.ID)
	c.JSON(http.StatusCreated, u)
}

func (s *server) findUser(c *gin.Context) {
	u, err := s.store.FindUser(c.Request.Context(), c.Param("userId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (s *server) findUserByEmail(c *gin.Context) {
	email := strings.TrimSpace(c.Query("email"))
	if email == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, validationError("email query parameter is required"))
		return
	}
	u, err := s.store.FindUserByEmail(c.Request.Context(), email)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (s *server) grantBundle(c *gin.Context) {
	var req grantRequest
	if !s.readValidated(c, grantRequestSchema, &req) {
		return
	}
	tier, err := quota.ParseTier(req.Tier)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, validationError(err.Error()))
		return
	}
	if !s.requireUser(c) {
		return
	}

	userID := c.Param("userId")
	b, err := s.catalog.NewBundle(userID, tier, req.ExpiresAt, s.now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, validationError(err.Error()))
		return
	}
	b, err = s.store.CreateBundle(c.Request.Context(), b)
	if err != nil {
		s.fail(c, fmt.Errorf("create bundle: %w", err))
		return
	}

	s.logger.Info("bundle granted",
		"user_id", userID,
		"bundle_id", b.ID,
		"tier", b.Tier,
		"quota", b.TotalQuota,
	)
	c.JSON(http.StatusCreated, b)
}

type sweepResponse struct {
	Reset int `json:"reset"`
}

func (s *server) runSweep(c *gin.Context) {
	n, err := s.sweeper.RunMonthlyReset(c.Request.Context())
	if err != nil {
		if !errors.Is(err, quota.ErrSweepInProgress) {
			err = fmt.Errorf("run monthly reset: %w", err)
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sweepResponse{Reset: n})
}
