package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/p-n-ai/pai-quota/internal/quota"
	"github.com/p-n-ai/pai-quota/internal/report"
)

const (
	maxBodyBytes     = 64 << 10
	defaultPageLimit = 50
	maxPageLimit     = 200
	maxExportRows    = 10000
)

type chatRequest struct {
	Question string `json:"question"`
}

type chatResponse struct {
	ID         string    `json:"id"`
	Question   string    `json:"question"`
	Answer     string    `json:"answer"`
	TokensUsed int       `json:"tokensUsed"`
	CreatedAt  time.Time `json:"createdAt"`
}

func newChatResponse(ex quota.Exchange) chatResponse {
	return chatResponse{
		ID:         ex.ID,
		Question:   ex.Question,
		Answer:     ex.Answer,
		TokensUsed: ex.TokensUsed,
		CreatedAt:  ex.CreatedAt,
	}
}

// decodeChatRequest validates raw against the chat schema and decodes it.
func decodeChatRequest(raw []byte) (chatRequest, *errorBody) {
	if msg, ok := validateBody(chatRequestSchema, raw); !ok {
		body := validationError(msg)
		return chatRequest{}, &body
	}
	var req chatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		body := validationError("request body must be valid JSON")
		return chatRequest{}, &body
	}
	return req, nil
}

func readBody(c *gin.Context) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
}

func (s *server) postChat(c *gin.Context) {
	raw, err := readBody(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, validationError("request body too large"))
		return
	}
	req, bad := decodeChatRequest(raw)
	if bad != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, bad)
		return
	}

	ex, err := s.alloc.Ask(c.Request.Context(), c.Param("userId"), req.Question)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newChatResponse(ex))
}

type chatPage struct {
	Items  []chatResponse `json:"items"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// pageParams parses limit and offset. limit is clamped to [1, maxPageLimit].
func pageParams(c *gin.Context) (limit, offset int, err error) {
	limit = defaultPageLimit
	if v := c.Query("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			return 0, 0, fmt.Errorf("limit must be an integer")
		}
	}
	limit = min(max(limit, 1), maxPageLimit)

	if v := c.Query("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil {
			return 0, 0, fmt.Errorf("offset must be an integer")
		}
	}
	return limit, max(offset, 0), nil
}

func (s *server) requireUser(c *gin.Context) bool {
	ok, err := s.store.UserExists(c.Request.Context(), c.Param("userId"))
	if err != nil {
		s.fail(c, fmt.Errorf("check user: %w", err))
		return false
	}
	if !ok {
		s.fail(c, quota.ErrUserNotFound)
		return false
	}
	return true
}

func (s *server) listChats(c *gin.Context) {
	limit, offset, err := pageParams(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, validationError(err.Error()))
		return
	}
	if !s.requireUser(c) {
		return
	}

	exchanges, err := s.store.ListExchanges(c.Request.Context(), c.Param("userId"), limit, offset)
	if err != nil {
		s.fail(c, fmt.Errorf("list exchanges: %w", err))
		return
	}
	page := chatPage{Items: make([]chatResponse, 0, len(exchanges)), Limit: limit, Offset: offset}
	for _, ex := range exchanges {
		page.Items = append(page.Items, newChatResponse(ex))
	}
	c.JSON(http.StatusOK, page)
}

func (s *server) quotaStatus(c *gin.Context) {
	st, err := s.alloc.Status(c.Request.Context(), c.Param("userId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *server) exportChats(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("userId")

	user, err := s.store.FindUser(ctx, userID)
	if err != nil {
		s.fail(c, err)
		return
	}
	st, err := s.alloc.Status(ctx, userID)
	if err != nil {
		s.fail(c, err)
		return
	}
	now := s.now()
	bundles, err := s.store.ListActiveBundles(ctx, userID, now)
	if err != nil {
		s.fail(c, fmt.Errorf("list active bundles: %w", err))
		return
	}

	var exchanges []quota.Exchange
	for len(exchanges) < maxExportRows {
		page, err := s.store.ListExchanges(ctx, userID, maxPageLimit, len(exchanges))
		if err != nil {
			s.fail(c, fmt.Errorf("list exchanges: %w", err))
			return
		}
		exchanges = append(exchanges, page...)
		if len(page) < maxPageLimit {
			break
		}
	}

	var buf bytes.Buffer
	err = report.Write(&buf, report.Data{
		UserID:      user.ID,
		Email:       user.Email,
		GeneratedAt: now,
		Status:      st,
		Bundles:     bundles,
		Exchanges:   exchanges,
	})
	if err != nil {
		s.fail(c, fmt.Errorf("render export: %w", err))
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="chats-%s-%s.xlsx"`, userID, now.Format("20060102")))
	c.Data(http.StatusOK, report.ContentType, buf.Bytes())
}
