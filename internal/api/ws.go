package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
)

// chatSocket serves questions over a websocket. Each text frame carries a
// chat request; each reply is an exchange or an error body.
func (s *server) chatSocket(c *gin.Context) {
	if !s.requireUser(c) {
		return
	}
	userID := c.Param("userId")

	// Server deadlines stay on the connection after the hijack.
	rc := http.NewResponseController(c.Writer)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(newHijackWriter(c.Writer), c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "user_id", userID, "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(maxBodyBytes)

	ctx := c.Request.Context()
	s.logger.Debug("websocket connected", "user_id", userID)
	for {
		typ, raw, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if !errors.Is(err, context.Canceled) {
					s.logger.Debug("websocket read failed", "user_id", userID, "error", err)
				}
			}
			return
		}
		if typ != websocket.MessageText {
			_ = conn.Close(websocket.StatusUnsupportedData, "text frames only")
			return
		}
		if err := wsjson.Write(ctx, conn, s.answerFrame(ctx, userID, raw)); err != nil {
			s.logger.Debug("websocket write failed", "user_id", userID, "error", err)
			return
		}
	}
}

func (s *server) answerFrame(ctx context.Context, userID string, raw []byte) any {
	req, bad := decodeChatRequest(raw)
	if bad != nil {
		return bad
	}
	ex, err := s.alloc.Ask(ctx, userID, req.Question)
	if err != nil {
		status, body := classify(err)
		if status >= 500 {
			s.logger.Error("websocket question failed", "user_id", userID, "error", err)
		}
		return body
	}
	return newChatResponse(ex)
}

// hijackWriter sends the handshake through the underlying writer and
// hijacks through gin's, so gin marks the response as taken and writes
// nothing to the connection once the handler returns.
type hijackWriter struct {
	http.ResponseWriter
	gin gin.ResponseWriter
}

func newHijackWriter(w gin.ResponseWriter) http.ResponseWriter {
	u, ok := w.(interface{ Unwrap() http.ResponseWriter })
	if !ok {
		return w
	}
	return hijackWriter{ResponseWriter: u.Unwrap(), gin: w}
}

func (w hijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.gin.Hijack()
}
