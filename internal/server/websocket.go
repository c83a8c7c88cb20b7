package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"xobattle/internal/arena"
	"xobattle/internal/matchmaking"
)

// WSMessage is the JSON envelope for WebSocket messages.
type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

const (
	msgJoin      = "join"
	msgQueue     = "queue"
	msgLeave     = "leave"
	msgChallenge = "challenge"
	msgMove      = "move"
	msgConcede   = "concede"
	msgStatus    = "status"
	msgError     = "error"
)

type joinPayload struct {
	ParticipantID string `json:"participantId"`
}

type queuePayload struct {
	Staked bool `json:"staked"`
}

type challengePayload struct {
	Opponent string `json:"opponent"`
	Staked   bool   `json:"staked"`
}

type movePayload struct {
	Cell *int `json:"cell"`
}

type errorPayload struct {
	Message string     `json:"message"`
	Code    arena.Code `json:"code"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // allow any origin for dev
	})
	if err != nil {
		s.logger.Warn("websocket accept", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()

	// First message must be a join
	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != msgJoin {
		sendWSError(ctx, conn, "first message must be a join", arena.CodeValidation)
		return
	}
	var join joinPayload
	if err := json.Unmarshal(msg.Payload, &join); err != nil || strings.TrimSpace(join.ParticipantID) == "" {
		sendWSError(ctx, conn, "invalid join payload", arena.CodeValidation)
		return
	}

	participantID := strings.TrimSpace(join.ParticipantID)
	c := s.hub.connect(participantID)
	defer s.hub.disconnect(participantID, c)
	s.logger.Debug("participant connected", zap.String("participant", participantID))

	// Writer goroutine: send queued messages until the socket is replaced or closed.
	go func() {
		for {
			select {
			case msg := <-c.send:
				if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
					return
				}
			case <-c.done:
				conn.Close(websocket.StatusPolicyViolation, "replaced by a newer connection")
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	// A reconnecting participant learns where it stands straight away.
	s.hub.push(c, msgStatus, s.arena.Status(participantID))

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.replyError(c, "invalid message", arena.CodeValidation)
			continue
		}
		s.handleMessage(ctx, participantID, c, msg)
	}

	// Queue entries and matches survive a disconnect; expiry and turn timers
	// take care of participants that do not come back.
	s.logger.Debug("participant disconnected", zap.String("participant", participantID))
}

func (s *Server) handleMessage(ctx context.Context, participantID string, c *client, msg WSMessage) {
	var err error
	switch msg.Type {
	case msgQueue:
		var p queuePayload
		if !s.decode(c, msg, &p) {
			return
		}
		pool := matchmaking.PoolStandard
		if p.Staked {
			pool = matchmaking.PoolStaked
		}
		_, err = s.arena.Queue(ctx, participantID, pool)

	case msgLeave:
		err = s.arena.Leave(ctx, participantID)

	case msgChallenge:
		var p challengePayload
		if !s.decode(c, msg, &p) {
			return
		}
		_, err = s.arena.Challenge(ctx, participantID, p.Opponent, p.Staked)

	case msgMove:
		var p movePayload
		if !s.decode(c, msg, &p) {
			return
		}
		if p.Cell == nil {
			s.replyError(c, "cell required", arena.CodeValidation)
			return
		}
		_, err = s.arena.Move(ctx, participantID, *p.Cell)

	case msgConcede:
		_, err = s.arena.Concede(ctx, participantID)

	case msgStatus:
		s.hub.push(c, msgStatus, s.arena.Status(participantID))

	default:
		s.replyError(c, "unknown message type: "+msg.Type, arena.CodeValidation)
		return
	}

	if err != nil {
		code := arena.Classify(err)
		if code == arena.CodeInternal {
			s.logger.Error("request failed",
				zap.String("participant", participantID),
				zap.String("type", msg.Type),
				zap.Error(err))
			s.replyError(c, "internal error", code)
			return
		}
		s.replyError(c, err.Error(), code)
	}
}

func (s *Server) decode(c *client, msg WSMessage, v any) bool {
	if len(msg.Payload) == 0 {
		return true
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		s.replyError(c, "invalid "+msg.Type+" payload", arena.CodeValidation)
		return false
	}
	return true
}

func (s *Server) replyError(c *client, message string, code arena.Code) {
	s.hub.push(c, msgError, errorPayload{Message: message, Code: code})
}

func sendWSError(ctx context.Context, conn *websocket.Conn, message string, code arena.Code) {
	msg, _ := encode(msgError, errorPayload{Message: message, Code: code})
	conn.Write(ctx, websocket.MessageText, msg)
}
