package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"time"

	"golang.org/x/net/websocket"

	"bookshare/internal/util"
	"bookshare/pkg/domain"
)

const (
	frameJoin    = "join_room"
	frameJoined  = "room_joined"
	frameSend    = "send_message"
	frameReceive = "receive_message"
	frameError   = "error"

	maxFrameBytes = 64 << 10
)

// incoming is a client frame. Data carries app-defined extras such as the
// related book; it is relayed unchanged.
type incoming struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"roomId"`
	Content string          `json:"content,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type outgoing struct {
	Type    string `json:"type"`
	RoomID  string `json:"roomId,omitempty"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// relayed is the receive_message payload for socket-originated messages.
// Sender comes from the authenticated connection, never from the frame.
type relayed struct {
	RoomID  string          `json:"roomId"`
	Sender  string          `json:"sender"`
	Content string          `json:"content,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	SentAt  time.Time       `json:"sentAt"`
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request, user domain.User) {
	ws := websocket.Server{
		Handshake: s.checkOrigin,
		Handler: func(conn *websocket.Conn) {
			s.serveClient(r.Context(), conn, user)
		},
	}
	ws.ServeHTTP(w, r)
}

// checkOrigin accepts any origin when no CORS origins are configured.
func (s *Server) checkOrigin(cfg *websocket.Config, r *http.Request) error {
	origin, err := websocket.Origin(cfg, r)
	if err != nil {
		return err
	}
	cfg.Origin = origin
	if len(s.corsOrigins) == 0 || slices.Contains(s.corsOrigins, "*") {
		return nil
	}
	if origin == nil || !slices.Contains(s.corsOrigins, origin.Scheme+"://"+origin.Host) {
		return fmt.Errorf("origin %v not allowed", origin)
	}
	return nil
}

func (s *Server) serveClient(ctx context.Context, conn *websocket.Conn, user domain.User) {
	conn.MaxPayloadBytes = maxFrameBytes
	client := s.hub.Register(user.ID)
	logger := util.LoggerFromContext(ctx).With("client_id", client.ID, "user_id", user.ID)
	logger.Info("chat client connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for frame := range client.Frames() {
			if err := websocket.Message.Send(conn, string(frame)); err != nil {
				logger.Debug("chat write failed", "err", err)
				return
			}
		}
	}()
	defer func() {
		s.hub.Leave(client)
		_ = conn.Close()
		<-done
		logger.Info("chat client disconnected")
	}()

	for {
		var in incoming
		if err := websocket.JSON.Receive(conn, &in); err != nil {
			return
		}
		switch in.Type {
		case frameJoin:
			if in.RoomID == "" || !s.app.CanJoin(user, in.RoomID) {
				s.reply(conn, outgoing{Type: frameError, RoomID: in.RoomID, Message: "You are not a participant of this room"})
				continue
			}
			s.hub.Join(client, in.RoomID)
			s.reply(conn, outgoing{Type: frameJoined, RoomID: in.RoomID})
		case frameSend:
			if !s.hub.Joined(client, in.RoomID) {
				s.reply(conn, outgoing{Type: frameError, RoomID: in.RoomID, Message: "Join the room before sending"})
				continue
			}
			d, err := s.messageLimiter.Allow(ctx, "user:"+user.ID)
			if err != nil {
				logger.Warn("rate limiter unavailable", "err", err, "allowed", d.Allowed)
			}
			if !d.Allowed {
				s.reply(conn, outgoing{Type: frameError, RoomID: in.RoomID, Message: "Too many messages, slow down"})
				continue
			}
			frame, err := json.Marshal(outgoing{Type: frameReceive, Data: relayed{
				RoomID:  in.RoomID,
				Sender:  user.ID,
				Content: in.Content,
				Data:    in.Data,
				SentAt:  time.Now().UTC(),
			}})
			if err != nil {
				continue
			}
			if _, dropped := s.hub.Broadcast(client, in.RoomID, frame); dropped > 0 {
				logger.Warn("chat frames dropped for slow clients", "room_id", in.RoomID, "dropped", dropped)
			}
		default:
			s.reply(conn, outgoing{Type: frameError, Message: "unknown frame type"})
		}
	}
}

// reply writes directly to conn; websocket.Conn serializes writers.
func (s *Server) reply(conn *websocket.Conn, out outgoing) {
	_ = websocket.JSON.Send(conn, out)
}
