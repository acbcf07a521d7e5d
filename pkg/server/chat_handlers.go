package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/viaiv/jarvis/pkg/auth"
	"github.com/viaiv/jarvis/pkg/engine"
	"github.com/viaiv/jarvis/pkg/protocol"
	"github.com/viaiv/jarvis/pkg/store"
)

// CloseCodeAuthFailed is the websocket close code for rejected credentials.
const CloseCodeAuthFailed = 4001

type chatRequest struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id"`
}

type chatResponse struct {
	Response string `json:"response"`
	ThreadID string `json:"thread_id"`
}

// handleChat answers a single message synchronously, without streaming.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil || req.Message == "" {
		httpError(w, http.StatusBadRequest, "Campo 'message' e obrigatorio.")
		return
	}

	provided := req.ThreadID
	if provided == "" {
		provided = s.settings.SessionID
	}
	threadID := scopeThread(user.ID, provided)

	uid := user.ID
	if err := s.store.AppendMessage(r.Context(), threadID, &uid, "user", req.Message); err != nil {
		log.Warn().Err(err).Str("component", "server").Str("thread_id", threadID).Msg("chat log append failed")
	}

	sink := &engine.CollectingSink{}
	err := s.convs.engine.Run(r.Context(), engine.Request{
		ThreadID:     threadID,
		Message:      req.Message,
		MaxToolSteps: s.settings.MaxToolSteps,
	}, sink)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.store.AppendMessage(r.Context(), threadID, &uid, "assistant", sink.Answer()); err != nil {
		log.Warn().Err(err).Str("component", "server").Str("thread_id", threadID).Msg("chat log append failed")
	}

	writeJSON(w, http.StatusOK, chatResponse{Response: sink.Answer(), ThreadID: provided})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebSocket authenticates via the token query parameter and then
// relays submit frames to the engine and event frames back to the socket.
// Auth failures close the socket with code 4001 and a reason.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "server").Msg("ws upgrade failed")
		return
	}

	user, reason := s.wsAuthenticate(r, token)
	if reason != "" {
		closeWithReason(raw, reason)
		return
	}

	conn := newWSConn(raw)
	attached := map[string]struct{}{}
	defer func() {
		for threadID := range attached {
			s.convs.Detach(threadID, conn)
		}
		_ = conn.Close()
	}()

	for {
		_, payload, err := raw.ReadMessage()
		if err != nil {
			return
		}

		submit, err := protocol.DecodeSubmit(payload)
		if err != nil {
			s.sendError(conn, "Mensagem invalida.")
			continue
		}
		if submit.Message == "" {
			s.sendError(conn, "Campo 'message' e obrigatorio.")
			continue
		}

		provided := submit.ThreadID
		if provided == "" {
			provided = s.settings.SessionID
		}
		threadID := scopeThread(user.ID, provided)

		if _, ok := attached[threadID]; !ok {
			if err := s.convs.Attach(threadID, conn); err != nil {
				log.Error().Err(err).Str("thread_id", threadID).Msg("thread attach failed")
				s.sendError(conn, "Falha ao iniciar o thread.")
				continue
			}
			attached[threadID] = struct{}{}
		}

		if err := s.convs.Submit(threadID, user.ID, submit.Message); err != nil {
			if errors.Is(err, ErrThreadBusy) {
				s.sendError(conn, "Ja existe uma resposta em andamento para este thread.")
				continue
			}
			s.sendError(conn, err.Error())
		}
	}
}

// wsAuthenticate validates the query token. An empty reason means success.
func (s *Server) wsAuthenticate(r *http.Request, token string) (store.User, string) {
	if token == "" {
		return store.User{}, "Token ausente."
	}
	claims, err := s.signer.Parse(token)
	if err != nil {
		return store.User{}, "Token invalido."
	}
	if claims.Kind != auth.TokenAccess {
		return store.User{}, "Token invalido (tipo incorreto)."
	}
	user, err := s.store.GetUserByID(r.Context(), claims.UserID)
	if err != nil || !user.IsActive {
		return store.User{}, "Usuario invalido."
	}
	return user, ""
}

func (s *Server) sendError(conn *wsConn, content string) {
	payload, err := protocol.EncodeEvent(protocol.Error{Content: content})
	if err != nil {
		log.Warn().Err(err).Str("component", "server").Msg("error frame encode failed")
		return
	}
	if err := conn.WriteText(payload); err != nil {
		log.Warn().Err(err).Str("component", "server").Msg("error frame send failed")
	}
}

func closeWithReason(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(CloseCodeAuthFailed, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		log.Warn().Err(err).Str("component", "server").Msg("ws close frame failed")
	}
	_ = conn.Close()
}
