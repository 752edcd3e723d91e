package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/matheus3301/wpp-relay/internal/store"
	"github.com/matheus3301/wpp-relay/internal/webhook"
)

// webhook handles POST /webhook/{instance}[/{event}].
func (s *server) webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	env, err := webhook.DecodeEnvelope(body, chi.URLParam(r, "instance"), chi.URLParam(r, "event"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.pipeline.Handle(r.Context(), env); err != nil {
		s.logger.Warn("webhook rejected",
			zap.String("instance", env.Instance),
			zap.String("event", env.Event),
			zap.Error(err))
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// listConversations handles GET /api/accounts/{account}/conversations.
func (s *server) listConversations(w http.ResponseWriter, r *http.Request) {
	archived := r.URL.Query().Get("archived") == "true"
	convs, err := s.inbox.List(r.Context(), chi.URLParam(r, "account"), archived)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

// search handles GET /api/accounts/{account}/search?q=.
func (s *server) search(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	results, err := s.inbox.Search(r.Context(), chi.URLParam(r, "account"), r.URL.Query().Get("q"), int(limit))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

type sendRequest struct {
	To   string `json:"to" validate:"required,max=128"`
	Text string `json:"text" validate:"required,max=65536"`
}

// sendMessage handles POST /api/accounts/{account}/messages.
func (s *server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	msg, err := s.sender.Send(r.Context(), chi.URLParam(r, "account"), req.To, req.Text)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

// reconcile handles POST /api/accounts/{account}/reconcile.
func (s *server) reconcile(w http.ResponseWriter, r *http.Request) {
	res, err := s.pipeline.Reconcile(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// getConversation handles GET /api/conversations/{id}.
func (s *server) getConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.inbox.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conv})
}

// listMessages handles GET /api/conversations/{id}/messages?before=&limit=.
func (s *server) listMessages(w http.ResponseWriter, r *http.Request) {
	before, err := intParam(r, "before")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	msgs, err := s.inbox.Messages(r.Context(), chi.URLParam(r, "id"), before, int(limit))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *server) markRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.inbox.MarkRead(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversationId": id, "unreadCount": 0})
}

func (s *server) markUnread(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.inbox.MarkUnread(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversationId": id})
}

// flag adapts a pin/archive operation to a handler.
func (s *server) flag(op func(context.Context, string) (*store.Conversation, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, err := op(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversation": conv})
	}
}

func (s *server) refresh(w http.ResponseWriter, r *http.Request) {
	conv, err := s.inbox.RefreshContact(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conv})
}

// decode reads a JSON body into v and validates it.
func (s *server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAPIBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("%w: field %s failed %s", errBadRequest, f.Field(), f.Tag())
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func intParam(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, name)
	}
	return n, nil
}
