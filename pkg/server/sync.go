package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/threadkit/threadkit/pkg/thread"
	"github.com/threadkit/threadkit/pkg/wire"
)

// ThreadBackend is the slice of the store the sync endpoint needs.
type ThreadBackend interface {
	Load(ctx context.Context, threadID string) (data []byte, found bool, err error)
	Save(ctx context.Context, threadID string, data []byte) error
	Delete(ctx context.Context, threadID string) error
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type syncHandler struct {
	threads ThreadBackend
	cfg     Config
	log     *slog.Logger
}

func (h *syncHandler) serveSync(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	if !h.authenticate(ws) {
		return
	}

	// Request loop: one correlated request at a time per connection.
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("sync connection closed", "error", err)
			}
			return
		}
		var req wire.Request
		if err := json.Unmarshal(msg, &req); err != nil || req.ID == "" {
			h.log.Debug("dropping malformed request frame", "error", err)
			continue
		}

		resp := h.dispatch(r.Context(), req)
		if err := ws.WriteJSON(resp); err != nil {
			h.log.Debug("failed to write response", "error", err)
			return
		}
	}
}

// authenticate reads the first frame as an auth request and checks the
// token. The connection closes on failure.
func (h *syncHandler) authenticate(ws *websocket.Conn) bool {
	ws.SetReadDeadline(time.Now().Add(h.cfg.AuthTimeout))
	var auth wire.AuthRequest
	if err := ws.ReadJSON(&auth); err != nil {
		h.log.Debug("connection closed before auth", "error", err)
		return false
	}
	ws.SetReadDeadline(time.Time{})

	if h.cfg.AuthToken != "" && auth.Authorization != h.cfg.AuthToken {
		h.log.Warn("rejecting connection with bad token")
		ws.WriteJSON(wire.AuthResponse{Success: false, Error: "invalid authorization token"})
		return false
	}
	if err := ws.WriteJSON(wire.AuthResponse{Success: true}); err != nil {
		return false
	}
	return true
}

func (h *syncHandler) dispatch(ctx context.Context, req wire.Request) wire.Response {
	var (
		data string
		err  error
	)
	switch req.Action {
	case wire.ActionRestore:
		data, err = h.restore(ctx, req.Data)
	case wire.ActionSave:
		err = h.save(ctx, req.Data)
	case wire.ActionDelete:
		err = h.delete(ctx, req.Data)
	default:
		err = fmt.Errorf("unknown action %q", req.Action)
	}
	if err != nil {
		h.log.Error("request failed", "action", req.Action, "error", err)
		return wire.Response{ID: req.ID, Success: false, Error: err.Error()}
	}
	return wire.Response{ID: req.ID, Success: true, Data: data}
}

// restore loads a thread's envelope. A missing thread yields an empty
// data string, not an error.
func (h *syncHandler) restore(ctx context.Context, raw json.RawMessage) (string, error) {
	var ref wire.ThreadRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("parse restore request: %w", err)
	}
	if ref.ID == "" {
		return "", fmt.Errorf("missing thread id")
	}
	data, found, err := h.threads.Load(ctx, ref.ID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", nil
	}
	return string(data), nil
}

func (h *syncHandler) save(ctx context.Context, raw json.RawMessage) error {
	var sd wire.SaveData
	if err := json.Unmarshal(raw, &sd); err != nil {
		return fmt.Errorf("parse save request: %w", err)
	}
	if sd.ID == "" {
		return fmt.Errorf("missing thread id")
	}
	switch sd.Mode {
	case wire.SaveModeFull:
		return h.saveFull(ctx, sd)
	case wire.SaveModeMerge:
		return h.saveMerge(ctx, sd)
	default:
		return fmt.Errorf("unknown save mode %q", sd.Mode)
	}
}

// saveFull replaces the stored envelope wholesale after validating it
// parses.
func (h *syncHandler) saveFull(ctx context.Context, sd wire.SaveData) error {
	if _, err := thread.ParseEnvelope(sd.Payload); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	return h.threads.Save(ctx, sd.ID, sd.Payload)
}

// saveMerge replays queued operations on top of whatever is stored and
// overlays metadata changes key by key.
func (h *syncHandler) saveMerge(ctx context.Context, sd wire.SaveData) error {
	var mp thread.MergePayload
	if err := json.Unmarshal(sd.Payload, &mp); err != nil {
		return fmt.Errorf("invalid merge payload: %w", err)
	}

	existing, _, err := h.threads.Load(ctx, sd.ID)
	if err != nil {
		return err
	}
	env, err := thread.ParseEnvelope(existing)
	if err != nil {
		return fmt.Errorf("parse stored envelope: %w", err)
	}

	if env.State == nil {
		env.State = make(map[string]any)
	}
	thread.ReplayOperations(env.State, mp.Operations, h.log)
	if len(mp.Metadata) > 0 {
		if env.Metadata == nil {
			env.Metadata = make(map[string]any)
		}
		for k, v := range mp.Metadata {
			env.Metadata[k] = v
		}
	}

	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return h.threads.Save(ctx, sd.ID, data)
}

func (h *syncHandler) delete(ctx context.Context, raw json.RawMessage) error {
	var ref wire.ThreadRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return fmt.Errorf("parse delete request: %w", err)
	}
	if ref.ID == "" {
		return fmt.Errorf("missing thread id")
	}
	return h.threads.Delete(ctx, ref.ID)
}
