package command

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
)

// Handler serves the command language over WebSocket: every text message is
// one command line and is answered with one text message. /quit closes only
// the calling session.
type Handler struct {
	interp *Interpreter
	accept *websocket.AcceptOptions
}

// NewHandler returns a WebSocket handler for interp. originPatterns lists
// extra hosts allowed to connect cross-origin (see
// [websocket.AcceptOptions.OriginPatterns]).
func NewHandler(interp *Interpreter, originPatterns ...string) *Handler {
	return &Handler{
		interp: interp,
		accept: &websocket.AcceptOptions{OriginPatterns: originPatterns},
	}
}

// ServeHTTP implements [http.Handler]. The session ends when the client
// closes, sends /quit, or the request context is cancelled.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, h.accept)
	if err != nil {
		slog.Warn("control websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	slog.Info("control session opened", "remote", r.RemoteAddr)
	defer slog.Info("control session closed", "remote", r.RemoteAddr)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			_ = conn.Close(websocket.StatusUnsupportedData, "commands must be text messages")
			return
		}

		resp, err := h.interp.Execute(ctx, string(data))
		reply := resp.Text
		if err != nil {
			reply = "Error: " + err.Error()
		}
		if err := conn.Write(ctx, websocket.MessageText, []byte(reply)); err != nil {
			return
		}
		if resp.Quit {
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return
		}
	}
}
