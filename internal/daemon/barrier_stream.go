package daemon

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/testbed/testbed/internal/models"
	"github.com/testbed/testbed/internal/service"
)

const (
	streamPingInterval = 30 * time.Second
	streamReadTimeout  = 60 * time.Second
	streamWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Access is enforced by TrustedAccess, not by origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleBarrierStatus streams the terminal status of a barrier to a controller.
func (api *ControlAPI) handleBarrierStatus(w http.ResponseWriter, r *http.Request, name string) {
	api.serveBarrierStream(w, r, func(ctx context.Context) (models.BarrierUpdate, error) {
		return api.svc.AwaitBarrier(ctx, name)
	})
}

// handleBarrierWait records a peer reaching a barrier and streams the outcome.
func (api *ControlAPI) handleBarrierWait(w http.ResponseWriter, r *http.Request, name string, peerID uint32) {
	api.serveBarrierStream(w, r, func(ctx context.Context) (models.BarrierUpdate, error) {
		return api.svc.BarrierWait(ctx, name, peerID)
	})
}

// serveBarrierStream upgrades the request and sends one BarrierMessage with
// the result of wait. The client closing the socket cancels wait.
func (api *ControlAPI) serveBarrierStream(w http.ResponseWriter, r *http.Request, wait func(ctx context.Context) (models.BarrierUpdate, error)) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		api.logger.Printf("testbedd: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	api.metrics.streamOpened()
	defer api.metrics.streamClosed()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	})
	// Read pump: any read error means the client went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	type result struct {
		update models.BarrierUpdate
		err    error
	}
	resCh := make(chan result, 1)
	go func() {
		update, err := wait(ctx)
		resCh <- result{update: update, err: err}
	}()

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	for {
		select {
		case res := <-resCh:
			if ctx.Err() != nil && res.err != nil {
				return
			}
			msg := models.BarrierMessage{}
			if res.err != nil {
				msg.Error = &models.APIError{Error: res.err.Error(), Code: service.ErrorCode(res.err)}
			} else {
				update := res.update
				msg.Update = &update
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				api.logger.Printf("testbedd: barrier stream write: %v", err)
				return
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(streamWriteTimeout))
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				cancel()
			}
		}
	}
}
