package httpapi

import (
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// handleStream upgrades the request to a websocket and pushes workspace
// events as they commit. A sync token replays the missed backlog before
// live events start; the watcher is registered first so nothing falls in
// the gap between replay and live delivery.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	if err := s.store.EnsureWorkspace(claims.WorkspaceGID); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	syncToken := strings.TrimSpace(r.URL.Query().Get("sync"))
	if syncToken != "" {
		// Validate the token before the upgrade so an expired cursor
		// surfaces as a plain 412 instead of a websocket close code.
		if _, err := s.store.Poll(claims.WorkspaceGID, syncToken, 1); err != nil {
			s.writeStoreError(w, err, correlationID)
			return
		}
	}

	watcher := s.store.WatchWorkspace(claims.WorkspaceGID)
	defer watcher.Close()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := conn.CloseRead(r.Context())

	var lastSeq uint64
	if syncToken != "" {
		token := syncToken
		for {
			feed, err := s.store.Poll(claims.WorkspaceGID, token, 100)
			if err != nil {
				_ = conn.Close(websocket.StatusInternalError, "replay failed")
				return
			}
			for _, ev := range feed.Events {
				if writeErr := wsjson.Write(ctx, conn, ev); writeErr != nil {
					return
				}
				lastSeq = ev.Sequence
			}
			if !feed.HasMore {
				break
			}
			token = feed.Sync
		}
	}

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		case ev, ok := <-watcher.C:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if ev.Sequence <= lastSeq {
				continue
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
			lastSeq = ev.Sequence
		}
	}
}
