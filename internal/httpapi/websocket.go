package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/faults"
)

const (
	wsReadDeadline  = 60 * time.Second
	wsPingInterval  = 20 * time.Second
	wsWriteDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin enforcement belongs to the fronting proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents streams workflow lifecycle events over a WebSocket. Query
// parameters: last_event_id replays the buffered backlog after that sequence
// number; types is a comma-separated event type filter.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, faults.New(faults.NotFound, "event streaming is not enabled"))
		return
	}
	wf := r.PathValue("id")

	filter := map[string]struct{}{}
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter[t] = struct{}{}
			}
		}
	}
	var lastID uint64
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		n, err := strconv.ParseUint(q, 10, 64)
		if err != nil {
			writeError(w, faults.Wrap(faults.InvalidInput, "parsing last_event_id", err))
			return
		}
		lastID = n
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	wants := func(eventType string) bool {
		if len(filter) == 0 {
			return true
		}
		_, ok := filter[eventType]
		return ok
	}

	// Subscribe before replay so no event falls between the two.
	ch := s.events.Subscribe(wf, 256)
	defer s.events.Unsubscribe(wf, ch)

	replayed := lastID
	for _, evt := range s.events.ReplaySince(wf, lastID) {
		replayed = evt.Seq
		if !wants(evt.Type) {
			continue
		}
		if err := conn.WriteJSON(evt); err != nil {
			return
		}
	}

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	})

	// Reader pump: client frames are discarded, but reading keeps pong
	// handling and close detection alive.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			// Skip events the replay already delivered.
			if evt.Seq <= replayed || !wants(evt.Type) {
				continue
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteDeadline)); err != nil {
				return
			}
		}
	}
}
