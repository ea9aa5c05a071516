package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xtrntr/fairlaunch/internal/audit"
)

const (
	feedBuffer   = 256
	writeTimeout = 10 * time.Second
)

// AuditFeed streams audit events over a websocket. With ?from=N the events
// from seq N onwards are replayed before live events follow.
func (h *Handler) AuditFeed(w http.ResponseWriter, r *http.Request) {
	var from uint64
	if s := r.URL.Query().Get("from"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "Invalid from sequence")
			return
		}
		from = n
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Subscribe before the replay so nothing appended in between is lost.
	events, cancel := h.Service.Trail.Subscribe(feedBuffer)
	defer cancel()

	// The reader only notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var sent uint64
	if from > 0 {
		for ev, err := range h.Service.Trail.Query(audit.Filter{FromSeq: from}) {
			if err != nil {
				h.log.Error("audit replay failed", zap.Error(err))
				return
			}
			if !h.send(conn, ev) {
				return
			}
			sent = ev.Seq
		}
	}

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Seq <= sent {
				continue
			}
			if !h.send(conn, ev) {
				return
			}
			sent = ev.Seq
		}
	}
}

func (h *Handler) send(conn *websocket.Conn, v any) bool {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(v); err != nil {
		h.log.Debug("audit feed closed", zap.Error(err))
		return false
	}
	return true
}
