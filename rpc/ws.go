package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"verto/core"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsBuffer       = 256
)

// handleEventsWS streams committed events. A "cursor" query parameter
// replays events after that sequence before switching to live delivery.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.node == nil {
		http.Error(w, "node unavailable", http.StatusServiceUnavailable)
		return
	}
	var cursor uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = parsed
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor uint64) error {
	// Subscribe before reading the backlog so nothing committed in between is
	// lost; duplicates are filtered by sequence.
	updates, cancel := s.node.SubscribeEvents(wsBuffer)
	defer cancel()

	var err error
	if cursor, err = s.replayEvents(ctx, conn, cursor, 0); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case record, ok := <-updates:
			if !ok {
				return nil
			}
			if record.Sequence <= cursor {
				continue
			}
			// A full subscriber buffer drops events; fill the gap from the log.
			if record.Sequence > cursor+1 {
				if cursor, err = s.replayEvents(ctx, conn, cursor, record.Sequence-1); err != nil {
					return err
				}
			}
			if err := writeEvent(ctx, conn, record); err != nil {
				return err
			}
			cursor = record.Sequence
		}
	}
}

// replayEvents writes logged events after cursor up to and including until;
// zero means up to the end of the log. It returns the new cursor.
func (s *Server) replayEvents(ctx context.Context, conn *websocket.Conn, cursor, until uint64) (uint64, error) {
	for until == 0 || cursor < until {
		page, err := s.node.EventsSince(cursor, core.MaxEventPage)
		if err != nil {
			return cursor, err
		}
		for _, record := range page {
			if until != 0 && record.Sequence > until {
				return cursor, nil
			}
			if err := writeEvent(ctx, conn, record); err != nil {
				return cursor, err
			}
			cursor = record.Sequence
		}
		if len(page) < core.MaxEventPage {
			break
		}
	}
	return cursor, nil
}

func writeEvent(ctx context.Context, conn *websocket.Conn, record core.EventRecord) error {
	data, err := json.Marshal(eventJSON(record))
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
