package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bryanchriswhite/PipeScope/internal/logger"
	"github.com/bryanchriswhite/PipeScope/internal/player"
)

// Event is one message on a player's event stream
type Event struct {
	Type    string                `json:"type"`
	Status  player.MediaStatus    `json:"status,omitempty"`
	State   *player.PlaybackState `json:"state,omitempty"`
	Code    *player.ErrorCode     `json:"code,omitempty"`
	Message string                `json:"message,omitempty"`
}

// Event types
const (
	EventSnapshot = "snapshot"
	EventStatus   = "status"
	EventState    = "state"
	EventError    = "error"
)

const (
	eventBuffer = 64
	writeWait   = 5 * time.Second
)

// eventForwarder turns listener callbacks into Events. It never blocks the player: when
// the client falls behind, events are dropped.
type eventForwarder struct {
	ch chan Event
}

func (f *eventForwarder) send(ev Event) {
	select {
	case f.ch <- ev:
	default:
		logger.WithComponent("api").Warn().Str("type", ev.Type).Msg("Dropping player event for slow client")
	}
}

func (f *eventForwarder) OnMediaStatusChanged(s player.MediaStatus) {
	f.send(Event{Type: EventStatus, Status: s})
}

func (f *eventForwarder) OnPlaybackStateChanged(s player.PlaybackState) {
	f.send(Event{Type: EventState, State: &s})
}

func (f *eventForwarder) OnError(code player.ErrorCode, message string) {
	f.send(Event{Type: EventError, Code: &code, Message: message})
}

func (s *Server) handlePlayerEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, ok := s.player(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no player %s", id))
		return
	}

	log := logger.WithComponent("api")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}
	defer conn.Close()

	fwd := &eventForwarder{ch: make(chan Event, eventBuffer)}
	lid := p.AddListener(fwd)
	defer p.RemoveListener(lid)

	// Send initial state
	state := p.PlaybackState()
	code, msg := p.Error()
	initial := Event{Type: EventSnapshot, Status: p.MediaStatus(), State: &state, Message: msg}
	if code != player.NoError {
		initial.Code = &code
	}
	if err := s.writeEvent(conn, initial); err != nil {
		return
	}

	// The reader only notices the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev := <-fwd.ch:
			if err := s.writeEvent(conn, ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, ev Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(ev); err != nil {
		logger.WithComponent("api").Debug().Err(err).Msg("WebSocket write error")
		return err
	}
	return nil
}
