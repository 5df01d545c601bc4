package serve

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"camfeed/receiver"
)

const (
	// Time allowed to write message to the client
	writeWait  = 10 * time.Second
	pingPeriod = 10 * time.Second

	keepSessions = 50
)

// SessionEntry is the JSON form of a producer connection.
type SessionEntry struct {
	ID         string
	RemoteAddr string
	SourceID   string
	Started    int64
	Ended      int64 `json:",omitempty"`
	Frames     uint64
	Bytes      uint64
	Reason     string `json:",omitempty"`
	Error      string `json:",omitempty"`
}

func toSessionEntry(s receiver.Session) SessionEntry {
	e := SessionEntry{
		ID:         s.ID.String(),
		RemoteAddr: s.RemoteAddr,
		SourceID:   s.SourceID,
		Started:    s.StartedAt.Unix(),
		Frames:     s.Frames,
		Bytes:      s.Bytes,
		Reason:     string(s.Reason),
	}
	if !s.EndedAt.IsZero() {
		e.Ended = s.EndedAt.Unix()
	}
	if s.Err != nil {
		e.Error = s.Err.Error()
	}
	return e
}

// StatusEvent is pushed to websocket clients when a session starts or ends.
type StatusEvent struct {
	Event   string
	Session SessionEntry
}

// StatusUpdater pushes session events to connected browsers and remembers
// the most recent sessions.
type StatusUpdater struct {
	upgrader websocket.Upgrader
	cs       map[chan []byte]bool
	addc     chan chan []byte
	delc     chan chan []byte
	notify   chan []byte

	mu     sync.Mutex
	recent []SessionEntry
}

func NewStatusUpdater() *StatusUpdater {
	m := &StatusUpdater{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		cs:     make(map[chan []byte]bool),
		addc:   make(chan chan []byte),
		delc:   make(chan chan []byte),
		notify: make(chan []byte, 16),
	}
	go func() {
		for {
			select {
			case c := <-m.addc:
				m.cs[c] = true
			case c := <-m.delc:
				delete(m.cs, c)
			case msg := <-m.notify:
				for k := range m.cs {
					select {
					case k <- msg:
					default:
						// Slow client; it will catch up on the next event.
					}
				}
			}
		}
	}()
	return m
}

func (m *StatusUpdater) publish(event string, s receiver.Session) {
	entry := toSessionEntry(s)
	m.mu.Lock()
	if event == "ended" {
		m.recent = append([]SessionEntry{entry}, m.recent...)
		if len(m.recent) > keepSessions {
			m.recent = m.recent[:keepSessions]
		}
	}
	m.mu.Unlock()

	b, err := json.Marshal(&StatusEvent{Event: event, Session: entry})
	if err != nil {
		log.Errorf("Failed to encode status event: %v", err)
		return
	}
	select {
	case m.notify <- b:
	default:
		log.Warn("Status update dropped due to backlog")
	}
}

// SessionStarted implements receiver.SessionListener.
func (m *StatusUpdater) SessionStarted(s receiver.Session) {
	m.publish("started", s)
}

// SessionEnded implements receiver.SessionListener.
func (m *StatusUpdater) SessionEnded(s receiver.Session) {
	m.publish("ended", s)
}

// RecentSessions implements SessionLister from memory.
func (m *StatusUpdater) RecentSessions(limit int) ([]SessionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > len(m.recent) {
		limit = len(m.recent)
	}
	return append([]SessionEntry{}, m.recent[:limit]...), nil
}

func (m *StatusUpdater) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if _, ok := err.(websocket.HandshakeError); !ok {
			log.WithField("addr", r.RemoteAddr).Errorf("Websocket handshake failed for status stream: %v", err)
		}
		return
	}
	go m.serve(ws)
}

func (m *StatusUpdater) serve(ws *websocket.Conn) {
	clog := log.WithField("addr", ws.RemoteAddr())
	clog.Info("connected to status socket")
	defer func() {
		ws.Close()
		clog.Info("disconnected from status socket")
	}()
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	notifyc := make(chan []byte, 4)
	m.addc <- notifyc
	defer func() { m.delc <- notifyc }()

	// Even though we don't care about incoming messages, we need to read from
	// the socket in order to process control messages.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg := <-notifyc:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-pingTicker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
