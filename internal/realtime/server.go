package realtime

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"shellmux/internal/events"
	"shellmux/internal/logstream"
	"shellmux/internal/protocol"
	"shellmux/internal/session"

	"github.com/gorilla/websocket"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Server manages WebSocket connections and routes messages between
// clients, the session, and the log stream manager. Every client gets
// one bus subscription; all events fan out to all clients.
type Server struct {
	sess      *session.Session
	streams   *logstream.Manager
	bus       *events.Bus
	clients   map[*client]bool
	clientsMu sync.RWMutex
	staticDir string
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
	subID  string
}

// New creates a new realtime server.
func New(sess *session.Session, streams *logstream.Manager, bus *events.Bus, staticDir string) *Server {
	return &Server{
		sess:      sess,
		streams:   streams,
		bus:       bus,
		clients:   make(map[*client]bool),
		staticDir: staticDir,
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("POST /connect", s.handleConnect)
	mux.HandleFunc("POST /disconnect", s.handleDisconnect)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /commands", s.handleSubmitCommand)
	mux.HandleFunc("POST /streams", s.handleStartStream)
	mux.HandleFunc("GET /streams", s.handleListStreams)
	mux.HandleFunc("DELETE /streams/{id}", s.handleStopStream)

	// Static file serving.
	if s.staticDir != "" {
		fileServer := http.FileServer(http.Dir(s.staticDir))
		mux.Handle("/", fileServer)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	subID, ch, history := s.bus.Subscribe()
	c.subID = subID

	// Current state first, then the recorded history, then live events.
	s.enqueueEvent(c, events.Status{State: string(s.sess.State())})
	for _, ev := range history {
		s.enqueueEvent(c, ev)
	}
	go func() {
		for ev := range ch {
			s.enqueueEvent(c, ev)
		}
	}()

	go c.writePump()
	go c.readPump()
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket read error: %v", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	s.bus.Unsubscribe(c.subID)
	close(c.send)
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeSessionConnect:
		// Connect blocks on the handshake; the outcome reaches clients
		// as a status event.
		go func() {
			if err := s.sess.Connect(); err != nil {
				s.sendError(c, errorCode(err), err.Error())
			}
		}()

	case protocol.TypeSessionDisconnect:
		go s.sess.Disconnect()

	case protocol.TypeCommandSubmit:
		var payload protocol.CommandSubmitPayload
		json.Unmarshal(msg.Payload, &payload)
		// The result is broadcast as a command.result event; the id
		// lets the submitter pick its own out of the stream.
		if _, _, err := s.sess.Submit(payload.Text, payload.ID); err != nil {
			s.sendError(c, errorCode(err), err.Error())
		}

	case protocol.TypeStreamStart:
		var payload protocol.StreamStartPayload
		json.Unmarshal(msg.Payload, &payload)
		if _, err := s.streams.Start(payload.Files, logstream.Mode(payload.Mode), payload.Lines); err != nil {
			s.sendError(c, errorCode(err), err.Error())
		}

	case protocol.TypeStreamStop:
		var payload protocol.StreamStopPayload
		json.Unmarshal(msg.Payload, &payload)
		if err := s.streams.Stop(payload.StreamID); err != nil {
			s.sendError(c, errorCode(err), err.Error())
		}
	}
}

// errorCode maps core errors to protocol error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, logstream.ErrNotConnected):
		return protocol.ErrNotConnected
	case errors.Is(err, session.ErrHandshakeTimeout):
		return protocol.ErrHandshakeTimeout
	case errors.Is(err, session.ErrSessionClosed):
		return protocol.ErrSessionClosed
	case errors.Is(err, session.ErrSpawnFailed):
		return protocol.ErrSpawnFailed
	case errors.Is(err, logstream.ErrStreamNotFound):
		return protocol.ErrStreamNotFound
	default:
		return protocol.ErrInvalidMessage
	}
}

// enqueueEvent converts a bus event to its wire message and queues it
// on the client, dropping when the client buffer is full.
func (s *Server) enqueueEvent(c *client, ev events.Event) {
	msg, err := eventMessage(ev)
	if err != nil {
		return
	}
	data, _ := json.Marshal(msg)
	select {
	case c.send <- data:
	default:
		// Client buffer full, skip.
	}
}

// eventMessage translates one bus event to a protocol message.
func eventMessage(ev events.Event) (*protocol.Message, error) {
	switch e := ev.(type) {
	case events.Status:
		return protocol.NewMessage(protocol.TypeStatus, protocol.StatusPayload{
			State:   e.State,
			Message: e.Message,
		})
	case events.CommandOutput:
		return protocol.NewMessage(protocol.TypeCommandOutput, protocol.CommandOutputPayload{
			ID:     e.ID,
			Source: e.Source,
			Text:   e.Text,
		})
	case events.CommandResult:
		return protocol.NewMessage(protocol.TypeCommandResult, protocol.CommandResultPayload{
			ID:       e.ID,
			ExitCode: e.ExitCode,
			Output:   e.Output,
			Trigger:  e.Trigger,
			Error:    e.Error,
		})
	case events.StreamLine:
		return protocol.NewMessage(protocol.TypeStreamLine, protocol.StreamLinePayload{
			StreamID: e.StreamID,
			File:     e.File,
			Line:     e.Line,
		})
	case events.StreamStarted:
		return protocol.NewMessage(protocol.TypeStreamStarted, protocol.StreamStartedPayload{
			StreamID: e.StreamID,
			Files:    e.Files,
			Mode:     e.Mode,
			Lines:    e.Lines,
		})
	case events.StreamStopped:
		return protocol.NewMessage(protocol.TypeStreamStopped, protocol.StreamStoppedPayload{
			StreamID: e.StreamID,
			Reason:   e.Reason,
			Message:  e.Message,
		})
	default:
		return nil, errors.New("unknown event")
	}
}

func (s *Server) sendError(c *client, code, message string) {
	msg, _ := protocol.NewErrorMessage(code, message)
	data, _ := json.Marshal(msg)
	select {
	case c.send <- data:
	default:
	}
}
