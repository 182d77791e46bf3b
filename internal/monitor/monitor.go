// Package monitor exposes a read-only HTTP+WebSocket diagnostic endpoint
// mirroring the same Values/Device/availability payloads the MQTT sink
// publishes, grounded on the interpreter API's broadcast-to-websocket-
// clients pattern.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/NotCoffee418/meterbridge/internal/shutdown"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Kind tags which of the three payload families a broadcast message
// carries, so WebSocket clients can multiplex on one connection.
type Kind string

const (
	KindValues       Kind = "values"
	KindDevice       Kind = "device"
	KindAvailability Kind = "availability"
)

type message struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Monitor is a purely observational tap on the meter pipeline's callback
// fan-out: it never drives reconnect or state-machine decisions, and a
// panic inside a handler never reaches the pipeline.
type Monitor struct {
	log *zap.Logger

	mu               sync.RWMutex
	lastValues       []byte
	lastDevice       []byte
	lastAvailability string
	clients          map[*websocket.Conn]bool

	upgrader websocket.Upgrader
}

// New builds a Monitor with no clients and no known state.
func New(log *zap.Logger) *Monitor {
	return &Monitor{
		log:     log,
		clients: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// PublishValues records and broadcasts the latest values JSON payload.
func (m *Monitor) PublishValues(payload []byte) {
	m.mu.Lock()
	m.lastValues = payload
	m.mu.Unlock()
	m.broadcast(KindValues, payload)
}

// PublishDevice records and broadcasts the latest device JSON payload.
func (m *Monitor) PublishDevice(payload []byte) {
	m.mu.Lock()
	m.lastDevice = payload
	m.mu.Unlock()
	m.broadcast(KindDevice, payload)
}

// PublishAvailability records and broadcasts the connection state.
func (m *Monitor) PublishAvailability(connected bool) {
	state := "disconnected"
	if connected {
		state = "connected"
	}
	m.mu.Lock()
	m.lastAvailability = state
	m.mu.Unlock()
	payload, _ := json.Marshal(state)
	m.broadcast(KindAvailability, payload)
}

func (m *Monitor) broadcast(kind Kind, payload []byte) {
	msg := message{Kind: kind, Payload: json.RawMessage(payload)}
	encoded, err := json.Marshal(msg)
	if err != nil {
		m.log.Warn("monitor: failed to encode broadcast message", zap.Error(err))
		return
	}

	m.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(m.clients))
	for c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	for _, c := range clients {
		if err := c.WriteMessage(websocket.TextMessage, encoded); err != nil {
			m.removeClient(c)
		}
	}
}

func (m *Monitor) addClient(c *websocket.Conn) {
	m.mu.Lock()
	m.clients[c] = true
	m.mu.Unlock()
}

func (m *Monitor) removeClient(c *websocket.Conn) {
	m.mu.Lock()
	delete(m.clients, c)
	m.mu.Unlock()
	c.Close()
}

func (m *Monitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	resp := struct {
		Values       json.RawMessage `json:"values,omitempty"`
		Device       json.RawMessage `json:"device,omitempty"`
		Availability string          `json:"availability"`
	}{
		Values:       m.lastValues,
		Device:       m.lastDevice,
		Availability: m.lastAvailability,
	}
	m.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (m *Monitor) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Debug("monitor: websocket upgrade failed", zap.Error(err))
		return
	}
	m.addClient(conn)

	m.mu.RLock()
	values, device, availability := m.lastValues, m.lastDevice, m.lastAvailability
	m.mu.RUnlock()
	if values != nil {
		m.writeOne(conn, KindValues, values)
	}
	if device != nil {
		m.writeOne(conn, KindDevice, device)
	}
	if availability != "" {
		payload, _ := json.Marshal(availability)
		m.writeOne(conn, KindAvailability, payload)
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			m.removeClient(conn)
			return
		}
	}
}

func (m *Monitor) writeOne(conn *websocket.Conn, kind Kind, payload []byte) {
	msg := message{Kind: kind, Payload: json.RawMessage(payload)}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, encoded); err != nil {
		m.removeClient(conn)
	}
}

// Serve binds addr and runs the status/websocket HTTP server until sc
// shuts down. It returns nil on a clean shutdown-triggered close.
func (m *Monitor) Serve(addr string, sc *shutdown.Coordinator) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", m.handleStatus)
	mux.HandleFunc("/ws", m.handleWS)

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		sc.Wait()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	m.log.Info("monitor listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
