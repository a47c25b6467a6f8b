package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openclaw/kernel/pkg/rpcfront"
)

const (
	nodeReadLimit  = 8 * mib
	nodePingPeriod = 25 * time.Second
	nodeReadWait   = 60 * time.Second
	nodeWriteWait  = 10 * time.Second
	mib            = 1 << 20
)

// nodeFrame is the wire shape exchanged with a connected node over its
// websocket, in both directions: outbound it carries an admitted command
// (ID, Command, Params); inbound it carries the node's response (OK,
// Payload, Error), correlated by ID.
type nodeFrame struct {
	ID      string         `json:"id"`
	Command string         `json:"command,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
	OK      bool           `json:"ok,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Error   string         `json:"error,omitempty"`
}

type nodeConn struct {
	nodeID string
	conn   *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan nodeFrame
}

func (nc *nodeConn) send(frame nodeFrame) error {
	nc.writeMu.Lock()
	defer nc.writeMu.Unlock()
	nc.conn.SetWriteDeadline(time.Now().Add(nodeWriteWait))
	return nc.conn.WriteJSON(frame)
}

func (nc *nodeConn) register(id string) chan nodeFrame {
	ch := make(chan nodeFrame, 1)
	nc.mu.Lock()
	nc.pending[id] = ch
	nc.mu.Unlock()
	return ch
}

func (nc *nodeConn) resolve(frame nodeFrame) {
	nc.mu.Lock()
	ch, ok := nc.pending[frame.ID]
	if ok {
		delete(nc.pending, frame.ID)
	}
	nc.mu.Unlock()
	if ok {
		ch <- frame
	}
}

func (nc *nodeConn) abandon(id string) {
	nc.mu.Lock()
	delete(nc.pending, id)
	nc.mu.Unlock()
}

// NodeHub is the concrete rpcfront.Transport: it forwards an admitted
// node.invoke call over the requested node's websocket connection and
// waits for a correlated response, and it is where a node's websocket
// upgrade lands after rpcfront.TokenManager validates its bearer token.
type NodeHub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	nodes map[string]*nodeConn
}

func NewNodeHub(log *slog.Logger) *NodeHub {
	return &NodeHub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		nodes: make(map[string]*nodeConn),
	}
}

var _ rpcfront.Transport = (*NodeHub)(nil)

// Invoke implements rpcfront.Transport. The caller (rpcfront.Front) has
// already admitted the command through every enforcement step; this is a
// pure wire hop with no policy logic of its own.
func (h *NodeHub) Invoke(ctx context.Context, nodeID, command string, params map[string]any, budget rpcfront.ExecBudget) (map[string]any, error) {
	h.mu.RLock()
	nc, ok := h.nodes[nodeID]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("node %s not connected", nodeID)
	}

	id := uuid.NewString()
	replyCh := nc.register(id)

	if err := nc.send(nodeFrame{ID: id, Command: command, Params: params}); err != nil {
		nc.abandon(id)
		return nil, fmt.Errorf("send to node %s: %w", nodeID, err)
	}

	timeout := budget.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame := <-replyCh:
		if !frame.OK {
			if frame.Error == "" {
				frame.Error = "node reported failure"
			}
			return nil, errors.New(frame.Error)
		}
		return frame.Payload, nil
	case <-timer.C:
		nc.abandon(id)
		return nil, fmt.Errorf("node %s timed out after %s", nodeID, timeout)
	case <-ctx.Done():
		nc.abandon(id)
		return nil, ctx.Err()
	}
}

// HandleConnect upgrades an authenticated node's HTTP request to a
// websocket and runs its read/write pumps until disconnect.
func (h *NodeHub) HandleConnect(nodeID string, w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("node websocket upgrade failed", "node_id", nodeID, "error", err)
		return
	}

	nc := &nodeConn{nodeID: nodeID, conn: conn, pending: make(map[string]chan nodeFrame)}
	h.mu.Lock()
	h.nodes[nodeID] = nc
	h.mu.Unlock()
	h.log.Info("node connected", "node_id", nodeID)

	done := make(chan struct{})
	go h.writePump(nc, done)
	h.readPump(nc, done)

	h.mu.Lock()
	if h.nodes[nodeID] == nc {
		delete(h.nodes, nodeID)
	}
	h.mu.Unlock()
	h.log.Info("node disconnected", "node_id", nodeID)
}

func (h *NodeHub) readPump(nc *nodeConn, done chan struct{}) {
	defer close(done)
	defer nc.conn.Close()

	nc.conn.SetReadLimit(nodeReadLimit)
	nc.conn.SetReadDeadline(time.Now().Add(nodeReadWait))
	nc.conn.SetPongHandler(func(string) error {
		nc.conn.SetReadDeadline(time.Now().Add(nodeReadWait))
		return nil
	})

	for {
		_, raw, err := nc.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame nodeFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			h.log.Warn("malformed node frame", "node_id", nc.nodeID, "error", err)
			continue
		}
		nc.resolve(frame)
	}
}

func (h *NodeHub) writePump(nc *nodeConn, done chan struct{}) {
	ticker := time.NewTicker(nodePingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			nc.writeMu.Lock()
			nc.conn.SetWriteDeadline(time.Now().Add(nodeWriteWait))
			err := nc.conn.WriteMessage(websocket.PingMessage, nil)
			nc.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Count reports the number of connected nodes, exposed for /healthz.
func (h *NodeHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes)
}
