package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/taskmux/taskmux/events"
	"github.com/taskmux/taskmux/log"
)

// maxLineBytes bounds one inbound JSON message.
const maxLineBytes = 4 * 1024 * 1024

// Hub accepts client connections, dispatches JSON-RPC requests against the
// tool registry, and forwards bus events as notifications.
type Hub struct {
	reg       *Registry
	bus       *events.Bus
	onConnect func() events.Event

	mu    sync.Mutex
	conns map[*client]struct{}
}

// NewHub wires a registry and event bus together. onConnect, if non-nil,
// returns the event pushed to each client right after connect, normally the
// initial session state.
func NewHub(reg *Registry, bus *events.Bus, onConnect func() events.Event) *Hub {
	h := &Hub{
		reg:       reg,
		bus:       bus,
		onConnect: onConnect,
		conns:     make(map[*client]struct{}),
	}
	reg.SetOnChange(func() {
		h.broadcast(Notification{JSONRPC: ProtocolVersion, Method: "tools/listChanged"})
	})
	return h
}

// ListenLoopback binds the RPC port on the loopback interface only. There is
// no client authentication; deployment keeps the port local.
func ListenLoopback(port int) (net.Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("binding RPC port %d: %w", port, err)
	}
	return ln, nil
}

// Serve accepts connections until ctx is cancelled or the listener fails.
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
		h.mu.Lock()
		for c := range h.conns {
			_ = c.conn.Close()
		}
		h.mu.Unlock()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting RPC connection: %w", err)
		}
		go h.serveConn(ctx, conn)
	}
}

type client struct {
	conn net.Conn

	// wmu serializes responses and pushed notifications on the wire.
	wmu sync.Mutex
	enc *json.Encoder
}

func (c *client) write(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.enc.Encode(v)
}

func (h *Hub) serveConn(ctx context.Context, conn net.Conn) {
	c := &client{conn: conn, enc: json.NewEncoder(conn)}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	sub := h.bus.Subscribe(0)
	defer func() {
		sub.Close()
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
		_ = conn.Close()
		log.DebugLog.Printf("rpc client %s disconnected", conn.RemoteAddr())
	}()

	log.InfoLog.Printf("rpc client connected: %s", conn.RemoteAddr())
	_ = c.write(Notification{JSONRPC: ProtocolVersion, Method: "capabilities", Params: h.capabilities()})
	if h.onConnect != nil {
		if e := h.onConnect(); e != nil {
			_ = c.write(Notification{JSONRPC: ProtocolVersion, Method: e.Method(), Params: e})
		}
	}

	// Event forwarding runs beside the request loop; write serialization
	// keeps the two from interleaving mid-message.
	go func() {
		for e := range sub.Events() {
			if err := c.write(Notification{JSONRPC: ProtocolVersion, Method: e.Method(), Params: e}); err != nil {
				return
			}
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		h.handleLine(ctx, c, line)
	}
}

func (h *Hub) handleLine(ctx context.Context, c *client, line []byte) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		_ = c.write(Response{JSONRPC: ProtocolVersion, Error: errInvalidParams("malformed request: " + err.Error())})
		return
	}
	if req.Method == "" {
		// A client-side response or malformed frame; nothing to dispatch.
		return
	}

	result, errObj := h.dispatch(ctx, req)
	if req.ID == nil {
		// Notification from the client: no response on the wire.
		if errObj != nil {
			log.DebugLog.Printf("notification %s failed: %s", req.Method, errObj.Message)
		}
		return
	}
	resp := Response{JSONRPC: ProtocolVersion, ID: req.ID}
	if errObj != nil {
		resp.Error = errObj
	} else {
		resp.Result = result
	}
	if err := c.write(resp); err != nil {
		log.WarningLog.Printf("writing rpc response: %v", err)
	}
}

func (h *Hub) dispatch(ctx context.Context, req Request) (any, *ErrorObject) {
	switch req.Method {
	case "tools/list":
		return map[string]any{"tools": h.reg.List()}, nil
	case "capabilities":
		return h.capabilities(), nil
	case "tools/call":
		return h.callTool(ctx, req.Params)
	default:
		return nil, errMethodNotFound(req.Method)
	}
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (h *Hub) callTool(ctx context.Context, params json.RawMessage) (any, *ErrorObject) {
	var call callParams
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, errInvalidParams("invalid tools/call params: " + err.Error())
	}
	if call.Name == "" {
		return nil, errInvalidParams("tools/call requires a tool name")
	}
	tool, ok := h.reg.Get(call.Name)
	if !ok {
		return nil, errMethodNotFound(call.Name)
	}

	result, err := tool.Handler(ctx, call.Arguments)
	if err != nil {
		return nil, toErrorObject(err)
	}
	return result, nil
}

func (h *Hub) capabilities() map[string]any {
	return map[string]any{
		"protocolVersion": ProtocolVersion,
		"tools":           map[string]any{"listChanged": true},
		"events":          true,
	}
}

// broadcast pushes a notification to every connected client.
func (h *Hub) broadcast(n Notification) {
	h.mu.Lock()
	conns := make([]*client, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		if err := c.write(n); err != nil {
			log.DebugLog.Printf("broadcast to %s failed: %v", c.conn.RemoteAddr(), err)
		}
	}
}
