// Package introspect implements the optional debug HTTP+WS surface
// SPEC_FULL.md adds over the core store: a read-only JSON snapshot of
// schemas/instances/indices plus a live push of listener fires and
// action-queue activity, grounded directly on the teacher's
// internal/api package (chi routing in routes.go, the
// upgrade-then-read-loop shape of ws.go's HandleWS). Unlike the
// teacher's WSHandler, this package never mutates the store from the
// WS loop itself — the one write path (POST /debug/inject) runs the
// submitted script through internal/loop.Enqueue exactly like any other
// mutator, preserving the single-dispatcher invariant spec.md §5
// requires.
package introspect

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ravel-lang/ravel/internal/compile"
	"github.com/ravel-lang/ravel/internal/lex"
	"github.com/ravel-lang/ravel/internal/listener"
	"github.com/ravel-lang/ravel/internal/loop"
	"github.com/ravel-lang/ravel/internal/parse"
	"github.com/ravel-lang/ravel/internal/store"
	"github.com/ravel-lang/ravel/internal/value"
	"github.com/ravel-lang/ravel/internal/vm"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server holds the shared resources every handler needs, the same
// dependency-bag shape as the teacher's api.WSHandler.
type Server struct {
	log     *zap.Logger
	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan any
}

// New wires up loop.Observer/listener.Observer to broadcast to every
// connected client — installing itself the same way internal/listener
// installs itself into internal/store's hooks.
func New(log *zap.Logger) *Server {
	s := &Server{log: log, clients: map[string]*client{}}
	loop.Observer = func(kind string) { s.broadcast("loop", map[string]any{"kind": kind, "stats": loop.Snapshot()}) }
	listener.Observer = func(schema string) { s.broadcast("fire", map[string]any{"schema": schema}) }
	return s
}

func (s *Server) broadcast(msgType string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		select {
		case c.send <- map[string]any{"type": msgType, "data": payload}:
		default:
			s.log.Warn("dropping slow introspect client message", zap.String("client", c.id))
		}
	}
}

// Routes builds the chi router: GET /schemas, /schemas/{name}/instances,
// /events for the read-only snapshot, /ws for the live push, and
// POST /debug/inject for the one script-mutation escape hatch.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", s.handleWS)
	r.Get("/schemas", s.handleSchemas)
	r.Get("/schemas/{name}/instances", s.handleInstances)
	r.Get("/events", s.handleEvents)
	r.Post("/debug/inject", s.handleInject)
	return r
}

// ListenAndServe starts the debug server on addr; blocks until it
// exits (normally only on a listen error).
func ListenAndServe(addr string, log *zap.Logger) error {
	s := New(log)
	log.Info("introspection server listening", zap.String("addr", addr))
	return http.ListenAndServe(addr, s.Routes())
}

type schemaSummary struct {
	Name       string   `json:"name"`
	Parent     string   `json:"parent,omitempty"`
	Fields     []string `json:"fields"`
	Indices    []string `json:"indices"`
	InstanceCount int   `json:"instance_count"`
}

func (s *Server) handleSchemas(w http.ResponseWriter, r *http.Request) {
	var out []schemaSummary
	for _, sch := range store.AllSchemas() {
		sum := schemaSummary{Name: sch.Name, Fields: sch.FieldOrder, Indices: sch.IndexOrder, InstanceCount: sch.Len()}
		if sch.Parent != nil {
			sum.Parent = sch.Parent.Name
		}
		out = append(out, sum)
	}
	writeJSON(w, out)
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	sch, ok := store.GetSchema(name)
	if !ok {
		http.Error(w, "unknown schema", http.StatusNotFound)
		return
	}
	var rows []map[string]string
	sch.Each(func(inst *store.Instance) bool {
		row := map[string]string{}
		for _, f := range sch.FieldOrder {
			v, err := inst.ReadField(f)
			if err != nil {
				continue
			}
			str, serr := value.ToDisplayString(v)
			if serr == nil {
				row[f] = str
			}
		}
		rows = append(rows, row)
		return true
	})
	writeJSON(w, rows)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, loop.Snapshot())
}

// handleInject compiles and runs raw script text submitted as the
// request body, through loop.Enqueue rather than inline — it is just
// one more producer appending to the action queue, same as a listener
// firing or a sigar sample arriving.
func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Script string `json:"script"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	loop.Enqueue(func() error {
		lines := splitLines(req.Script)
		i := 0
		sc := lex.New("<debug-inject>", func() (string, bool) {
			if i >= len(lines) {
				return "", false
			}
			line := lines[i]
			i++
			return line, true
		})
		prog, err := parse.ParseProgram(sc)
		if err != nil {
			return err
		}
		b := compile.NewBuilder("<debug-inject>")
		info, err := b.CompileProgram(prog)
		if err != nil {
			return err
		}
		_, err = vm.Run(info)
		return err
	})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("ws upgrade error", zap.Error(err))
		return
	}
	c := &client{id: uuid.NewString(), conn: conn, send: make(chan any, 64)}

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		conn.Close()
	}()

	go func() {
		for msg := range c.send {
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}()

	// The debug connection is push-only; any inbound message just keeps
	// the read loop (and therefore the close detection) alive, mirroring
	// ws.go's read-until-error shape without a subscribe protocol.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			close(c.send)
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	lines = append(lines, s[start:])
	return lines
}
