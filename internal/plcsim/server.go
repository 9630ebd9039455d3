package plcsim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/KevinKickass/OpenMachineBridge/internal/opcua"
	"github.com/KevinKickass/OpenMachineBridge/internal/types"
)

// Server is an in-process stand-in for a PLC's OPC UA server. It keeps a
// typed tag table and hands out sessions with the same contract and error
// kinds as opcua.Session.
type Server struct {
	mu        sync.Mutex
	users     map[string]string
	tags      map[types.NodeAddress]types.Value
	faults    map[types.NodeAddress]error
	sessions  map[*Session]struct{}
	reachable bool
}

func NewServer() *Server {
	return &Server{
		users:     make(map[string]string),
		tags:      make(map[types.NodeAddress]types.Value),
		faults:    make(map[types.NodeAddress]error),
		sessions:  make(map[*Session]struct{}),
		reachable: true,
	}
}

func (s *Server) AddUser(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = password
}

// Define creates a tag with its initial value. The value's type is the
// node's data type for the lifetime of the server.
func (s *Server) Define(address types.NodeAddress, initial types.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.tags[address]; ok && existing.Type != initial.Type {
		return fmt.Errorf("tag %s already defined as %s", address, existing.Type)
	}
	s.tags[address] = initial
	return nil
}

func (s *Server) Get(address types.NodeAddress) (types.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.tags[address]
	return v, ok
}

// Set changes a tag from the PLC side.
func (s *Server) Set(address types.NodeAddress, v types.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(address, v)
}

func (s *Server) setLocked(address types.NodeAddress, v types.Value) error {
	current, ok := s.tags[address]
	if !ok {
		return fmt.Errorf("unknown tag %s", address)
	}
	if current.Type != v.Type {
		return fmt.Errorf("tag %s is %s, got %s", address, current.Type, v.Type)
	}
	s.tags[address] = v
	return nil
}

// FailNode makes every read and write of address fail with kind (one of the
// opcua error kinds) until ClearFault.
func (s *Server) FailNode(address types.NodeAddress, kind error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[address] = kind
}

func (s *Server) ClearFault(address types.NodeAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.faults, address)
}

// SetReachable toggles whether new connections succeed.
func (s *Server) SetReachable(reachable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reachable = reachable
}

// DropSessions cuts every open session, as a PLC reboot or cable pull would.
func (s *Server) DropSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for session := range s.sessions {
		session.lost = true
	}
	s.sessions = make(map[*Session]struct{})
}

func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) Connect(ctx context.Context, ep types.Endpoint) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, &opcua.ConnectError{Kind: opcua.ErrUnreachable, Endpoint: ep.Redacted(), Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.reachable {
		return nil, &opcua.ConnectError{Kind: opcua.ErrUnreachable, Endpoint: ep.Redacted(), Err: errors.New("connection refused")}
	}
	if password, ok := s.users[ep.Username]; !ok || password != ep.Password {
		return nil, &opcua.ConnectError{Kind: opcua.ErrAuthRejected, Endpoint: ep.Redacted(), Err: errors.New("user access denied")}
	}

	session := &Session{server: s}
	s.sessions[session] = struct{}{}
	return session, nil
}

// Session implements the bridge session contract against a Server. The
// server mutex guards its flags.
type Session struct {
	server *Server
	closed bool
	lost   bool
}

type handle struct {
	address  types.NodeAddress
	dataType types.DataType
}

func (h handle) Address() types.NodeAddress { return h.address }

func (h handle) DataType() types.DataType { return h.dataType }

func (c *Session) Resolve(ctx context.Context, address types.NodeAddress, dt types.DataType) (types.NodeHandle, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := c.usableLocked("resolve", address); err != nil {
		return nil, err
	}
	v, ok := s.tags[address]
	if !ok {
		return nil, &opcua.ResolveError{Kind: opcua.ErrNotFound, Address: string(address)}
	}
	if v.Type != dt {
		return nil, &opcua.ResolveError{Kind: opcua.ErrTypeMismatch, Address: string(address),
			Err: fmt.Errorf("declared %s, node is %s", dt, v.Type)}
	}
	return handle{address: address, dataType: dt}, nil
}

func (c *Session) Read(ctx context.Context, h types.NodeHandle, expected types.DataType) (types.Value, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	address := h.Address()
	if err := c.usableLocked("read", address); err != nil {
		return types.Value{}, err
	}
	if kind, ok := s.faults[address]; ok {
		return types.Value{}, &opcua.IoError{Op: "read", Kind: kind, Address: string(address)}
	}
	v, ok := s.tags[address]
	if !ok {
		return types.Value{}, &opcua.IoError{Op: "read", Kind: opcua.ErrRejected, Address: string(address), Err: errors.New("node deleted")}
	}
	if v.Type != expected {
		return types.Value{}, &opcua.IoError{Op: "read", Kind: opcua.ErrTypeMismatch, Address: string(address)}
	}
	return v, nil
}

func (c *Session) Write(ctx context.Context, h types.NodeHandle, v types.Value) error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	address := h.Address()
	if err := c.usableLocked("write", address); err != nil {
		return err
	}
	if kind, ok := s.faults[address]; ok {
		return &opcua.IoError{Op: "write", Kind: kind, Address: string(address)}
	}
	if err := s.setLocked(address, v); err != nil {
		return &opcua.IoError{Op: "write", Kind: opcua.ErrTypeMismatch, Address: string(address), Err: err}
	}
	return nil
}

func (c *Session) Close(ctx context.Context) error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	delete(s.sessions, c)
	return nil
}

func (c *Session) usableLocked(op string, address types.NodeAddress) error {
	if c.closed || c.lost {
		return &opcua.IoError{Op: op, Kind: opcua.ErrDisconnected, Address: string(address)}
	}
	return nil
}
