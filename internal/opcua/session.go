package opcua

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenMachineBridge/internal/types"
	gopcua "github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
)

const (
	DefaultDialTimeout    = 5 * time.Second
	DefaultRequestTimeout = 500 * time.Millisecond
)

type Options struct {
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	return o
}

// uaClient is the part of *gopcua.Client a Session talks to.
type uaClient interface {
	Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error)
	Write(ctx context.Context, req *ua.WriteRequest) (*ua.WriteResponse, error)
	State() gopcua.ConnState
	Close(ctx context.Context) error
}

// Session is one connection to a PLC. Operations block until the server
// answers or the request timeout expires; nothing is retried.
type Session struct {
	client   uaClient
	endpoint types.Endpoint
	opts     Options

	mu     sync.Mutex
	closed bool
}

// Connect opens a session with username/password authentication and no
// message security.
func Connect(ctx context.Context, ep types.Endpoint, opts Options) (*Session, error) {
	opts = opts.withDefaults()

	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	endpoints, err := gopcua.GetEndpoints(dialCtx, ep.Address())
	if err != nil {
		return nil, &ConnectError{Kind: classifyConnect(err), Endpoint: ep.Redacted(), Err: err}
	}

	tokenType := ua.UserTokenTypeUserName
	if ep.Username == "" {
		tokenType = ua.UserTokenTypeAnonymous
	}
	desc := selectEndpoint(endpoints, tokenType)
	if desc == nil {
		return nil, &ConnectError{
			Kind:     ErrProtocol,
			Endpoint: ep.Redacted(),
			Err:      errors.New("no endpoint without message security accepts the configured identity"),
		}
	}

	options := []gopcua.Option{
		gopcua.SecurityFromEndpoint(desc, tokenType),
		gopcua.DialTimeout(opts.DialTimeout),
		gopcua.RequestTimeout(opts.RequestTimeout),
		gopcua.AutoReconnect(false),
	}
	if tokenType == ua.UserTokenTypeUserName {
		options = append(options, gopcua.AuthUsername(ep.Username, ep.Password))
	} else {
		options = append(options, gopcua.AuthAnonymous())
	}

	client, err := gopcua.NewClient(ep.URL(), options...)
	if err != nil {
		return nil, &ConnectError{Kind: ErrProtocol, Endpoint: ep.Redacted(), Err: err}
	}

	if err := client.Connect(dialCtx); err != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), opts.RequestTimeout)
		defer closeCancel()
		_ = client.Close(closeCtx)
		return nil, &ConnectError{Kind: classifyConnect(err), Endpoint: ep.Redacted(), Err: err}
	}

	return &Session{client: client, endpoint: ep, opts: opts}, nil
}

func selectEndpoint(endpoints []*ua.EndpointDescription, tokenType ua.UserTokenType) *ua.EndpointDescription {
	for _, ep := range endpoints {
		if ep.SecurityMode != ua.MessageSecurityModeNone || ep.SecurityPolicyURI != ua.SecurityPolicyURINone {
			continue
		}
		for _, token := range ep.UserIdentityTokens {
			if token.TokenType == tokenType {
				return ep
			}
		}
	}
	return nil
}

func (s *Session) Endpoint() types.Endpoint { return s.endpoint }

// Resolve looks the node up and checks that its data type fits dt.
func (s *Session) Resolve(ctx context.Context, address types.NodeAddress, dt types.DataType) (types.NodeHandle, error) {
	nodeID, err := ua.ParseNodeID(string(address))
	if err != nil {
		return nil, &ResolveError{Kind: ErrNotFound, Address: string(address), Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	resp, err := s.client.Read(ctx, &ua.ReadRequest{
		NodesToRead: []*ua.ReadValueID{
			{NodeID: nodeID, AttributeID: ua.AttributeIDDataType},
		},
		TimestampsToReturn: ua.TimestampsToReturnNeither,
	})
	if err != nil {
		// transport failure, not a property of the node
		return nil, s.ioError("resolve", string(address), err)
	}
	if len(resp.Results) != 1 {
		return nil, &ResolveError{Kind: ErrNotFound, Address: string(address), Err: fmt.Errorf("%d results", len(resp.Results))}
	}

	result := resp.Results[0]
	if result.Status != ua.StatusOK {
		return nil, &ResolveError{Kind: classifyResolve(result.Status), Address: string(address), Err: result.Status}
	}

	if result.Value == nil {
		return nil, &ResolveError{Kind: ErrNotFound, Address: string(address), Err: errors.New("node has no data type")}
	}
	typeID, ok := result.Value.Value().(*ua.NodeID)
	if !ok || typeID.Namespace() != 0 {
		return nil, &ResolveError{Kind: ErrTypeMismatch, Address: string(address), Err: fmt.Errorf("unsupported data type node %v", result.Value.Value())}
	}
	if !accepts(dt, typeID.IntID()) {
		return nil, &ResolveError{
			Kind:    ErrTypeMismatch,
			Address: string(address),
			Err:     fmt.Errorf("declared %s, node is %s", dt, wireTypeName(typeID.IntID())),
		}
	}

	return &nodeHandle{address: address, dataType: dt, id: nodeID, wire: typeID.IntID()}, nil
}

func (s *Session) Read(ctx context.Context, handle types.NodeHandle, expected types.DataType) (types.Value, error) {
	h, err := s.handle(handle)
	if err != nil {
		return types.Value{}, err
	}
	if expected != h.dataType {
		return types.Value{}, &IoError{Op: "read", Kind: ErrTypeMismatch, Address: string(h.address),
			Err: fmt.Errorf("handle resolved as %s, read as %s", h.dataType, expected)}
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	resp, err := s.client.Read(ctx, &ua.ReadRequest{
		NodesToRead: []*ua.ReadValueID{
			{NodeID: h.id, AttributeID: ua.AttributeIDValue},
		},
		TimestampsToReturn: ua.TimestampsToReturnNeither,
	})
	if err != nil {
		return types.Value{}, s.ioError("read", string(h.address), err)
	}
	if len(resp.Results) != 1 {
		return types.Value{}, &IoError{Op: "read", Kind: ErrRejected, Address: string(h.address), Err: fmt.Errorf("%d results", len(resp.Results))}
	}
	result := resp.Results[0]
	if result.Status != ua.StatusOK {
		return types.Value{}, s.ioError("read", string(h.address), result.Status)
	}
	if result.Value == nil {
		return types.Value{}, &IoError{Op: "read", Kind: ErrTypeMismatch, Address: string(h.address), Err: errors.New("empty value")}
	}

	value, err := types.Convert(expected, result.Value.Value())
	if err != nil {
		return types.Value{}, &IoError{Op: "read", Kind: ErrTypeMismatch, Address: string(h.address), Err: err}
	}
	return value, nil
}

func (s *Session) Write(ctx context.Context, handle types.NodeHandle, value types.Value) error {
	h, err := s.handle(handle)
	if err != nil {
		return err
	}
	if value.Type != h.dataType {
		return &IoError{Op: "write", Kind: ErrTypeMismatch, Address: string(h.address),
			Err: fmt.Errorf("node is %s, value is %s", h.dataType, value.Type)}
	}

	raw, err := encode(h.wire, value)
	if err != nil {
		return &IoError{Op: "write", Kind: ErrTypeMismatch, Address: string(h.address), Err: err}
	}
	variant, err := ua.NewVariant(raw)
	if err != nil {
		return &IoError{Op: "write", Kind: ErrTypeMismatch, Address: string(h.address), Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	resp, err := s.client.Write(ctx, &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{
			{
				NodeID:      h.id,
				AttributeID: ua.AttributeIDValue,
				Value: &ua.DataValue{
					EncodingMask: ua.DataValueValue,
					Value:        variant,
				},
			},
		},
	})
	if err != nil {
		return s.ioError("write", string(h.address), err)
	}
	if len(resp.Results) != 1 {
		return &IoError{Op: "write", Kind: ErrRejected, Address: string(h.address), Err: fmt.Errorf("%d results", len(resp.Results))}
	}
	if resp.Results[0] != ua.StatusOK {
		return s.ioError("write", string(h.address), resp.Results[0])
	}
	return nil
}

// Close releases the connection. Calling it again is a no-op.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.client.Close(ctx); err != nil {
		return fmt.Errorf("close %s: %w", s.endpoint.Redacted(), err)
	}
	return nil
}

func (s *Session) handle(handle types.NodeHandle) (*nodeHandle, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	h, ok := handle.(*nodeHandle)
	if !ok {
		return nil, &IoError{Op: "use", Kind: ErrNotFound, Address: string(handle.Address()), Err: errors.New("handle not issued by this session type")}
	}
	if closed {
		return nil, &IoError{Op: "use", Kind: ErrDisconnected, Address: string(h.address)}
	}
	return h, nil
}

func (s *Session) ioError(op, address string, err error) error {
	connected := s.client.State() == gopcua.Connected
	return &IoError{Op: op, Kind: classifyIO(err, connected), Address: address, Err: err}
}

type nodeHandle struct {
	address  types.NodeAddress
	dataType types.DataType
	id       *ua.NodeID
	wire     uint32
}

func (h *nodeHandle) Address() types.NodeAddress { return h.address }

func (h *nodeHandle) DataType() types.DataType { return h.dataType }
