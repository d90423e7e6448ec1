// go-erldist - Erlang distribution node client
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/akutz/memconn"
	"github.com/cretz/bine/tor"
	"golang.org/x/net/proxy"
)

// Gateway is an entry point into the network. It supports opening listener
// sockets for incoming connections and creating dialers for outbound ones. Live
// code should use a direct, SOCKS5 or Tor gateway. The purpose of this interface
// is to also provide a mock implementation for testing in memory.
type Gateway interface {
	// Listen opens a listener on the given host:port address. A zero port asks
	// the gateway to pick one.
	Listen(ctx context.Context, addr string) (net.Listener, error)

	// Dialer creates a new Dialer for outbound connections.
	Dialer(ctx context.Context) (proxy.Dialer, error)
}

// NewDirectGateway creates a gateway that uses the host's network stack.
func NewDirectGateway() Gateway {
	return new(directGateway)
}

// directGateway is a gateway through the host's network stack.
type directGateway struct{}

// Listen opens a TCP listener on the given address.
func (gw *directGateway) Listen(ctx context.Context, addr string) (net.Listener, error) {
	return new(net.ListenConfig).Listen(ctx, "tcp", addr)
}

// Dialer creates a new Dialer for outbound connections.
func (gw *directGateway) Dialer(ctx context.Context) (proxy.Dialer, error) {
	return proxy.Direct, nil
}

// NewSOCKS5Gateway creates a gateway that dials outbound connections through a
// SOCKS5 proxy, but listens directly on the host's network stack.
func NewSOCKS5Gateway(addr string, auth *proxy.Auth) Gateway {
	return &socks5Gateway{addr: addr, auth: auth}
}

// socks5Gateway is a gateway proxying outbound connections.
type socks5Gateway struct {
	directGateway

	addr string      // Address of the SOCKS5 proxy
	auth *proxy.Auth // Optional credentials for the proxy
}

// Dialer creates a new Dialer for outbound connections.
func (gw *socks5Gateway) Dialer(ctx context.Context) (proxy.Dialer, error) {
	return proxy.SOCKS5("tcp", gw.addr, gw.auth, proxy.Direct)
}

// NewTorGateway creates a new live Tor proxy that passes all network communication
// through the global public Tor network. Listeners are published as onion services
// on the requested port.
func NewTorGateway(proxy *tor.Tor) Gateway {
	return &torGateway{proxy}
}

// torGateway is a live Tor proxy using the global public network.
type torGateway struct {
	proxy *tor.Tor
}

// Listen creates an onion service and local listener.
func (gw *torGateway) Listen(ctx context.Context, addr string) (net.Listener, error) {
	_, port, err := splitPort(addr)
	if err != nil {
		return nil, err
	}
	if port == 0 {
		return nil, errors.New("onion services need an explicit port")
	}
	return gw.proxy.Listen(ctx, &tor.ListenConf{
		RemotePorts: []int{port},
		Version3:    true,
	})
}

// Dialer creates a new Dialer routing through Tor.
func (gw *torGateway) Dialer(ctx context.Context) (proxy.Dialer, error) {
	return gw.proxy.Dialer(ctx, nil)
}

// mockGatewayIDs is a source of unique ids to keep mock networks apart.
var mockGatewayIDs uint64

// mockPortBase is the first port handed out to mock listeners asking for any.
const mockPortBase = 20000

// NewMockGateway creates a new mock gateway that short circuits all network
// communication through local in-memory connections. Separate mock gateways
// are separate networks.
func NewMockGateway() Gateway {
	return &mockGateway{
		id:       atomic.AddUint64(&mockGatewayIDs, 1),
		services: make(map[string]net.Listener),
		next:     mockPortBase,
	}
}

// mockGateway simulates a network, but short circuits all connections locally
// via in-memory pipes.
type mockGateway struct {
	id       uint64                  // Namespace of the gateway in memconn
	services map[string]net.Listener // Listeners simulating the network
	next     int                     // Next port to assign for wildcard listens
	lock     sync.RWMutex            // Lock to make sure concurrent access works
}

// endpoint maps a simulated address into the in-memory namespace of the gateway.
func (gw *mockGateway) endpoint(addr string) string {
	return fmt.Sprintf("erldist-%d/%s", gw.id, addr)
}

// Listen creates an in-memory listener on the given address.
func (gw *mockGateway) Listen(ctx context.Context, addr string) (net.Listener, error) {
	gw.lock.Lock()
	defer gw.lock.Unlock()

	host, port, err := splitPort(addr)
	if err != nil {
		return nil, err
	}
	if port == 0 {
		port, gw.next = gw.next, gw.next+1
	}
	addr = net.JoinHostPort(host, strconv.Itoa(port))
	if _, ok := gw.services[addr]; ok {
		return nil, fmt.Errorf("service %s already open", addr)
	}
	listener, err := memconn.Listen("memu", gw.endpoint(addr))
	if err != nil {
		return nil, err
	}
	gw.services[addr] = listener

	return &mockGatewayListener{listener, gw, addr}, nil
}

// mockGatewayListener is an in-memory listener, which has a hooked close method
// that deregisters the service from the mock gateway.
type mockGatewayListener struct {
	net.Listener // The real in-memory listener for network communication

	gateway *mockGateway // Gateway to update on close
	service string       // Simulated address to deregister on close
}

// Addr returns the simulated network address of the listener.
func (l *mockGatewayListener) Addr() net.Addr {
	return mockAddr(l.service)
}

// Close terminates the underlying listener and also removes it from the mock
// gateway service list.
func (l *mockGatewayListener) Close() error {
	l.gateway.lock.Lock()
	defer l.gateway.lock.Unlock()

	delete(l.gateway.services, l.service)
	return l.Listener.Close()
}

// mockAddr is a simulated host:port address.
type mockAddr string

func (a mockAddr) Network() string { return "tcp" }
func (a mockAddr) String() string  { return string(a) }

// Dialer creates a new Dialer using the mock listener pool.
func (gw *mockGateway) Dialer(ctx context.Context) (proxy.Dialer, error) {
	return &mockGatewayDialer{gw}, nil
}

// mockGatewayDialer is a dialer that uses the mock listener pool to establish
// network connections.
type mockGatewayDialer struct {
	gateway *mockGateway
}

// Dial connects to the given address via the in-memory network.
func (d *mockGatewayDialer) Dial(network, addr string) (net.Conn, error) {
	if network != "tcp" {
		return nil, errors.New("unsupported mock protocol")
	}
	d.gateway.lock.RLock()
	listener := d.gateway.services[addr]
	d.gateway.lock.RUnlock()

	if listener == nil {
		return nil, fmt.Errorf("connection refused: %s", addr)
	}
	return memconn.Dial("memu", d.gateway.endpoint(addr))
}

// splitPort splits a host:port address, parsing the port.
func splitPort(addr string) (string, int, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %v", port, err)
	}
	return host, int(n), nil
}
