// go-erldist - Erlang distribution node client
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

// Package netutil contains networking helpers shared by the daemon client and
// the distribution transport.
package netutil

import (
	"context"
	"net"

	"golang.org/x/net/proxy"
)

// DialContext dials through a proxy dialer, honouring the context even if the
// dialer itself is not context aware. A connection established after the context
// was cancelled is closed in the background.
func DialContext(ctx context.Context, dialer proxy.Dialer, network, addr string) (net.Conn, error) {
	if d, ok := dialer.(proxy.ContextDialer); ok {
		return d.DialContext(ctx, network, addr)
	}
	type result struct {
		conn net.Conn
		err  error
	}
	resc := make(chan result, 1)
	go func() {
		conn, err := dialer.Dial(network, addr)
		resc <- result{conn, err}
	}()
	select {
	case res := <-resc:
		return res.conn, res.err
	case <-ctx.Done():
		go func() {
			if res := <-resc; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
