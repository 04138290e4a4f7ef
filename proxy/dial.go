// Copyright 2017 Google Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gernest/hsproxy/pkg/resolve"
	"github.com/gernest/hsproxy/pkg/route"
)

const (
	DefaultDialTimeout = 10 * time.Second
	DefaultKeepAlive   = time.Minute
)

var defaultDialer = new(net.Dialer)

func (p *Proxy) dialContext() func(ctx context.Context, network, address string) (net.Conn, error) {
	if p.DialContext != nil {
		return p.DialContext
	}
	return defaultDialer.DialContext
}

// dial connects to addr. A zero o.DialTimeout uses DefaultDialTimeout, a
// negative one disables the timeout.
func (p *Proxy) dial(ctx context.Context, addr *net.TCPAddr, o route.Options) (net.Conn, error) {
	timeout := o.DialTimeout
	if timeout == 0 {
		timeout = DefaultDialTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	dst, err := p.dialContext()(ctx, "tcp", addr.String())
	if err != nil {
		return nil, &resolve.DialError{Addr: addr.String(), Err: err}
	}
	return dst, nil
}

// setKeepAlive enables TCP keep-alives on c with period d. Zero uses
// DefaultKeepAlive, a negative period leaves c untouched.
func setKeepAlive(c net.Conn, d time.Duration) {
	if d == 0 {
		d = DefaultKeepAlive
	}
	if d < 0 {
		return
	}
	if tc, ok := UnderlyingConn(c).(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(d)
	}
}

// sendProxyHeader writes HAProxy's PROXY protocol header describing src to w.
// Version 0 writes nothing.
func sendProxyHeader(w io.Writer, src net.Conn, version int) error {
	switch version {
	case 0:
		return nil
	case 1:
		var srcAddr, dstAddr *net.TCPAddr
		if a, ok := src.RemoteAddr().(*net.TCPAddr); ok {
			srcAddr = a
		}
		if a, ok := src.LocalAddr().(*net.TCPAddr); ok {
			dstAddr = a
		}

		if srcAddr == nil || dstAddr == nil {
			_, err := io.WriteString(w, "PROXY UNKNOWN\r\n")
			return err
		}

		family := "TCP4"
		if srcAddr.IP.To4() == nil {
			family = "TCP6"
		}
		_, err := fmt.Fprintf(w, "PROXY %s %s %d %s %d\r\n", family, srcAddr.IP, srcAddr.Port, dstAddr.IP, dstAddr.Port)
		return err
	default:
		return fmt.Errorf("PROXY protocol version %d not supported", version)
	}
}
