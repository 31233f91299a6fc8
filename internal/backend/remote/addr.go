package remote

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"
)

// Address identifies an engine endpoint. It is written as a URL:
//
//	tcp://host:port
//	unix:///path/to/engine.sock
//	vsock://cid:port
type Address struct {
	Network string
	Addr    string

	// CID and Port are set for vsock addresses.
	CID  uint32
	Port uint32
}

// ParseAddress parses an engine address URL.
func ParseAddress(raw string) (Address, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Address{}, fmt.Errorf("parse engine address %q: %w", raw, err)
	}

	switch u.Scheme {
	case "tcp":
		if u.Host == "" {
			return Address{}, fmt.Errorf("engine address %q: missing host", raw)
		}
		return Address{Network: "tcp", Addr: u.Host}, nil
	case "unix":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == "" {
			return Address{}, fmt.Errorf("engine address %q: missing socket path", raw)
		}
		return Address{Network: "unix", Addr: path}, nil
	case "vsock":
		cid, port, ok := strings.Cut(u.Host, ":")
		if !ok {
			return Address{}, fmt.Errorf("engine address %q: want vsock://cid:port", raw)
		}
		c, err := strconv.ParseUint(cid, 10, 32)
		if err != nil {
			return Address{}, fmt.Errorf("engine address %q: bad cid: %w", raw, err)
		}
		p, err := strconv.ParseUint(port, 10, 32)
		if err != nil {
			return Address{}, fmt.Errorf("engine address %q: bad port: %w", raw, err)
		}
		return Address{Network: "vsock", Addr: u.Host, CID: uint32(c), Port: uint32(p)}, nil
	default:
		return Address{}, fmt.Errorf("engine address %q: unsupported scheme %q", raw, u.Scheme)
	}
}

// String returns the URL form of a.
func (a Address) String() string {
	if a.Network == "unix" {
		return "unix://" + a.Addr
	}
	return a.Network + "://" + a.Addr
}

// Dial opens a single connection to a.
func (a Address) Dial(ctx context.Context) (net.Conn, error) {
	if a.Network == "vsock" {
		return vsock.Dial(a.CID, a.Port, nil)
	}
	var d net.Dialer
	return d.DialContext(ctx, a.Network, a.Addr)
}

// Listen opens a listener on a.
func (a Address) Listen() (net.Listener, error) {
	if a.Network == "vsock" {
		return vsock.Listen(a.Port, nil)
	}
	return net.Listen(a.Network, a.Addr)
}
