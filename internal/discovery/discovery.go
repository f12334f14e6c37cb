// Package discovery finds sync servers on the local network over mDNS.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/golang/glog"
	"github.com/grandcat/zeroconf"
)

const (
	Service = "_docsync._tcp"
	Domain  = "local."
)

// Endpoint is a server found on the network.
type Endpoint struct {
	Instance string
	Host     string
	Port     int
	// Path of the sync endpoint, from the service TXT record.
	Path string
}

// URL is the websocket address of the endpoint's sync route.
func (e Endpoint) URL() string {
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(e.Host, fmt.Sprint(e.Port)), e.Path)
}

// Advertise registers the server until the returned shutdown is called.
func Advertise(port int, path string) (shutdown func(), err error) {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("docsync-%s", host),
		Service,
		Domain,
		port,
		[]string{"txtv=1", "path=" + path},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	glog.Infof("[discovery]advertising %s on port %d\n", Service, port)
	return server.Shutdown, nil
}

// Browse collects servers until ctx is done.
func Browse(ctx context.Context) ([]Endpoint, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan []Endpoint, 1)
	go func() {
		var out []Endpoint
		defer func() { found <- out }()
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if e, ok := endpoint(entry); ok {
					glog.V(1).Infof("[discovery]found %s at %s\n", e.Instance, e.URL())
					out = append(out, e)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}
	return <-found, nil
}

func endpoint(entry *zeroconf.ServiceEntry) (Endpoint, bool) {
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	default:
		return Endpoint{}, false
	}
	e := Endpoint{
		Instance: entry.Instance,
		Host:     host,
		Port:     entry.Port,
		Path:     "/sync",
	}
	for _, txt := range entry.Text {
		if v, ok := strings.CutPrefix(txt, "path="); ok && v != "" {
			e.Path = v
		}
	}
	return e, true
}
