// Package discovery advertises relays on the local network over mDNS and
// lets agents find them.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	DefaultService = "_collabtext._tcp"
	DefaultDomain  = "local."
)

// Relay is one relay found on the network.
type Relay struct {
	Instance string
	Host     string
	Port     int
	Text     map[string]string
}

// URL returns the websocket endpoint for documentID.
func (r Relay) URL(documentID string) string {
	host := r.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("ws://%s:%d/ws/%s", host, r.Port, documentID)
}

// Advertise registers the relay listening on port until the returned
// shutdown func is called. An empty instance defaults to the hostname.
func Advertise(instance, service, domain string, port int, text map[string]string) (func(), error) {
	if instance == "" {
		host, _ := os.Hostname()
		instance = "CollabText-" + host
	}
	server, err := zeroconf.Register(instance, orDefault(service, DefaultService), orDefault(domain, DefaultDomain), port, encodeText(text), nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	return server.Shutdown, nil
}

// Browse collects relays until ctx is done.
func Browse(ctx context.Context, service, domain string) ([]Relay, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("init mdns resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan []Relay, 1)
	go func() {
		seen := make(map[string]bool)
		var relays []Relay
		for {
			var e *zeroconf.ServiceEntry
			select {
			case e = <-entries:
			case <-ctx.Done():
				found <- relays
				return
			}
			if e == nil {
				found <- relays
				return
			}
			r, ok := fromEntry(e)
			if !ok || seen[r.Instance] {
				continue
			}
			seen[r.Instance] = true
			relays = append(relays, r)
		}
	}()
	if err := resolver.Browse(ctx, orDefault(service, DefaultService), orDefault(domain, DefaultDomain), entries); err != nil {
		return nil, fmt.Errorf("browse mdns: %w", err)
	}
	<-ctx.Done()
	return <-found, nil
}

func fromEntry(e *zeroconf.ServiceEntry) (Relay, bool) {
	var ip net.IP
	switch {
	case len(e.AddrIPv4) > 0:
		ip = e.AddrIPv4[0]
	case len(e.AddrIPv6) > 0:
		ip = e.AddrIPv6[0]
	default:
		return Relay{}, false
	}
	return Relay{
		Instance: e.Instance,
		Host:     ip.String(),
		Port:     e.Port,
		Text:     decodeText(e.Text),
	}, true
}

func encodeText(text map[string]string) []string {
	out := make([]string, 0, len(text))
	for k, v := range text {
		out = append(out, k+"="+v)
	}
	return out
}

func decodeText(txt []string) map[string]string {
	out := make(map[string]string, len(txt))
	for _, kv := range txt {
		k, v, _ := strings.Cut(kv, "=")
		out[k] = v
	}
	return out
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// PortOf extracts the port of a listen address such as ":8081".
func PortOf(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(p)
}
