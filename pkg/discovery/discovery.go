// Package discovery announces a relay on the local network over mDNS and lets
// participants find it.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const domain = "local."

var ErrNotFound = errors.New("no relay found")

// Advertise registers the relay listening on port under service. The returned
// function withdraws the announcement.
func Advertise(service string, port int, txt ...string) (func(), error) {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("%s-%s", "lottiesync", host),
		service,
		domain,
		port,
		append([]string{"txtv=0"}, txt...),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}
	return server.Shutdown, nil
}

// Discover browses for service until the first relay answers or ctx is done,
// and returns its websocket base url.
func Discover(ctx context.Context, service string) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("failed to initialize mDNS resolver: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return "", fmt.Errorf("failed to browse for mDNS services: %w", err)
	}
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			if url, ok := entryURL(entry); ok {
				return url, nil
			}
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrNotFound, ctx.Err())
		}
	}
}

func entryURL(entry *zeroconf.ServiceEntry) (string, bool) {
	if entry == nil || entry.Port == 0 {
		return "", false
	}
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	case entry.HostName != "":
		host = strings.TrimSuffix(entry.HostName, ".")
	default:
		return "", false
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(entry.Port)), true
}
