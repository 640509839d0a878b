// Package discovery locates a widget API backend advertised over mDNS on the
// local network.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_widgetchat._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultScanTimeout bounds one browse.
	DefaultScanTimeout = 3 * time.Second
)

// ErrNoEndpoint is returned when no backend answered before the scan ended.
var ErrNoEndpoint = errors.New("discovery: no widget endpoint found")

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls endpoint resolution.
type Config struct {
	Service     string
	Domain      string
	ScanTimeout time.Duration

	browseFn browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	return out
}

// Endpoint is an advertised widget API backend.
type Endpoint struct {
	Instance string
	Host     string
	Port     int
	Scheme   string
	// Path is an optional base path from the TXT record.
	Path string
}

// BaseURL returns the API base URL for the endpoint.
func (e Endpoint) BaseURL() string {
	scheme := e.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port)) + e.Path
}

// ResolveEndpoint browses for the configured service and returns the first
// usable answer.
func ResolveEndpoint(ctx context.Context, config Config) (Endpoint, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return Endpoint{}, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	found := make(chan Endpoint, 1)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				endpoint, ok := parseEntry(entry)
				if !ok {
					continue
				}
				found <- endpoint
				cancel()
				return
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		cancel()
		<-collectorDone
		return Endpoint{}, fmt.Errorf("browse %s: %w", cfg.Service, err)
	}

	<-scanCtx.Done()
	<-collectorDone

	select {
	case endpoint := <-found:
		return endpoint, nil
	default:
	}
	if err := ctx.Err(); err != nil {
		return Endpoint{}, err
	}
	return Endpoint{}, ErrNoEndpoint
}

func parseEntry(entry *zeroconf.ServiceEntry) (Endpoint, bool) {
	if entry.Port <= 0 {
		return Endpoint{}, false
	}
	txt := txtToMap(entry.Text)

	host := firstAddress(entry)
	if host == "" {
		host = strings.TrimSuffix(strings.TrimSpace(entry.HostName), ".")
	}
	if host == "" {
		return Endpoint{}, false
	}

	scheme := strings.ToLower(txt["scheme"])
	if scheme != "https" {
		scheme = "http"
	}

	path := txt["path"]
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	return Endpoint{
		Instance: strings.TrimSpace(entry.Instance),
		Host:     host,
		Port:     entry.Port,
		Scheme:   scheme,
		Path:     strings.TrimSuffix(path, "/"),
	}, true
}

// firstAddress prefers IPv4 and sorts for a stable choice.
func firstAddress(entry *zeroconf.ServiceEntry) string {
	for _, group := range [][]net.IP{entry.AddrIPv4, entry.AddrIPv6} {
		addresses := make([]string, 0, len(group))
		for _, ip := range group {
			if ip == nil {
				continue
			}
			addresses = append(addresses, ip.String())
		}
		if len(addresses) > 0 {
			sort.Strings(addresses)
			return addresses[0]
		}
	}
	return ""
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
