package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"

	"meshlink/internal/mesh"
	"meshlink/internal/store"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_meshlink._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."

	defaultSignal = 100
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSConfig controls browsing and advertising.
type MDNSConfig struct {
	Service string
	Domain  string

	// SelfID is skipped when it shows up in browse results.
	SelfID string

	// OnPeer receives the id and "host:port" of every browsed device.
	OnPeer func(id, addr string)

	registerFn registerFunc
	browseFn   browseFunc
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

// MDNS is a device source backed by zeroconf browsing.
type MDNS struct {
	cfg    MDNSConfig
	logger *slog.Logger
}

func NewMDNS(cfg MDNSConfig, logger *slog.Logger) *MDNS {
	return &MDNS{cfg: cfg.withDefaults(), logger: logger.With("component", "mdns")}
}

// Reachable browses until ctx ends and returns every device seen.
func (m *MDNS) Reachable(ctx context.Context) ([]mesh.Candidate, error) {
	entries := make(chan *zeroconf.ServiceEntry, 32)
	found := make(map[string]mesh.Candidate)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				c, addr, ok := parseEntry(entry, m.cfg.SelfID)
				if !ok {
					continue
				}
				found[c.ID] = c
				if addr != "" && m.cfg.OnPeer != nil {
					m.cfg.OnPeer(c.ID, addr)
				}
			}
		}
	}()

	if err := m.browse(ctx, entries); err != nil {
		return nil, err
	}
	<-ctx.Done()
	<-collectorDone

	out := make([]mesh.Candidate, 0, len(found))
	for _, c := range found {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	m.logger.Debug("mdns browse complete", "found", len(out))
	return out, nil
}

func (m *MDNS) browse(ctx context.Context, entries chan *zeroconf.ServiceEntry) error {
	if m.cfg.browseFn != nil {
		return m.cfg.browseFn(ctx, m.cfg.Service, m.cfg.Domain, entries)
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("create mDNS resolver: %w", err)
	}
	if err := resolver.Browse(ctx, m.cfg.Service, m.cfg.Domain, entries); err != nil {
		return fmt.Errorf("browse %s: %w", m.cfg.Service, err)
	}
	return nil
}

// Advertisement is a running mDNS registration.
type Advertisement struct {
	server *zeroconf.Server
}

// Advertise registers the local node so peers can find it.
func (m *MDNS) Advertise(id string, typ store.DeviceType, port int) (*Advertisement, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("advertise: device id is required")
	}
	if port <= 0 {
		return nil, errors.New("advertise: port must be > 0")
	}
	txt := []string{
		"id=" + id,
		"type=" + string(typ),
		"signal=" + strconv.Itoa(defaultSignal),
	}
	server, err := m.cfg.registerFn(id, m.cfg.Service, m.cfg.Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	m.logger.Info("advertising", "id", id, "service", m.cfg.Service, "port", port)
	return &Advertisement{server: server}, nil
}

// Stop withdraws the registration.
func (a *Advertisement) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

func parseEntry(entry *zeroconf.ServiceEntry, selfID string) (mesh.Candidate, string, bool) {
	txt := txtToMap(entry.Text)

	id := strings.TrimSpace(txt["id"])
	if id == "" || id == selfID {
		return mesh.Candidate{}, "", false
	}

	typ := store.DeviceType(txt["type"])
	if !typ.Valid() {
		typ = store.DeviceNode
	}
	signal := defaultSignal
	if raw := txt["signal"]; raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			signal = min(max(v, 0), 100)
		}
	}

	var addr string
	if entry.Port > 0 {
		ips := append(append([]net.IP{}, entry.AddrIPv4...), entry.AddrIPv6...)
		for _, ip := range ips {
			if ip != nil {
				addr = net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port))
				break
			}
		}
	}

	return mesh.Candidate{ID: id, Type: typ, Signal: signal}, addr, true
}

func txtToMap(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, rec := range records {
		k, v, ok := strings.Cut(rec, "=")
		if !ok {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return out
}
