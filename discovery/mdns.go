package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_meshbridge._udp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 3 * time.Second
	// DefaultPort is advertised when the node has no listening port of its own.
	DefaultPort = 7947
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSConfig controls mDNS presence advertisement and browsing.
type MDNSConfig struct {
	Service     string
	Domain      string
	Version     int
	ScanTimeout time.Duration

	SelfID         string
	Name           string
	Address        string
	Port           int
	IsRelay        bool
	SignalStrength int

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
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Port <= 0 {
		out.Port = DefaultPort
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c MDNSConfig) validateForBroadcast() error {
	if strings.TrimSpace(c.SelfID) == "" {
		return errors.New("self node ID is required")
	}
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("node name is required")
	}
	if strings.TrimSpace(c.Address) == "" {
		return errors.New("mesh address is required")
	}
	return nil
}

// Broadcaster advertises local node presence via mDNS.
type Broadcaster struct {
	server   *zeroconf.Server
	stopOnce sync.Once
}

// StartBroadcaster registers and starts mDNS advertisement.
func StartBroadcaster(config MDNSConfig) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(cfg.Name, cfg.Service, cfg.Domain, cfg.Port, buildTXT(cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Broadcaster{server: server}, nil
}

// Stop stops mDNS advertisement.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.stopOnce.Do(b.server.Shutdown)
}

func buildTXT(cfg MDNSConfig) []string {
	return []string{
		"node_id=" + cfg.SelfID,
		"address=" + cfg.Address,
		"relay=" + strconv.FormatBool(cfg.IsRelay),
		"rssi=" + strconv.Itoa(cfg.SignalStrength),
		"version=" + strconv.Itoa(cfg.Version),
	}
}

// MDNSSource observes neighbors advertising the mesh service over mDNS.
type MDNSSource struct {
	cfg    MDNSConfig
	browse browseFunc
}

// NewMDNSSource builds a source backed by a zeroconf resolver.
func NewMDNSSource(config MDNSConfig) (*MDNSSource, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.SelfID) == "" {
		return nil, errors.New("self node ID is required")
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}
	return &MDNSSource{cfg: cfg, browse: browse}, nil
}

// Observe browses for one scan window and returns what answered.
func (s *MDNSSource) Observe(ctx context.Context) ([]Observation, error) {
	scanCtx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Observation)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				obs, ok := parseEntry(entry, s.cfg.SelfID)
				if !ok {
					continue
				}
				collected[obs.ID] = obs
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		cancel()
		<-collectorDone
		return nil, fmt.Errorf("browse mDNS: %w", err)
	}

	<-scanCtx.Done()
	<-collectorDone

	// The caller's context ending is a real cancellation, not the end of a scan window.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]Observation, 0, len(collected))
	for _, obs := range collected {
		out = append(out, obs)
	}
	return out, nil
}

func parseEntry(entry *zeroconf.ServiceEntry, selfID string) (Observation, bool) {
	txt := txtToMap(entry.Text)

	nodeID := strings.TrimSpace(txt["node_id"])
	address := strings.TrimSpace(txt["address"])
	if nodeID == "" || nodeID == selfID || address == "" {
		return Observation{}, false
	}

	rssi := 0
	if raw := txt["rssi"]; raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			rssi = parsed
		}
	}
	relay := true
	if raw := txt["relay"]; raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			relay = parsed
		}
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = nodeID
	}

	return Observation{
		ID:             nodeID,
		Name:           name,
		Address:        address,
		SignalStrength: rssi,
		IsRelay:        relay,
	}, true
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
