package discovery

import (
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/tliron/commonlog"
)

const ServiceType = "_ptseq._tcp"

var log = commonlog.GetLogger("ptseq.discovery")

// Relay is a relay found on the local network.
type Relay struct {
	Name string
	Addr string // host:port
}

// URL is the websocket endpoint of the relay.
func (r Relay) URL() string {
	return "ws://" + r.Addr + "/ws"
}

type Advertiser struct {
	server *mdns.Server
}

func newService(name string, port int, host string, ips []net.IP) (*mdns.MDNSService, error) {
	if name == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %w", err)
		}
		name = h
	}
	service, err := mdns.NewMDNSService(name, ServiceType, "", host, port, ips, []string{"ptseq relay"})
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS service: %w", err)
	}
	return service, nil
}

// Advertise announces a relay listening on port until Shutdown. An empty
// name uses the host name.
func Advertise(name string, port int) (*Advertiser, error) {
	service, err := newService(name, port, "", nil)
	if err != nil {
		return nil, err
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("failed to start mDNS server: %w", err)
	}
	log.Infof("advertising %s as %q on port %d", ServiceType, service.Instance, port)
	return &Advertiser{server: server}, nil
}

func (a *Advertiser) Shutdown() error {
	return a.server.Shutdown()
}

// Browse looks for relays for timeout and returns what answered, each
// address at most once.
func Browse(timeout time.Duration) ([]Relay, error) {
	entries := make(chan *mdns.ServiceEntry, 8)
	var (
		relays []Relay
		wg     sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		seen := make(map[string]bool)
		for e := range entries {
			if r, ok := relayFromEntry(e); ok && !seen[r.Addr] {
				seen[r.Addr] = true
				relays = append(relays, r)
			}
		}
	}()

	params := mdns.DefaultParams(ServiceType)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true
	err := mdns.Query(params)
	close(entries)
	wg.Wait()
	if err != nil {
		return relays, fmt.Errorf("mdns query: %w", err)
	}
	return relays, nil
}

func relayFromEntry(e *mdns.ServiceEntry) (Relay, bool) {
	if e.AddrV4 == nil || e.Port == 0 {
		return Relay{}, false
	}
	if !strings.Contains(e.Name, ServiceType) {
		return Relay{}, false
	}
	name := strings.TrimSuffix(e.Name, "."+ServiceType+".local.")
	return Relay{
		Name: name,
		Addr: fmt.Sprintf("%s:%d", e.AddrV4.String(), e.Port),
	}, true
}
