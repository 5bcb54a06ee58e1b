package discovery

import (
	"context"
	"sync"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"
)

// mdnsService is the Bonjour service type fleet devices announce.
const mdnsService = "_axis-video._tcp"

// mdnsProbe discovers devices announcing the vendor video service over
// mDNS/Bonjour.
type mdnsProbe struct {
	logger *zap.Logger

	// query is swappable for tests; defaults to mdns.Query.
	query func(*mdns.QueryParam) error
}

func newMDNSProbe(logger *zap.Logger) *mdnsProbe {
	return &mdnsProbe{logger: logger, query: mdns.Query}
}

func (p *mdnsProbe) Name() string { return "mdns" }

// Probe queries the vendor service type for the probe window and returns the
// IPv4 addresses of every responder.
func (p *mdnsProbe) Probe(ctx context.Context) ([]string, error) {
	entries := make(chan *mdns.ServiceEntry, 16)

	seen := make(map[string]struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			if ip := entryIP(entry); ip != "" {
				if _, dup := seen[ip]; !dup {
					seen[ip] = struct{}{}
					p.logger.Info("mdns device responded",
						zap.String("ip", ip),
						zap.String("host", entry.Host),
					)
				}
			}
		}
	}()

	params := mdns.DefaultParams(mdnsService)
	params.Timeout = probeWindow
	params.Entries = entries
	params.DisableIPv6 = true // Fleet devices announce on IPv4.

	err := p.query(params)
	close(entries)
	wg.Wait()

	ips := make([]string, 0, len(seen))
	for ip := range seen {
		ips = append(ips, ip)
	}
	return ips, err
}

func entryIP(entry *mdns.ServiceEntry) string {
	if entry == nil {
		return ""
	}
	if entry.AddrV4 != nil && !entry.AddrV4.IsUnspecified() {
		return entry.AddrV4.String()
	}
	if entry.Addr != nil && entry.Addr.To4() != nil && !entry.Addr.IsUnspecified() {
		return entry.Addr.String()
	}
	return ""
}
