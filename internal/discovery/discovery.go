package discovery

import (
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/mdns"
)

var ServiceTimeout = errors.New("no mdns answer before timeout")

type (
	Resolver struct {
		timeout time.Duration
		lookup  func(*mdns.QueryParam) error
		logger  *log.Logger
	}

	Service struct {
		Name string
		Host string
		Port int
	}
)

func New(timeout time.Duration, logger *log.Logger) Resolver {
	return Resolver{
		timeout: timeout,
		lookup:  mdns.Query,
		logger:  logger,
	}
}

// Discover asks the local network for instances of service (for example
// "_mysql._tcp") and returns the first one that answered with an address.
func (r Resolver) Discover(service string) (Service, error) {
	entries := make(chan *mdns.ServiceEntry, 16)
	found := make(chan Service, 1)

	go func() {
		defer close(found)
		for entry := range entries {
			if entry == nil {
				continue
			}
			r.logger.Debug("mDNS answer", "name", entry.Name, "host", entry.Host, "port", entry.Port)
			svc, ok := fromEntry(entry)
			if !ok {
				continue
			}
			select {
			case found <- svc:
			default:
			}
		}
	}()

	params := mdns.DefaultParams(service)
	params.Entries = entries
	params.Timeout = r.timeout

	r.logger.Info("Looking up service", "service", service)
	err := r.lookup(params)
	close(entries)

	svc, ok := <-found
	if err != nil {
		return Service{}, err
	}
	if !ok {
		return Service{}, ServiceTimeout
	}
	return svc, nil
}

func fromEntry(entry *mdns.ServiceEntry) (Service, bool) {
	if entry.Port == 0 {
		return Service{}, false
	}

	svc := Service{Name: entry.Name, Port: entry.Port}
	switch {
	case entry.AddrV4 != nil:
		svc.Host = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		svc.Host = entry.AddrV6.String()
	case entry.Host != "":
		svc.Host = entry.Host
	default:
		return Service{}, false
	}
	return svc, true
}
