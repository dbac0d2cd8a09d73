package security

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Resolver looks up a host. net.DefaultResolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// URLPolicy decides which alert webhook endpoints the service may call.
type URLPolicy struct {
	// AllowPrivate admits loopback and private targets (local development).
	AllowPrivate bool
	// RequireHTTPS rejects plain http endpoints.
	RequireHTTPS bool
	Resolver     Resolver
}

// ProductionPolicy rejects plain http and internal addresses.
func ProductionPolicy() URLPolicy {
	return URLPolicy{RequireHTTPS: true, Resolver: net.DefaultResolver}
}

// DevelopmentPolicy admits any http(s) endpoint.
func DevelopmentPolicy() URLPolicy {
	return URLPolicy{AllowPrivate: true}
}

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// Check validates rawURL against the policy. Host names are resolved and
// every address must pass.
func (p URLPolicy) Check(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("security: invalid alert url")
	}
	switch u.Scheme {
	case "https":
	case "http":
		if p.RequireHTTPS {
			return fmt.Errorf("security: alert url must use https")
		}
	default:
		return fmt.Errorf("security: alert url scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("security: alert url must have a host")
	}
	if p.AllowPrivate {
		return nil
	}

	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("security: alert url host %q is not allowed", host)
		}
	}
	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}
	if p.Resolver == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	addrs, err := p.Resolver.LookupHost(ctx, host)
	if err != nil {
		return fmt.Errorf("security: cannot resolve alert url host %s", host)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			if err := checkIP(ip); err != nil {
				return fmt.Errorf("security: alert url host %q resolves to blocked address: %w", host, err)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback addresses are not allowed")
	case ip.IsPrivate():
		return fmt.Errorf("private addresses are not allowed")
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local addresses are not allowed")
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified addresses are not allowed")
	}
	return nil
}
