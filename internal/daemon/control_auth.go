package daemon

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// TrustedAccess restricts the v1 API to loopback clients and the trusted
// addresses given on the command line. /healthz is always served.
type TrustedAccess struct {
	allow []*net.IPNet
}

// NewTrustedAccess parses a comma separated list of IPs or CIDRs. An empty
// list trusts loopback only.
func NewTrustedAccess(trusted string) (*TrustedAccess, error) {
	var values []string
	for _, raw := range strings.Split(trusted, ",") {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		if !strings.Contains(value, "/") {
			ip := net.ParseIP(value)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted address %q", value)
			}
			if ip.To4() != nil {
				value += "/32"
			} else {
				value += "/128"
			}
		}
		values = append(values, value)
	}
	nets, err := parseCIDRList(values)
	if err != nil {
		return nil, fmt.Errorf("invalid trusted address: %w", err)
	}
	return &TrustedAccess{allow: nets}, nil
}

// Wrap returns a handler that rejects untrusted remotes for /v1/* requests.
func (a *TrustedAccess) Wrap(next http.Handler) http.Handler {
	if a == nil || next == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path != "/v1" && !strings.HasPrefix(path, "/v1/") {
			next.ServeHTTP(w, r)
			return
		}
		if !a.Allowed(r.RemoteAddr) {
			writeError(w, http.StatusForbidden, "remote address not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allowed reports whether remoteAddr may use the API.
func (a *TrustedAccess) Allowed(remoteAddr string) bool {
	ip := parseRemoteIP(remoteAddr)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || a == nil {
		return true
	}
	for _, cidr := range a.allow {
		if cidr != nil && cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func parseRemoteIP(remoteAddr string) net.IP {
	remoteAddr = strings.TrimSpace(remoteAddr)
	if remoteAddr == "" {
		return nil
	}
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if idx := strings.LastIndex(host, "%"); idx >= 0 {
		host = host[:idx]
	}
	return net.ParseIP(host)
}

func parseCIDRList(values []string) ([]*net.IPNet, error) {
	if len(values) == 0 {
		return nil, nil
	}
	result := make([]*net.IPNet, 0, len(values))
	for _, raw := range values {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		_, cidr, err := net.ParseCIDR(value)
		if err != nil {
			return nil, err
		}
		result = append(result, cidr)
	}
	return result, nil
}
