package utils

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
)

const maxFetchRedirects = 5

var (
	// ErrDisallowedAddress is returned when a fetch would reach a loopback, private or link-local address.
	ErrDisallowedAddress = errors.New("address not allowed")
	// ErrInvalidFetchURL is returned for anything but an absolute http(s) URL.
	ErrInvalidFetchURL = errors.New("must be an absolute http(s) URL")
)

// AllowIP decides which addresses server-side fetches may reach.
type AllowIP func(ip net.IP) bool

var sharedAddressSpace = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

// PublicIP reports whether ip is a globally routable unicast address.
func PublicIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() || ip.IsMulticast() {
		return false
	}
	if ip4 := ip.To4(); ip4 != nil {
		if ip4[0] == 0 || ip4.Equal(net.IPv4bcast) || sharedAddressSpace.Contains(ip4) {
			return false
		}
	}
	return true
}

// CheckFetchURL validates raw without resolving DNS: the scheme must be http(s), an IP literal
// host must pass allow, and localhost names are refused. Resolved addresses are checked at dial
// time by NewFetchClient.
func CheckFetchURL(raw string, allow AllowIP) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return ErrInvalidFetchURL
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if ip := net.ParseIP(host); ip != nil {
		if !allow(ip) {
			return fmt.Errorf("%w: %s", ErrDisallowedAddress, ip)
		}
		return nil
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("%w: %s", ErrDisallowedAddress, host)
	}
	return nil
}

// NewFetchClient returns an HTTP client for user supplied URLs. Every connection, redirects
// included, is checked against allow after DNS resolution.
func NewFetchClient(timeout time.Duration, allow AllowIP) *http.Client {
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			if ip := net.ParseIP(host); ip == nil || !allow(ip) {
				return fmt.Errorf("%w: %s", ErrDisallowedAddress, host)
			}
			return nil
		},
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxFetchRedirects {
				return fmt.Errorf("stopped after %d redirects", maxFetchRedirects)
			}
			return CheckFetchURL(req.URL.String(), allow)
		},
	}
}
