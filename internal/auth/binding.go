package auth

import (
	"net"
	"net/http"
	"strings"
)

// Binding decides what a session token is tied to and whether a later
// request may present it.
type Binding interface {
	Key(r *http.Request) string
	Match(bound, presented string) bool
}

// IPBinding ties a session to the client address. Loopback addresses
// (127.0.0.0/8, ::1, "localhost") are treated as one client.
type IPBinding struct{}

func (IPBinding) Key(r *http.Request) string {
	return ClientIP(r.RemoteAddr)
}

func (IPBinding) Match(bound, presented string) bool {
	if bound == presented {
		return true
	}
	return isLoopback(bound) && isLoopback(presented)
}

// NoBinding accepts a token from anywhere.
type NoBinding struct{}

func (NoBinding) Key(*http.Request) string  { return "" }
func (NoBinding) Match(string, string) bool { return true }

// BindingFor maps a config value to a Binding. Unknown names fall back to
// IP binding.
func BindingFor(name string) Binding {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "none", "off":
		return NoBinding{}
	default:
		return IPBinding{}
	}
}

// ClientIP strips the port from a RemoteAddr value.
func ClientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(remoteAddr))
	if err != nil {
		return strings.Trim(strings.TrimSpace(remoteAddr), "[]")
	}
	return host
}

func isLoopback(addr string) bool {
	if strings.EqualFold(addr, "localhost") {
		return true
	}
	ip := net.ParseIP(addr)
	return ip != nil && ip.IsLoopback()
}
