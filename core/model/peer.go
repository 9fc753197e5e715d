package model

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

var (
	ErrInvalidPeerURL = errors.New("invalid peer url")
)

// Peer is one node of the remote cluster.
type Peer struct {
	Hostname string `json:"hostname"`
	HTTPPort int    `json:"httpPort"`
	RawPort  int    `json:"rawPort"`
	Secure   bool   `json:"secure"`

	// Load is the number of units queued at the peer as last reported.
	Load int64 `json:"load"`
	// LastFailure is the unix millis of the last failed attempt, 0 if never.
	LastFailure int64 `json:"lastFailure"`
}

// PeerFromURL builds a peer from a bootstrap url such as https://host:8443/nifi.
func PeerFromURL(raw string) (Peer, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Peer{}, fmt.Errorf("%w: %v", ErrInvalidPeerURL, err)
	}

	var secure bool
	switch strings.ToLower(u.Scheme) {
	case "http":
	case "https":
		secure = true
	default:
		return Peer{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidPeerURL, u.Scheme)
	}

	if u.Hostname() == "" {
		return Peer{}, fmt.Errorf("%w: missing host in %q", ErrInvalidPeerURL, raw)
	}

	port := 80
	if secure {
		port = 443
	}

	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return Peer{}, fmt.Errorf("%w: bad port %q", ErrInvalidPeerURL, p)
		}
	}

	return Peer{Hostname: u.Hostname(), HTTPPort: port, Secure: secure}, nil
}

// SameNode reports whether both peers identify the same endpoint, ignoring
// health fields.
func (p Peer) SameNode(o Peer) bool {
	return p.Hostname == o.Hostname &&
		p.HTTPPort == o.HTTPPort &&
		p.RawPort == o.RawPort &&
		p.Secure == o.Secure
}

// Compare orders peers by (LastFailure, Load, Hostname, HTTPPort, RawPort,
// Secure). It returns a negative number when p sorts before o, zero when they
// are equal and a positive number otherwise.
func (p Peer) Compare(o Peer) int {
	if p.LastFailure != o.LastFailure {
		return cmpInt64(p.LastFailure, o.LastFailure)
	}

	if p.Load != o.Load {
		return cmpInt64(p.Load, o.Load)
	}

	if c := strings.Compare(p.Hostname, o.Hostname); c != 0 {
		return c
	}

	if p.HTTPPort != o.HTTPPort {
		return p.HTTPPort - o.HTTPPort
	}

	if p.RawPort != o.RawPort {
		return p.RawPort - o.RawPort
	}

	return boolToInt(p.Secure) - boolToInt(o.Secure)
}

func (p Peer) HTTPAddr() string {
	return net.JoinHostPort(p.Hostname, strconv.Itoa(p.HTTPPort))
}

func (p Peer) RawAddr() string {
	return net.JoinHostPort(p.Hostname, strconv.Itoa(p.RawPort))
}

// BaseURL returns the url under which the peer serves its REST api.
func (p Peer) BaseURL(apiPath string) string {
	scheme := "http"
	if p.Secure {
		scheme = "https"
	}

	return scheme + "://" + p.HTTPAddr() + apiPath
}

func (p Peer) String() string {
	return fmt.Sprintf("%s(http=%d,raw=%d,secure=%t)", p.Hostname, p.HTTPPort, p.RawPort, p.Secure)
}

// PeerDirectoryState is an immutable snapshot of the peers of one cluster.
// Mutations produce a new snapshot.
type PeerDirectoryState struct {
	Cluster string `json:"cluster"`
	Peers   []Peer `json:"peers"`
	// LastRefresh is the unix millis of the last successful refresh, 0 if never.
	LastRefresh int64 `json:"lastRefresh"`
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}

	return 0
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
