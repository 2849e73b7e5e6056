package fabric

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Profile is the subset of a Fabric connection profile the gateway needs:
// peer endpoints and their TLS roots.
type Profile struct {
	Name  string                 `json:"name"`
	Peers map[string]profilePeer `json:"peers"`
}

type profilePeer struct {
	URL        string `json:"url"`
	TLSCACerts struct {
		PEM string `json:"pem"`
	} `json:"tlsCACerts"`
}

func LoadProfile(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse connection profile: %w", err)
	}
	if len(p.Peers) == 0 {
		return nil, fmt.Errorf("connection profile %s lists no peers", path)
	}
	return &p, nil
}

// PeerEndpoints returns host:port targets in stable order, with any
// grpc:// or grpcs:// scheme stripped.
func (p *Profile) PeerEndpoints() []string {
	names := make([]string, 0, len(p.Peers))
	for name := range p.Peers {
		names = append(names, name)
	}
	sort.Strings(names)

	endpoints := make([]string, 0, len(names))
	for _, name := range names {
		url := strings.TrimSpace(p.Peers[name].URL)
		url = strings.TrimPrefix(url, "grpcs://")
		url = strings.TrimPrefix(url, "grpc://")
		if url != "" {
			endpoints = append(endpoints, url)
		}
	}
	return endpoints
}

// TLSRootPEM returns the first TLS CA certificate found, or nil when the
// profile describes a plaintext network.
func (p *Profile) TLSRootPEM() []byte {
	names := make([]string, 0, len(p.Peers))
	for name := range p.Peers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if pem := strings.TrimSpace(p.Peers[name].TLSCACerts.PEM); pem != "" {
			return []byte(pem)
		}
	}
	return nil
}
