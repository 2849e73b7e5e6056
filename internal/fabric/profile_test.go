package fabric

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadProfileEndpointsAndTLS(t *testing.T) {
	body := `{
		"name": "ibn-network",
		"peers": {
			"peer0.org1": {"url": "grpcs://peer0.org1:7051", "tlsCACerts": {"pem": "-----BEGIN CERTIFICATE-----"}},
			"peer1.org1": {"url": "grpc://peer1.org1:8051"}
		}
	}`
	path := filepath.Join(t.TempDir(), "profile.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write profile failed: %v", err)
	}

	p, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	endpoints := p.PeerEndpoints()
	if len(endpoints) != 2 || endpoints[0] != "peer0.org1:7051" || endpoints[1] != "peer1.org1:8051" {
		t.Fatalf("unexpected endpoints: %v", endpoints)
	}
	if pem := p.TLSRootPEM(); string(pem) != "-----BEGIN CERTIFICATE-----" {
		t.Fatalf("unexpected TLS root: %q", pem)
	}
}

func TestLoadProfileRejectsEmptyPeers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.json")
	if err := os.WriteFile(path, []byte(`{"name": "x"}`), 0o600); err != nil {
		t.Fatalf("write profile failed: %v", err)
	}
	if _, err := LoadProfile(path); err == nil {
		t.Fatal("expected error for profile without peers")
	}
}
