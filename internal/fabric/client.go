package fabric

import (
	"context"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperledger/fabric-gateway/pkg/client"
	"github.com/hyperledger/fabric-gateway/pkg/identity"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Credentials hold the PEM material one identity signs with.
type Credentials struct {
	MSPID       string
	Certificate []byte
	PrivateKey  []byte
}

// IdentityProvider resolves signing credentials for a user id. The Resolver
// satisfies it; a nil provider pins every invocation to the gateway identity.
type IdentityProvider interface {
	Resolve(ctx context.Context, userID string) (Credentials, error)
}

// LoadMSPCredentials reads an identity from a Fabric MSP directory layout
// (signcerts/ and keystore/ each holding a single PEM file).
func LoadMSPCredentials(mspDir, mspID string) (Credentials, error) {
	cert, err := readSinglePEM(filepath.Join(mspDir, "signcerts"))
	if err != nil {
		return Credentials{}, fmt.Errorf("read signcert: %w", err)
	}
	key, err := readSinglePEM(filepath.Join(mspDir, "keystore"))
	if err != nil {
		return Credentials{}, fmt.Errorf("read keystore: %w", err)
	}
	return Credentials{MSPID: mspID, Certificate: cert, PrivateKey: key}, nil
}

func readSinglePEM(dir string) ([]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		return os.ReadFile(filepath.Join(dir, e.Name()))
	}
	return nil, fmt.Errorf("no PEM file in %s", dir)
}

// GatewayConnector dials Fabric gateway sessions over gRPC. The gateway
// identity signs by default; when an IdentityProvider is configured, sessions
// build additional per-user gateways over the same gRPC connection so callers
// sign with their own credentials. Peer endpoints are used round-robin.
type GatewayConnector struct {
	endpoints  []string
	tlsRootPEM []byte
	creds      Credentials
	identities IdentityProvider
	next       atomic.Uint64

	evaluateTimeout     time.Duration
	endorseTimeout      time.Duration
	submitTimeout       time.Duration
	commitStatusTimeout time.Duration
}

func NewGatewayConnector(endpoints []string, tlsRootPEM []byte, creds Credentials, identities IdentityProvider) *GatewayConnector {
	return &GatewayConnector{
		endpoints:           endpoints,
		tlsRootPEM:          tlsRootPEM,
		creds:               creds,
		identities:          identities,
		evaluateTimeout:     5 * time.Second,
		endorseTimeout:      15 * time.Second,
		submitTimeout:       5 * time.Second,
		commitStatusTimeout: time.Minute,
	}
}

func (c *GatewayConnector) Connect(ctx context.Context, channel string) (Session, error) {
	if len(c.endpoints) == 0 {
		return nil, fmt.Errorf("%w: no peer endpoints configured", ErrConnectionFailed)
	}
	endpoint := c.endpoints[c.next.Add(1)%uint64(len(c.endpoints))]

	transport := insecure.NewCredentials()
	if len(c.tlsRootPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(c.tlsRootPEM) {
			return nil, fmt.Errorf("%w: invalid TLS root certificate", ErrConnectionFailed)
		}
		transport = credentials.NewClientTLSFromCert(pool, "")
	}
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(transport))
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnectionFailed, endpoint, err)
	}

	gw, err := c.connectGateway(conn, c.creds)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return &gatewaySession{
		conn:       conn,
		channel:    channel,
		connector:  c,
		identities: c.identities,
		gateways:   map[string]*client.Gateway{"": gw},
	}, nil
}

// connectGateway builds a signing gateway client on top of an existing gRPC
// connection.
func (c *GatewayConnector) connectGateway(conn *grpc.ClientConn, creds Credentials) (*client.Gateway, error) {
	cert, err := identity.CertificateFromPEM(creds.Certificate)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	id, err := identity.NewX509Identity(creds.MSPID, cert)
	if err != nil {
		return nil, fmt.Errorf("build identity: %w", err)
	}
	key, err := identity.PrivateKeyFromPEM(creds.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	sign, err := identity.NewPrivateKeySign(key)
	if err != nil {
		return nil, fmt.Errorf("build signer: %w", err)
	}
	return client.Connect(id,
		client.WithSign(sign),
		client.WithClientConnection(conn),
		client.WithEvaluateTimeout(c.evaluateTimeout),
		client.WithEndorseTimeout(c.endorseTimeout),
		client.WithSubmitTimeout(c.submitTimeout),
		client.WithCommitStatusTimeout(c.commitStatusTimeout),
	)
}

type gatewaySession struct {
	conn       *grpc.ClientConn
	channel    string
	connector  *GatewayConnector
	identities IdentityProvider

	mu       sync.Mutex
	gateways map[string]*client.Gateway
}

func (s *gatewaySession) Submit(ctx context.Context, inv Invocation) ([]byte, error) {
	contract, err := s.contract(ctx, inv)
	if err != nil {
		return nil, err
	}
	proposal, err := contract.NewProposal(inv.Function, client.WithArguments(inv.Args...))
	if err != nil {
		return nil, err
	}
	txn, err := proposal.EndorseWithContext(ctx)
	if err != nil {
		return nil, err
	}
	commit, err := txn.SubmitWithContext(ctx)
	if err != nil {
		return nil, err
	}
	status, err := commit.StatusWithContext(ctx)
	if err != nil {
		return nil, err
	}
	if !status.Successful {
		return nil, fmt.Errorf("transaction %s failed with validation code %s", status.TransactionID, peer.TxValidationCode_name[int32(status.Code)])
	}
	return txn.Result(), nil
}

func (s *gatewaySession) Evaluate(ctx context.Context, inv Invocation) ([]byte, error) {
	contract, err := s.contract(ctx, inv)
	if err != nil {
		return nil, err
	}
	proposal, err := contract.NewProposal(inv.Function, client.WithArguments(inv.Args...))
	if err != nil {
		return nil, err
	}
	return proposal.EvaluateWithContext(ctx)
}

func (s *gatewaySession) contract(ctx context.Context, inv Invocation) (*client.Contract, error) {
	gw, err := s.gatewayFor(ctx, inv.UserID)
	if err != nil {
		return nil, err
	}
	channel := inv.Channel
	if channel == "" {
		channel = s.channel
	}
	return gw.GetNetwork(channel).GetContract(inv.Chaincode), nil
}

// gatewayFor returns the gateway signing as the given user, building and
// caching one per user over the shared gRPC connection. Without an identity
// provider every call signs as the gateway.
func (s *gatewaySession) gatewayFor(ctx context.Context, userID string) (*client.Gateway, error) {
	key := userID
	if s.identities == nil {
		key = ""
	}
	s.mu.Lock()
	if gw, ok := s.gateways[key]; ok {
		s.mu.Unlock()
		return gw, nil
	}
	s.mu.Unlock()

	creds, err := s.identities.Resolve(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve identity for %s: %w", userID, err)
	}
	gw, err := s.connector.connectGateway(s.conn, creds)
	if err != nil {
		return nil, fmt.Errorf("build gateway for %s: %w", userID, err)
	}

	s.mu.Lock()
	if existing, ok := s.gateways[key]; ok {
		s.mu.Unlock()
		gw.Close()
		return existing, nil
	}
	s.gateways[key] = gw
	s.mu.Unlock()
	return gw, nil
}

func (s *gatewaySession) Ping(ctx context.Context) error {
	switch state := s.conn.GetState(); state {
	case connectivity.Shutdown, connectivity.TransientFailure:
		return fmt.Errorf("%w: transport state %s", ErrConnectionFailed, state)
	default:
		return nil
	}
}

func (s *gatewaySession) Close() error {
	s.mu.Lock()
	gateways := s.gateways
	s.gateways = nil
	s.mu.Unlock()
	for _, gw := range gateways {
		gw.Close()
	}
	return s.conn.Close()
}
