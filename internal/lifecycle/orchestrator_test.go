package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"ibn-ledger/gateway/internal/config"
	"ibn-ledger/gateway/pkg/models"
)

// fakePeer scripts one response per lifecycle verb and records every
// invocation so tests can assert the exact CLI grammar.
type fakePeer struct {
	mu       sync.Mutex
	calls    [][]string
	envs     [][]string
	results  map[string]StepResult
	failures map[string]error
}

func newFakePeer() *fakePeer {
	return &fakePeer{
		results:  make(map[string]StepResult),
		failures: make(map[string]error),
	}
}

func (f *fakePeer) Run(ctx context.Context, args []string, env []string, timeout time.Duration) (StepResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), args...))
	f.envs = append(f.envs, append([]string(nil), env...))
	f.mu.Unlock()

	verb := args[2]
	if verb == "package" {
		// The real peer writes the package file; fake it so the sha256
		// fallback has something to hash.
		os.WriteFile(args[3], []byte("pkg-bytes"), 0o600)
	}
	if err, ok := f.failures[verb]; ok {
		res, scripted := f.results[verb]
		if !scripted {
			res = StepResult{Output: "step failed output"}
		}
		res.ExitCode = 1
		return res, err
	}
	if res, ok := f.results[verb]; ok {
		return res, nil
	}
	return StepResult{Output: verb + " ok"}, nil
}

func (f *fakePeer) call(i int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func (f *fakePeer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testOrchestrator(t *testing.T, exec StepExecutor) *Orchestrator {
	t.Helper()
	cfg := config.Lifecycle{
		PeerBinary:  "peer",
		StepTimeout: config.Duration(time.Minute),
		LogLimitKB:  64,
		WorkDir:     t.TempDir(),
	}
	fabricCfg := config.Fabric{
		MSPID:           "Org1MSP",
		PeerEndpoints:   []string{"peer0:7051"},
		OrdererEndpoint: "orderer0:7050",
		MSPConfigPath:   "/msp",
	}
	return NewOrchestrator(cfg, fabricCfg, exec, NewStore(), nil, nil)
}

func deployReq(t *testing.T) models.DeployRequest {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "chaincode.go"), []byte("package main\n"), 0o600); err != nil {
		t.Fatalf("write chaincode source: %v", err)
	}
	return models.DeployRequest{
		ChaincodeID: "asset",
		Version:     "1.0",
		Sequence:    2,
		ChannelName: "ch1",
		SourcePath:  dir,
	}
}

func TestDeployHappyPath(t *testing.T) {
	peer := newFakePeer()
	peer.results["install"] = StepResult{Output: "Chaincode code package identifier: asset_1.0:cafe01"}
	o := testOrchestrator(t, peer)

	dep, err := o.Deploy(context.Background(), deployReq(t))
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if dep.State != StateCommitted {
		t.Fatalf("expected COMMITTED, got %s", dep.State)
	}
	if dep.PackageID != "asset_1.0:cafe01" {
		t.Fatalf("unexpected package id %q", dep.PackageID)
	}
	if dep.AlreadyInstalled {
		t.Fatal("fresh install must not be flagged already installed")
	}
	if got := peer.callCount(); got != 5 {
		t.Fatalf("expected 5 steps, got %d", got)
	}

	pkg := peer.call(0)
	if pkg[0] != "lifecycle" || pkg[1] != "chaincode" || pkg[2] != "package" {
		t.Fatalf("unexpected package invocation: %v", pkg)
	}
	// Labels carry a random suffix so repeated packaging never collides.
	if label := argValue(pkg, "--label"); !labelRe.MatchString(label) {
		t.Fatalf("unexpected package label %q in %v", label, pkg)
	}
	if !contains(pkg, "--lang", "golang") {
		t.Fatalf("package args missing lang: %v", pkg)
	}

	approve := peer.call(2)
	for _, want := range []string{"approveformyorg", "--channelID", "ch1", "--package-id", "asset_1.0:cafe01", "--sequence", "2", "-o", "orderer0:7050"} {
		if !hasArg(approve, want) {
			t.Fatalf("approve args missing %q: %v", want, approve)
		}
	}

	commit := peer.call(4)
	if !contains(commit, "--peerAddresses", "peer0:7051") {
		t.Fatalf("commit args missing peer addresses: %v", commit)
	}

	env := peer.envs[0]
	for _, want := range []string{"CORE_PEER_LOCALMSPID=Org1MSP", "CORE_PEER_MSPCONFIGPATH=/msp", "CORE_PEER_ADDRESS=peer0:7051", "CORE_PEER_TLS_ENABLED=false"} {
		if !hasArg(env, want) {
			t.Fatalf("peer env missing %q: %v", want, env)
		}
	}
}

func TestDeployComputesPackageIDWhenUnparseable(t *testing.T) {
	peer := newFakePeer()
	peer.results["install"] = StepResult{Output: "installed without id line"}
	o := testOrchestrator(t, peer)

	dep, err := o.Deploy(context.Background(), deployReq(t))
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if !computedIDRe.MatchString(dep.PackageID) {
		t.Fatalf("expected label:sha256 package id, got %q", dep.PackageID)
	}
}

func TestDeployInstallIsIdempotent(t *testing.T) {
	peer := newFakePeer()
	peer.failures["install"] = errors.New("exit status 1")
	peer.results["install"] = StepResult{
		Output: "Error: chaincode already successfully installed (package ID: asset_1.0:cafe01)",
	}
	o := testOrchestrator(t, peer)

	dep, err := o.Deploy(context.Background(), deployReq(t))
	if err != nil {
		t.Fatalf("repeat install must be treated as success, got %v", err)
	}
	if dep.State != StateCommitted {
		t.Fatalf("expected COMMITTED, got %s", dep.State)
	}
	if !dep.AlreadyInstalled {
		t.Fatal("record must surface the already-installed condition")
	}
	if dep.PackageID != "asset_1.0:cafe01" {
		t.Fatalf("expected package id from the peer's rejection, got %q", dep.PackageID)
	}
	// The pipeline continues past install: all 5 steps run.
	if got := peer.callCount(); got != 5 {
		t.Fatalf("expected 5 steps, got %d", got)
	}
}

func TestDeployStripsEndpointSchemes(t *testing.T) {
	peer := newFakePeer()
	o := testOrchestrator(t, peer)
	o.fabricCfg.PeerEndpoints = []string{"grpcs://peer0:7051"}
	o.fabricCfg.OrdererEndpoint = "grpcs://orderer0:7050"

	if _, err := o.Deploy(context.Background(), deployReq(t)); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if !hasArg(peer.envs[0], "CORE_PEER_ADDRESS=peer0:7051") {
		t.Fatalf("peer env must carry a bare host:port address: %v", peer.envs[0])
	}
	if !contains(peer.call(2), "-o", "orderer0:7050") {
		t.Fatalf("orderer address must lose its scheme: %v", peer.call(2))
	}
	if !contains(peer.call(4), "--peerAddresses", "peer0:7051") {
		t.Fatalf("commit peer addresses must lose their scheme: %v", peer.call(4))
	}
}

func TestDeployFailureRecordsStateAndLogs(t *testing.T) {
	peer := newFakePeer()
	peer.failures["approveformyorg"] = errors.New("endorsement refused")
	o := testOrchestrator(t, peer)

	dep, err := o.Deploy(context.Background(), deployReq(t))
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != "approve" {
		t.Fatalf("expected StepError for approve, got %v", err)
	}
	if dep.State != StateFailed {
		t.Fatalf("expected FAILED, got %s", dep.State)
	}
	if !strings.Contains(dep.Error, "approve") {
		t.Fatalf("record error missing step name: %q", dep.Error)
	}
	if !strings.Contains(dep.Logs, "step failed output") {
		t.Fatalf("record logs missing captured output: %q", dep.Logs)
	}
	// Pipeline stops at the failing step.
	if got := peer.callCount(); got != 3 {
		t.Fatalf("expected 3 steps before failure, got %d", got)
	}
}

func TestDeployValidation(t *testing.T) {
	o := testOrchestrator(t, newFakePeer())

	req := deployReq(t)
	req.ChaincodeID = "bad name!"
	if _, err := o.Deploy(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for name, got %v", err)
	}

	req = deployReq(t)
	req.SourcePath = "/nonexistent/chaincode"
	if _, err := o.Deploy(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for source path, got %v", err)
	}

	req = deployReq(t)
	req.Version = ""
	if _, err := o.Deploy(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for version, got %v", err)
	}

	req = deployReq(t)
	req.SourcePath = t.TempDir() // exists but holds no Go sources
	if _, err := o.Deploy(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for sourceless tree, got %v", err)
	}
}

// toolPeer extends the fake peer with build tool invocations so dependency
// vendoring is observable.
type toolPeer struct {
	*fakePeer
	toolCalls [][]string
	toolDirs  []string
	toolErr   error
}

func (p *toolPeer) RunDir(ctx context.Context, dir, binary string, args []string, timeout time.Duration) (StepResult, error) {
	p.mu.Lock()
	p.toolCalls = append(p.toolCalls, append([]string{binary}, args...))
	p.toolDirs = append(p.toolDirs, dir)
	p.mu.Unlock()
	if p.toolErr != nil {
		return StepResult{Output: "vendor failed output", ExitCode: 1}, p.toolErr
	}
	return StepResult{Output: "vendored"}, nil
}

func TestDeployVendorsGoModulesBeforePackaging(t *testing.T) {
	peer := &toolPeer{fakePeer: newFakePeer()}
	o := testOrchestrator(t, peer)

	req := deployReq(t)
	if err := os.WriteFile(filepath.Join(req.SourcePath, "go.mod"), []byte("module cc\n"), 0o600); err != nil {
		t.Fatalf("write go.mod: %v", err)
	}

	dep, err := o.Deploy(context.Background(), req)
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if dep.State != StateCommitted {
		t.Fatalf("expected COMMITTED, got %s", dep.State)
	}
	if len(peer.toolCalls) != 1 || peer.toolDirs[0] != req.SourcePath {
		t.Fatalf("expected one vendor invocation in the source dir, got %v in %v", peer.toolCalls, peer.toolDirs)
	}
	want := []string{"go", "mod", "vendor"}
	for i, arg := range want {
		if peer.toolCalls[0][i] != arg {
			t.Fatalf("unexpected vendor command: %v", peer.toolCalls[0])
		}
	}
	if !strings.Contains(dep.Logs, "vendored") {
		t.Fatalf("vendor output missing from logs: %q", dep.Logs)
	}
}

func TestDeployVendorFailureStopsPipeline(t *testing.T) {
	peer := &toolPeer{fakePeer: newFakePeer(), toolErr: errors.New("module fetch failed")}
	o := testOrchestrator(t, peer)

	req := deployReq(t)
	if err := os.WriteFile(filepath.Join(req.SourcePath, "go.mod"), []byte("module cc\n"), 0o600); err != nil {
		t.Fatalf("write go.mod: %v", err)
	}

	dep, err := o.Deploy(context.Background(), req)
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != "vendor" {
		t.Fatalf("expected StepError for vendor, got %v", err)
	}
	if dep.State != StateFailed {
		t.Fatalf("expected FAILED, got %s", dep.State)
	}
	if got := peer.callCount(); got != 0 {
		t.Fatalf("peer CLI must not run after vendor failure, got %d calls", got)
	}
}

func TestDeployDefaultsChannelSequenceAndLanguage(t *testing.T) {
	peer := newFakePeer()
	o := testOrchestrator(t, peer)

	req := deployReq(t)
	req.ChannelName = ""
	req.Sequence = 0
	dep, err := o.Deploy(context.Background(), req)
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if dep.ChannelName != models.DefaultChannel || dep.Sequence != 1 {
		t.Fatalf("defaults not applied: %+v", dep)
	}
}

func TestDeployRejectsConcurrentSameChaincode(t *testing.T) {
	o := testOrchestrator(t, newFakePeer())
	if !o.begin("asset") {
		t.Fatal("begin should succeed")
	}
	defer o.end("asset")

	_, err := o.Deploy(context.Background(), deployReq(t))
	if !errors.Is(err, ErrDeployInProgress) {
		t.Fatalf("expected ErrDeployInProgress, got %v", err)
	}
}

func TestStoreListNewestFirst(t *testing.T) {
	s := NewStore()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	s.Put(models.Deployment{ID: "a", State: StateRequested})
	now = now.Add(time.Minute)
	s.Put(models.Deployment{ID: "b", State: StateRequested})

	list := s.List()
	if len(list) != 2 || list[0].ID != "b" {
		t.Fatalf("expected newest first, got %+v", list)
	}
	if err := s.Update("missing", func(*models.Deployment) {}); !errors.Is(err, ErrDeploymentNotFound) {
		t.Fatalf("expected ErrDeploymentNotFound, got %v", err)
	}
}

var (
	labelRe      = regexp.MustCompile(`^asset_1\.0-[0-9a-f]{8}$`)
	computedIDRe = regexp.MustCompile(`^asset_1\.0-[0-9a-f]{8}:[0-9a-f]{64}$`)
)

func argValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func hasArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

func contains(args []string, flag, value string) bool {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag && args[i+1] == value {
			return true
		}
	}
	return false
}
