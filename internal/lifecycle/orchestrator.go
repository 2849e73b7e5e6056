package lifecycle

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"ibn-ledger/gateway/internal/config"
	"ibn-ledger/gateway/internal/metrics"
	"ibn-ledger/gateway/pkg/models"
)

// Deployment states, in pipeline order. FAILED is terminal from any state.
const (
	StateRequested   = "REQUESTED"
	StatePackaged    = "PACKAGED"
	StateInstalled   = "INSTALLED"
	StateApproved    = "APPROVED"
	StateCommitReady = "COMMIT_READY"
	StateCommitted   = "COMMITTED"
	StateFailed      = "FAILED"
)

var (
	ErrDeployInProgress = errors.New("lifecycle: deployment already in progress for this chaincode")
	ErrInvalidRequest   = errors.New("lifecycle: invalid deploy request")

	chaincodeNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)
	packageIDRe     = regexp.MustCompile(`identifier:\s*(\S+)`)
	installedIDRe   = regexp.MustCompile(`package ID:\s*([^)\s]+)`)
)

// Orchestrator walks a deploy request through package, install, approve,
// commit-readiness and commit. One deployment per chaincode name runs at a
// time; repeating a committed sequence is rejected by the peer, not here.
type Orchestrator struct {
	cfg       config.Lifecycle
	fabricCfg config.Fabric
	exec      StepExecutor
	store     *Store
	log       *slog.Logger
	metrics   *metrics.Metrics
	workDir   string

	mu       sync.Mutex
	inFlight map[string]bool
}

func NewOrchestrator(cfg config.Lifecycle, fabricCfg config.Fabric, exec StepExecutor, store *Store, log *slog.Logger, m *metrics.Metrics) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "ledger-gateway-packages")
	}
	return &Orchestrator{
		cfg:       cfg,
		fabricCfg: fabricCfg,
		exec:      exec,
		store:     store,
		log:       log,
		metrics:   m,
		workDir:   workDir,
		inFlight:  make(map[string]bool),
	}
}

func (o *Orchestrator) Store() *Store { return o.store }

// Deploy runs the full pipeline synchronously and returns the final record.
func (o *Orchestrator) Deploy(ctx context.Context, req models.DeployRequest) (models.Deployment, error) {
	req, err := o.validate(req)
	if err != nil {
		return models.Deployment{}, err
	}

	if !o.begin(req.ChaincodeID) {
		return models.Deployment{}, fmt.Errorf("%w: %s", ErrDeployInProgress, req.ChaincodeID)
	}
	defer o.end(req.ChaincodeID)

	dep := models.Deployment{
		ID:          newDeployID(),
		ChaincodeID: req.ChaincodeID,
		Version:     req.Version,
		Sequence:    req.Sequence,
		ChannelName: req.ChannelName,
		State:       StateRequested,
	}
	o.store.Put(dep)
	o.log.Info("deployment started",
		"deployment_id", dep.ID,
		"chaincode", req.ChaincodeID,
		"version", req.Version,
		"sequence", req.Sequence,
		"channel", req.ChannelName,
	)

	err = o.run(ctx, dep.ID, req)
	final, _ := o.store.Get(dep.ID)
	return final, err
}

// StartDeploy validates and records the deployment, then runs the pipeline in
// the background. The returned record is in state REQUESTED.
func (o *Orchestrator) StartDeploy(ctx context.Context, req models.DeployRequest) (models.Deployment, error) {
	req, err := o.validate(req)
	if err != nil {
		return models.Deployment{}, err
	}
	if !o.begin(req.ChaincodeID) {
		return models.Deployment{}, fmt.Errorf("%w: %s", ErrDeployInProgress, req.ChaincodeID)
	}
	dep := models.Deployment{
		ID:          newDeployID(),
		ChaincodeID: req.ChaincodeID,
		Version:     req.Version,
		Sequence:    req.Sequence,
		ChannelName: req.ChannelName,
		State:       StateRequested,
	}
	o.store.Put(dep)
	go func() {
		defer o.end(req.ChaincodeID)
		o.run(ctx, dep.ID, req)
	}()
	return dep, nil
}

func (o *Orchestrator) run(ctx context.Context, depID string, req models.DeployRequest) error {
	if err := o.pipeline(ctx, depID, req); err != nil {
		o.fail(depID, err)
		o.metrics.DeploymentFinished("failed")
		return err
	}
	o.metrics.DeploymentFinished("success")
	dep, _ := o.store.Get(depID)
	o.log.Info("deployment committed", "deployment_id", depID, "package_id", dep.PackageID)
	return nil
}

func (o *Orchestrator) pipeline(ctx context.Context, depID string, req models.DeployRequest) error {
	env := o.peerEnv()
	label := req.ChaincodeID + "_" + req.Version + "-" + randHex(4)

	if err := o.resolveDependencies(ctx, depID, req); err != nil {
		return err
	}

	if err := os.MkdirAll(o.workDir, 0o755); err != nil {
		return fmt.Errorf("create package workspace: %w", err)
	}
	pkgPath := filepath.Join(o.workDir, label+".tar.gz")
	defer os.Remove(pkgPath)

	// Package
	_, err := o.step(ctx, depID, "package", env, []string{
		"lifecycle", "chaincode", "package", pkgPath,
		"--path", req.SourcePath,
		"--lang", req.Language,
		"--label", label,
	})
	if err != nil {
		return err
	}
	o.advance(depID, StatePackaged, "")

	// Install. Installing the same package twice is not an error; the peer's
	// rejection carries the package id of the earlier install.
	installOut, err := o.step(ctx, depID, "install", env, []string{
		"lifecycle", "chaincode", "install", pkgPath,
	})
	alreadyInstalled := err != nil && strings.Contains(strings.ToLower(installOut), "already successfully installed")
	if err != nil && !alreadyInstalled {
		return err
	}
	packageID := parsePackageID(installOut)
	if packageID == "" {
		packageID, err = computePackageID(label, pkgPath)
		if err != nil {
			return fmt.Errorf("derive package id: %w", err)
		}
	}
	if alreadyInstalled {
		o.log.Info("chaincode package already installed", "deployment_id", depID, "package_id", packageID)
		o.store.Update(depID, func(d *models.Deployment) { d.AlreadyInstalled = true })
	}
	o.advance(depID, StateInstalled, packageID)

	// Approve for our org
	approveArgs := []string{
		"lifecycle", "chaincode", "approveformyorg",
		"--channelID", req.ChannelName,
		"--name", req.ChaincodeID,
		"--version", req.Version,
		"--package-id", packageID,
		"--sequence", strconv.FormatInt(req.Sequence, 10),
	}
	approveArgs = append(approveArgs, o.ordererArgs()...)
	if _, err := o.step(ctx, depID, "approve", env, approveArgs); err != nil {
		return err
	}
	o.advance(depID, StateApproved, packageID)

	// Commit readiness
	readyArgs := []string{
		"lifecycle", "chaincode", "checkcommitreadiness",
		"--channelID", req.ChannelName,
		"--name", req.ChaincodeID,
		"--version", req.Version,
		"--sequence", strconv.FormatInt(req.Sequence, 10),
	}
	if _, err := o.step(ctx, depID, "checkcommitreadiness", env, readyArgs); err != nil {
		return err
	}
	o.advance(depID, StateCommitReady, packageID)

	// Commit
	commitArgs := []string{
		"lifecycle", "chaincode", "commit",
		"--channelID", req.ChannelName,
		"--name", req.ChaincodeID,
		"--version", req.Version,
		"--sequence", strconv.FormatInt(req.Sequence, 10),
	}
	commitArgs = append(commitArgs, o.ordererArgs()...)
	for _, peerAddr := range o.targetPeers(req) {
		commitArgs = append(commitArgs, "--peerAddresses", peerAddr)
	}
	if _, err := o.step(ctx, depID, "commit", env, commitArgs); err != nil {
		return err
	}
	o.advance(depID, StateCommitted, packageID)
	return nil
}

// resolveDependencies vendors the chaincode's module dependencies so the peer
// packages a self-contained source tree. Skipped when the executor cannot run
// build tools or the source carries no module manifest.
func (o *Orchestrator) resolveDependencies(ctx context.Context, depID string, req models.DeployRequest) error {
	tools, ok := o.exec.(ToolRunner)
	if !ok {
		return nil
	}

	var binary string
	var args []string
	switch {
	case fileExists(filepath.Join(req.SourcePath, "go.mod")):
		binary, args = "go", []string{"mod", "vendor"}
	case fileExists(filepath.Join(req.SourcePath, "package.json")):
		binary, args = "npm", []string{"install"}
	default:
		return nil
	}

	start := time.Now()
	res, err := tools.RunDir(ctx, req.SourcePath, binary, args, o.cfg.StepTimeout.Std())
	o.metrics.LifecycleStep("vendor", time.Since(start))
	o.appendLog(depID, "vendor", res.Output)
	if err != nil {
		return &StepError{Step: "vendor", ExitCode: res.ExitCode, Output: res.Output, Err: err}
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (o *Orchestrator) step(ctx context.Context, depID, name string, env, args []string) (string, error) {
	start := time.Now()
	res, err := o.exec.Run(ctx, args, env, o.cfg.StepTimeout.Std())
	o.metrics.LifecycleStep(name, time.Since(start))
	o.appendLog(depID, name, res.Output)
	if err != nil {
		return res.Output, &StepError{Step: name, ExitCode: res.ExitCode, Output: res.Output, Err: err}
	}
	return res.Output, nil
}

func (o *Orchestrator) appendLog(depID, step, output string) {
	limit := o.cfg.LogLimitKB * 1024
	if limit <= 0 {
		limit = 64 * 1024
	}
	o.store.Update(depID, func(d *models.Deployment) {
		d.Logs += "=== " + step + " ===\n" + output + "\n"
		if len(d.Logs) > limit {
			d.Logs = d.Logs[len(d.Logs)-limit:]
		}
	})
}

func (o *Orchestrator) advance(depID, state, packageID string) {
	o.store.Update(depID, func(d *models.Deployment) {
		d.State = state
		if packageID != "" {
			d.PackageID = packageID
		}
	})
}

func (o *Orchestrator) fail(depID string, err error) {
	o.store.Update(depID, func(d *models.Deployment) {
		d.State = StateFailed
		d.Error = err.Error()
	})
	o.log.Error("deployment failed", "deployment_id", depID, "error", err)
}

func (o *Orchestrator) validate(req models.DeployRequest) (models.DeployRequest, error) {
	req.ChaincodeID = strings.TrimSpace(req.ChaincodeID)
	req.Version = strings.TrimSpace(req.Version)
	req.ChannelName = strings.TrimSpace(req.ChannelName)
	req.SourcePath = strings.TrimSpace(req.SourcePath)
	req.Language = strings.TrimSpace(req.Language)

	if !chaincodeNameRe.MatchString(req.ChaincodeID) {
		return req, fmt.Errorf("%w: chaincode name %q", ErrInvalidRequest, req.ChaincodeID)
	}
	if req.Version == "" {
		return req, fmt.Errorf("%w: version is required", ErrInvalidRequest)
	}
	if req.Sequence <= 0 {
		req.Sequence = 1
	}
	if req.ChannelName == "" {
		req.ChannelName = models.DefaultChannel
	}
	if req.Language == "" {
		req.Language = "golang"
	}
	info, err := os.Stat(req.SourcePath)
	if err != nil || !info.IsDir() {
		return req, fmt.Errorf("%w: source path %q is not a directory", ErrInvalidRequest, req.SourcePath)
	}
	if err := checkSource(req.Language, req.SourcePath); err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return req, nil
}

// checkSource verifies the source tree actually contains code for the declared
// language before any peer CLI step runs.
func checkSource(lang, dir string) error {
	var exts []string
	switch strings.ToLower(lang) {
	case "golang", "go":
		exts = []string{".go"}
	case "node", "javascript", "typescript":
		exts = []string{".js", ".ts", ".json"}
	case "java":
		exts = []string{".java", ".gradle", ".xml"}
	default:
		return nil
	}

	found := false
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || found {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if name := d.Name(); name == "node_modules" || name == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		for _, ext := range exts {
			if strings.HasSuffix(d.Name(), ext) {
				found = true
				return filepath.SkipAll
			}
		}
		return nil
	})
	if !found {
		return fmt.Errorf("no %s sources under %s", lang, dir)
	}
	return nil
}

func (o *Orchestrator) peerEnv() []string {
	env := []string{
		"CORE_PEER_LOCALMSPID=" + o.fabricCfg.MSPID,
		"CORE_PEER_MSPCONFIGPATH=" + o.fabricCfg.MSPConfigPath,
	}
	if len(o.fabricCfg.PeerEndpoints) > 0 {
		env = append(env, "CORE_PEER_ADDRESS="+stripScheme(o.fabricCfg.PeerEndpoints[0]))
	}
	if o.fabricCfg.TLSCertFile != "" {
		env = append(env,
			"CORE_PEER_TLS_ENABLED=true",
			"CORE_PEER_TLS_ROOTCERT_FILE="+o.fabricCfg.TLSCertFile,
		)
	} else {
		env = append(env, "CORE_PEER_TLS_ENABLED=false")
	}
	return env
}

func (o *Orchestrator) ordererArgs() []string {
	if o.fabricCfg.OrdererEndpoint == "" {
		return nil
	}
	args := []string{"-o", stripScheme(o.fabricCfg.OrdererEndpoint)}
	if o.fabricCfg.TLSCertFile != "" {
		args = append(args, "--tls", "--cafile", o.fabricCfg.TLSCertFile)
	}
	return args
}

func (o *Orchestrator) targetPeers(req models.DeployRequest) []string {
	peers := o.fabricCfg.PeerEndpoints
	if len(req.TargetPeers) > 0 {
		peers = req.TargetPeers
	}
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		out = append(out, stripScheme(p))
	}
	return out
}

// stripScheme drops grpc:// or grpcs:// prefixes; the peer CLI wants bare
// host:port targets.
func stripScheme(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	endpoint = strings.TrimPrefix(endpoint, "grpcs://")
	return strings.TrimPrefix(endpoint, "grpc://")
}

func (o *Orchestrator) begin(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight[name] {
		return false
	}
	o.inFlight[name] = true
	return true
}

func (o *Orchestrator) end(name string) {
	o.mu.Lock()
	delete(o.inFlight, name)
	o.mu.Unlock()
}

// parsePackageID pulls the package id out of peer CLI output, covering both
// the fresh-install "identifier:" line and the already-installed rejection.
func parsePackageID(output string) string {
	if m := packageIDRe.FindStringSubmatch(output); len(m) == 2 {
		return strings.TrimSpace(m[1])
	}
	if m := installedIDRe.FindStringSubmatch(output); len(m) == 2 {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// computePackageID derives label:sha256(package) the same way the peer does,
// for installs whose output could not be parsed.
func computePackageID(label, pkgPath string) (string, error) {
	raw, err := os.ReadFile(pkgPath)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return label + ":" + hex.EncodeToString(sum[:]), nil
}

func newDeployID() string {
	return "dep_" + randHex(8)
}

func randHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(buf)
}
