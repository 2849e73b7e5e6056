package models

import (
	"strings"
	"time"
)

const DefaultChannel = "ibnchannel"

type TransactionRequest struct {
	ChaincodeID  string   `json:"chaincode_id"`
	ChannelName  string   `json:"channel_name"`
	FunctionName string   `json:"function_name"`
	Args         []string `json:"args"`
	Priority     int      `json:"priority,omitempty"`
	TimeoutMs    int64    `json:"timeout_ms,omitempty"`
}

type TransactionResult struct {
	TransactionID string `json:"transaction_id,omitempty"`
	Payload       []byte `json:"payload,omitempty"`
	DurationMs    int64  `json:"duration_ms"`
}

type DeployRequest struct {
	ChaincodeID string   `json:"chaincode_id"`
	Version     string   `json:"version"`
	Sequence    int64    `json:"sequence"`
	ChannelName string   `json:"channel_name"`
	SourcePath  string   `json:"source_path"`
	Language    string   `json:"language,omitempty"`
	TargetPeers []string `json:"target_peers,omitempty"`
}

type Deployment struct {
	ID          string    `json:"id"`
	ChaincodeID string    `json:"chaincode_id"`
	Version     string    `json:"version"`
	Sequence    int64     `json:"sequence"`
	ChannelName string    `json:"channel_name"`
	PackageID   string    `json:"package_id,omitempty"`
	// AlreadyInstalled marks an install the peer reported as a duplicate of
	// an identical package, treated as success.
	AlreadyInstalled bool   `json:"already_installed,omitempty"`
	State            string `json:"state"`
	Error       string    `json:"error,omitempty"`
	Logs        string    `json:"logs,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type ChannelStats struct {
	ChannelName  string    `json:"channel_name"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsedAt   time.Time `json:"last_used_at"`
	RequestCount int64     `json:"request_count"`
}

type PoolStatus struct {
	Size           int            `json:"size"`
	MaxConnections int            `json:"max_connections"`
	Healthy        bool           `json:"healthy"`
	ProbeFailures  int            `json:"probe_failures"`
	Channels       []ChannelStats `json:"channels"`
}

type QueueStatus struct {
	Depth       int           `json:"depth"`
	Active      int           `json:"active"`
	Paused      bool          `json:"paused"`
	Total       int64         `json:"total"`
	Completed   int64         `json:"completed"`
	Failed      int64         `json:"failed"`
	Retried     int64         `json:"retried"`
	AvgDuration string        `json:"avg_duration"`
	SuccessRate float64       `json:"success_rate"`
	InFlight    []TaskSummary `json:"in_flight"`
}

type TaskSummary struct {
	ID        string            `json:"id"`
	Priority  int               `json:"priority"`
	Attempts  int               `json:"attempts"`
	StartedAt time.Time         `json:"started_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type BreakerStatus struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	FailureCount  int       `json:"failure_count"`
	LastFailureAt time.Time `json:"last_failure_at,omitzero"`
}

type HealthReport struct {
	Status   string          `json:"status"`
	Pool     PoolStatus      `json:"pool"`
	Queue    QueueStatus     `json:"queue"`
	Breakers []BreakerStatus `json:"breakers"`
}

type Caller struct {
	UserID string `json:"user_id"`
	Org    string `json:"org"`
	Role   string `json:"role"`
}

const RoleAdmin = "ADMIN"

func (c Caller) IsAdmin() bool {
	return strings.EqualFold(c.Role, RoleAdmin)
}

// NormalizeTransactionRequest fills channel defaults and trims identifiers.
func NormalizeTransactionRequest(req TransactionRequest) TransactionRequest {
	req.ChaincodeID = strings.TrimSpace(req.ChaincodeID)
	req.ChannelName = strings.TrimSpace(req.ChannelName)
	req.FunctionName = strings.TrimSpace(req.FunctionName)
	if req.ChannelName == "" {
		req.ChannelName = DefaultChannel
	}
	return req
}
