package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnknownChainNodeStatus is returned when the registry reports a status outside the known set.
var ErrUnknownChainNodeStatus = errors.New("models: unknown chain node status")

// ChainNodeStatus is the authoritative membership status recorded by the node registry.
type ChainNodeStatus uint8

// Registry status values.
const (
	ChainNodeQuit ChainNodeStatus = iota
	ChainNodeAvailable
	ChainNodeBusy
	ChainNodePendingPause
	ChainNodePendingQuit
	ChainNodePaused
)

var chainNodeStatusNames = map[ChainNodeStatus]string{
	ChainNodeQuit:         "quit",
	ChainNodeAvailable:    "available",
	ChainNodeBusy:         "busy",
	ChainNodePendingPause: "pending_pause",
	ChainNodePendingQuit:  "pending_quit",
	ChainNodePaused:       "paused",
}

// Valid reports whether the status is one of the registry's legal values.
func (s ChainNodeStatus) Valid() bool {
	_, ok := chainNodeStatusNames[s]
	return ok
}

func (s ChainNodeStatus) String() string {
	if name, ok := chainNodeStatusNames[s]; ok {
		return name
	}
	return "unknown(" + strconv.Itoa(int(s)) + ")"
}

// UnmarshalJSON decodes the registry's integer encoding and rejects unknown values.
func (s *ChainNodeStatus) UnmarshalJSON(data []byte) error {
	var raw int
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chain node status: %w", err)
	}
	if raw < 0 || raw > 255 || !ChainNodeStatus(raw).Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownChainNodeStatus, raw)
	}
	*s = ChainNodeStatus(raw)
	return nil
}

// NodeStatus is the locally cached view of the node's lifecycle.
type NodeStatus string

// Local lifecycle values.
const (
	NodeStatusInit         NodeStatus = "initializing"
	NodeStatusRunning      NodeStatus = "running"
	NodeStatusPaused       NodeStatus = "paused"
	NodeStatusStopped      NodeStatus = "stopped"
	NodeStatusError        NodeStatus = "error"
	NodeStatusPendingPause NodeStatus = "pending_pause"
	NodeStatusPendingStop  NodeStatus = "pending_stop"
)

// ConvertNodeStatus maps a registry status onto the local lifecycle status.
func ConvertNodeStatus(status ChainNodeStatus) (NodeStatus, error) {
	switch status {
	case ChainNodeQuit:
		return NodeStatusStopped, nil
	case ChainNodeAvailable, ChainNodeBusy:
		return NodeStatusRunning, nil
	case ChainNodePaused:
		return NodeStatusPaused, nil
	case ChainNodePendingPause:
		return NodeStatusPendingPause, nil
	case ChainNodePendingQuit:
		return NodeStatusPendingStop, nil
	default:
		return "", fmt.Errorf("%w: %d", ErrUnknownChainNodeStatus, uint8(status))
	}
}

// NodeState is the cached node status plus operator-facing messages.
type NodeState struct {
	Status      NodeStatus
	Message     string
	InitMessage string
}

// NodeScoreState mirrors the score metrics the registry reports for the node.
type NodeScoreState struct {
	QOSScore     float64
	StakingScore float64
	ProbWeight   float64
}

// NodeInfo is the registry's description of a node.
type NodeInfo struct {
	Address       string          `json:"address"`
	GPUName       string          `json:"gpu_name"`
	GPUVram       uint64          `json:"gpu_vram"`
	InUseModelIDs []string        `json:"in_use_model_ids"`
	ModelIDs      []string        `json:"model_ids"`
	QOSScore      float64         `json:"qos_score"`
	StakingScore  float64         `json:"staking_score"`
	ProbWeight    float64         `json:"prob_weight"`
	Status        ChainNodeStatus `json:"status"`
	Version       string          `json:"version"`
}

// ScoreState extracts the score metrics from the node info.
func (n NodeInfo) ScoreState() NodeScoreState {
	return NodeScoreState{
		QOSScore:     n.QOSScore,
		StakingScore: n.StakingScore,
		ProbWeight:   n.ProbWeight,
	}
}

// FormatVersion renders a numeric version as the dotted string the registry expects.
func FormatVersion(version []int) string {
	parts := make([]string, 0, len(version))
	for _, v := range version {
		parts = append(parts, strconv.Itoa(v))
	}
	return strings.Join(parts, ".")
}

// ParseVersion parses a dotted version string such as "2.5.0".
func ParseVersion(raw string) ([]int, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "v")
	if trimmed == "" {
		return nil, fmt.Errorf("models: empty version")
	}
	fields := strings.Split(trimmed, ".")
	out := make([]int, 0, len(fields))
	for _, field := range fields {
		v, err := strconv.Atoi(field)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("models: invalid version component %q", field)
		}
		out = append(out, v)
	}
	return out, nil
}
