// Package relay talks to the relay service that fronts the node registry.
package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"gpunode/models"
)

// Relay is the remote registry as seen by the node.
type Relay interface {
	NodeAddress() common.Address
	NodeGetNodeInfo(ctx context.Context) (models.NodeInfo, error)
	NodeGetNodeStatus(ctx context.Context) (models.ChainNodeStatus, error)
	// NodeJoin registers the node. staking is in wei.
	NodeJoin(ctx context.Context, gpuName string, gpuVram uint64, modelIDs []string, version string, staking *big.Int) error
	NodeQuit(ctx context.Context) error
	NodePause(ctx context.Context) error
	NodeResume(ctx context.Context) error
	NodeReportModelDownloaded(ctx context.Context, modelID string) error
	NodeUpdateVersion(ctx context.Context, version string) error
	GetBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	GetStakingAmount(ctx context.Context) (*big.Int, error)
	Now(ctx context.Context) (time.Time, error)
	Close() error
}

// ErrUnavailable wraps transport failures reaching the relay, including the
// client's own request timeout.
var ErrUnavailable = errors.New("relay: unavailable")

// Error is a rejection returned by the relay service.
type Error struct {
	StatusCode int
	Method     string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("relay: %s failed with status %d: %s", e.Method, e.StatusCode, e.Message)
}

// IsRelayError reports whether err carries a relay rejection.
func IsRelayError(err error) bool {
	var relayErr *Error
	return errors.As(err, &relayErr)
}

// IsUnavailable reports whether err means the relay could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
