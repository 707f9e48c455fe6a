package pool

import (
	"errors"
	"io"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gorilla/websocket"
)

var (
	// ErrPoolClosed is returned by every operation on a closed pool, including
	// callers that were blocked in Acquire when the pool closed.
	ErrPoolClosed = errors.New("pool: closed")
	// ErrUnsupportedEndpoint is returned when the endpoint scheme is neither
	// http(s) nor ws(s).
	ErrUnsupportedEndpoint = errors.New("pool: unsupported endpoint")
	// ErrTransportFatal marks errors after which a connection must not be
	// reused. Backends may wrap it to force their guard closed.
	ErrTransportFatal = errors.New("pool: transport fatal")
	// ErrNonceStale marks a rejected transaction whose nonce no longer
	// matches the account's chain state.
	ErrNonceStale = errors.New("pool: stale nonce")
)

// IsTransportFatal reports whether err means the underlying connection is
// broken, for example a websocket closed by the peer.
func IsTransportFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransportFatal) ||
		errors.Is(err, rpc.ErrClientQuit) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr)
}

// nonceRejections are the txpool messages nodes return for a nonce that no
// longer matches the account state.
var nonceRejections = []string{
	strings.ToLower(core.ErrNonceTooLow.Error()),
	strings.ToLower(core.ErrNonceTooHigh.Error()),
	"invalid nonce",
}

// IsNonceStale reports whether err is a nonce rejection. Typed txpool errors
// and JSON-RPC errors carrying a txpool message are decisive; for anything
// else the text is matched case-insensitively as a last resort.
func IsNonceStale(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNonceStale) ||
		errors.Is(err, core.ErrNonceTooLow) ||
		errors.Is(err, core.ErrNonceTooHigh) {
		return true
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		msg := strings.ToLower(rpcErr.Error())
		for _, rejection := range nonceRejections {
			if strings.Contains(msg, rejection) {
				return true
			}
		}
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "nonce")
}
