package relay

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"gpunode/crypto"
)

// Signer authenticates relay requests with the node key. The signed message
// is the compact JSON encoding of the input, keys sorted, followed by the
// decimal unix timestamp.
type Signer struct {
	key *crypto.PrivateKey
	now func() time.Time
}

// NewSigner returns a signer for key.
func NewSigner(key *crypto.PrivateKey) *Signer {
	return &Signer{key: key, now: time.Now}
}

// SignedMessage returns the bytes covered by the signature.
func SignedMessage(input map[string]any, timestamp int64) ([]byte, error) {
	encoded, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("relay: encode signed input: %w", err)
	}
	return append(encoded, strconv.FormatInt(timestamp, 10)...), nil
}

// Sign returns the timestamp and 0x prefixed signature for input.
func (s *Signer) Sign(input map[string]any) (int64, string, error) {
	timestamp := s.now().Unix()
	msg, err := SignedMessage(input, timestamp)
	if err != nil {
		return 0, "", err
	}
	sig, err := s.key.Sign(msg)
	if err != nil {
		return 0, "", fmt.Errorf("relay: sign: %w", err)
	}
	return timestamp, hexutil.Encode(sig), nil
}
