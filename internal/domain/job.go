package domain

import (
	"fmt"
	"math/big"
	"strconv"
)

// JobID identifies a job in the registry contract. It is stable across blocks.
type JobID uint64

// JobIDFromBig converts an on-chain uint256 job id. Ids that do not fit into
// 64 bits are reported as a protocol decode error.
func JobIDFromBig(v *big.Int) (JobID, error) {
	if v == nil || v.Sign() < 0 || !v.IsUint64() {
		return 0, NewProtocolDecodeError("job id", fmt.Errorf("value %v out of range", v))
	}
	return JobID(v.Uint64()), nil
}

// ParseJobID parses the decimal form of a job id.
func ParseJobID(s string) (JobID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid job id %q: %w", s, err)
	}
	return JobID(v), nil
}

// Big returns the id as a uint256-compatible big integer.
func (id JobID) Big() *big.Int {
	return new(big.Int).SetUint64(uint64(id))
}

func (id JobID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Job is the snapshot returned by the registry listing.
type Job struct {
	ID JobID `json:"id"`
}

// WorkableJob is a job whose probe reported it as eligible. Payload is the
// opaque data the work call expects and is only valid for the cycle that
// produced it.
type WorkableJob struct {
	ID      JobID  `json:"id"`
	Payload []byte `json:"payload"`
}

// ProbeResult is one sub-call outcome of an aggregated call, aligned
// positionally with the request.
type ProbeResult struct {
	Success bool
	Data    []byte
}
