package term

import (
	"encoding/json"
	"fmt"

	"github.com/ci-forge/engine/internal/sandbox"
)

// encodeOutcome/decodeOutcome give internal/cache's opaque []byte value a
// concrete shape for Build nodes: the persisted cache entry is just the
// sandbox outcome, JSON-encoded.
func encodeOutcome(o sandbox.BuildOutcome) []byte {
	data, err := json.Marshal(o)
	if err != nil {
		// BuildOutcome has no unmarshalable fields; a failure here means a
		// programming error, not a runtime condition to recover from.
		panic(fmt.Sprintf("term: encoding build outcome: %v", err))
	}
	return data
}

func decodeOutcome(data []byte) (sandbox.BuildOutcome, error) {
	var o sandbox.BuildOutcome
	if err := json.Unmarshal(data, &o); err != nil {
		return sandbox.BuildOutcome{}, fmt.Errorf("term: decoding build outcome: %w", err)
	}
	return o, nil
}
