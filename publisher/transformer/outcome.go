// Package transformer provides publisher.Transformer implementations that
// encode reconciliation outcomes for external consumers.
package transformer

import (
	"encoding/json"
	"fmt"

	"github.com/maxpert/quorumkeeper/coordinator"
	"github.com/maxpert/quorumkeeper/encoding"
	"github.com/maxpert/quorumkeeper/publisher"
)

func init() {
	publisher.RegisterTransformer("json", func() publisher.Transformer {
		return JSONTransformer{}
	})
	publisher.RegisterTransformer("msgpack", func() publisher.Transformer {
		return MsgpackTransformer{}
	})
}

// Envelope wraps an outcome with a schema marker so consumers can evolve
type Envelope struct {
	Schema  string              `json:"schema" msgpack:"schema"`
	Outcome coordinator.Outcome `json:"outcome" msgpack:"outcome"`
}

// SchemaOutcomeV1 names the envelope layout
const SchemaOutcomeV1 = "quorumkeeper.outcome.v1"

// JSONTransformer encodes outcomes as JSON envelopes
type JSONTransformer struct{}

func (JSONTransformer) Transform(outcome coordinator.Outcome) ([]byte, error) {
	data, err := json.Marshal(Envelope{Schema: SchemaOutcomeV1, Outcome: outcome})
	if err != nil {
		return nil, fmt.Errorf("json encode outcome %s: %w", outcome.ID, err)
	}
	return data, nil
}

// MsgpackTransformer encodes outcomes as msgpack envelopes
type MsgpackTransformer struct{}

func (MsgpackTransformer) Transform(outcome coordinator.Outcome) ([]byte, error) {
	data, err := encoding.Marshal(Envelope{Schema: SchemaOutcomeV1, Outcome: outcome})
	if err != nil {
		return nil, fmt.Errorf("msgpack encode outcome %s: %w", outcome.ID, err)
	}
	return data, nil
}
