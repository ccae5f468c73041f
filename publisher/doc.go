// Package publisher journals reconciliation outcomes and fans them out to
// external sinks.
//
// Every outcome the coordinator records is appended to a Pebble-backed
// journal with a monotonically increasing sequence number. Each configured
// sink owns a Worker that tails the journal from its persisted cursor,
// encodes entries with a Transformer and publishes them. Delivery is
// at-least-once; a crash between publish and cursor advance redelivers.
//
// Key layout:
//
//	/journal/{seq:016x}  -> zstd(msgpack(Outcome))
//	/cursor/{sinkName}   -> uint64
//	/seq                 -> uint64
//
// Entries at or below the slowest cursor are deleted periodically.
//
// Sinks and transformers register themselves by type name:
//
//	import (
//		_ "github.com/maxpert/quorumkeeper/publisher/sink"
//		_ "github.com/maxpert/quorumkeeper/publisher/transformer"
//	)
//
//	registry, err := publisher.NewRegistry(publisher.RegistryConfig{
//		DataDir:     "/var/lib/quorumkeeper",
//		SinkConfigs: config.Sinks,
//	})
package publisher
