// Package publisher turns store changes into consumer deliveries.
//
// A Feed binds one ChangeSource to one delivery strategy:
//
//   - shared: a single Notifier polls the source, short-circuits on an
//     unchanged fingerprint, fetches the delta past its watermark and
//     broadcasts the ordered batch to every Subscriber in the feed's Hub.
//   - per_connection: every attached Subscriber gets its own Poller and its
//     own watermark.
//
// Either way a new Subscriber first receives the feed's Snapshot and then only
// events with a sequence above the snapshot baseline, in ascending order.
//
// Broker sinks (NATS JetStream, Kafka) attach to a Feed like any other
// Subscriber. Their publishes are queued to a SinkWorker that retries with
// exponential backoff, so a slow broker never stalls a broadcast pass.
//
// # Filters
//
// GlobFilter selects which entity keys a sink publishes:
//
//	filter, err := NewGlobFilter([]string{"TROOTS-*"})
//
//	if filter.Match("TROOTS-1") {
//		// Publish event
//	}
package publisher
