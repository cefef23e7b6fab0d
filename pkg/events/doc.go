/*
Package events provides an in-memory event broker for host lifecycle
notifications.

The host publishes an event whenever a worker is spawned, becomes ready,
is killed or dies, when a job is retried or finally fails, and when an
artifact is prepared or invalidated. Subscribers receive every event
unless they name the types they want.

# Architecture

	Publisher → Event Channel (buffer: 256)
	     ↓
	Broadcast Loop
	     ↓
	Subscriber Channels (buffer: 64 each)

Publishing never blocks. When the broker queue or a subscriber buffer is
full the event is dropped for that consumer and counted in Dropped.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for event := range sub {
		if event.Type == events.EventWorkerDied {
			fmt.Println(event.Metadata[events.KeyWorkerID], event.Message)
		}
	}

# Metadata

Worker events carry worker_id, pid and pool. Job events carry job_id,
pool, attempt and reason. Artifact events carry artifact, the cache key
of the handle.
*/
package events
