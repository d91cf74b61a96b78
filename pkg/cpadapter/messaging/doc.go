// Package messaging routes workflow envelopes between channels.
//
// # Overview
//
// Every workflow step is a Listener registered for a Channel. A step does
// its work and hands the envelope to the next channel with Bus.Send. Two
// Bus implementations share the same Registry and delivery semantics:
//
//   - MemoryBus runs listeners on a bounded pool of goroutines. A failed
//     delivery is routed straight to the DLQ channel.
//   - DurableBus writes every envelope to a queue.Store and delivers it
//     from a scheduled poller. Failed deliveries are released back to the
//     store with one less retry; when the budget is spent the entry is
//     re-tagged to DLQ.
//
// Both guarantee at-least-once delivery: a listener may see the same
// envelope more than once and should be idempotent per trace id.
//
// # Usage
//
//	reg := messaging.NewRegistry[*model.ProcessData]()
//	reg.AddListener(messaging.ChannelInitial, negotiationHandler)
//	reg.AddListener(messaging.ChannelResult, resultService)
//
//	bus := messaging.NewMemoryBus(reg, messaging.MemoryConfig{Workers: 10})
//	defer bus.Close()
//
//	env := messaging.NewEnvelope(data, 3)
//	err := bus.Send(ctx, messaging.ChannelInitial, env)
//
// # Failure handling
//
// Listener panics are recovered and treated as failures. Errors marked
// permanent (see the errors package) skip the remaining retry budget.
package messaging
