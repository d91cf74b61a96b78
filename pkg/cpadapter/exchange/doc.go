// Package exchange correlates two asynchronous events that share a key.
//
// A workflow step that needs the outcome of an external process (a
// contract negotiation, a data transfer) parks its request under the
// process id. The callback that reports the outcome offers it under the
// same id. Whichever side arrives second receives the other side's value
// and completes the work; the first side simply returns.
//
//	// workflow side
//	info, ok, err := contracts.OfferRequest(ctx, negotiationID, env)
//	if !ok {
//	    return nil // parked; the callback will resume it
//	}
//
//	// callback side
//	env, ok, err := contracts.OfferOutcome(ctx, negotiationID, info)
//	if ok {
//	    resume(env, info)
//	}
//
// Both offers for a key are serialized by a per-key lock, so exactly one
// side observes the other and the record is removed once matched.
// Records are JSON encoded and kept in a Backend: MemoryBackend for a
// single process, SQLiteBackend to survive restarts.
package exchange
