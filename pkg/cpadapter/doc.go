/*
Package cpadapter turns an asynchronous, event-driven contract negotiation
and data transfer workflow into a single blocking call.

# Overview

A caller asks for the endpoint data reference of an asset offered by a
provider. Behind that request the adapter:
  - looks for a reusable contract agreement, or finds the provider's offer
    in its catalog and starts a negotiation
  - waits for the negotiation outcome, which is reported by an external
    event that may arrive before or after the request is ready for it
  - starts the data transfer and waits for its endpoint data reference
  - hands the final payload to the caller blocked in Retrieve or Pull

Each step runs as a listener on a message bus channel. The in-memory
profile runs listeners on a bounded worker pool; the durable profile
persists every envelope in SQLite or Redis and redelivers failures until
their retry budget is spent. Exhausted envelopes end up on DLQ, where they
become error results, so a waiting caller is always released.

# Basic Usage

	a, err := cpadapter.New(config.Defaults(), cpadapter.Collaborators{
	    Agreements:   agreements,
	    Negotiations: negotiations,
	    Transfers:    transfers,
	    Catalog:      catalogFetcher,
	})
	if err != nil {
	    log.Fatal(err)
	}
	a.Start(ctx)
	defer a.Close()

	resp, err := a.Retrieve(ctx, cpadapter.Request{
	    AssetID:  "asset-1",
	    Provider: "https://provider.example/api/v1/dsp",
	}, 0)

Negotiation and transfer events are fed back through Confirmed, Declined,
Failed and ReceiveDataReference.

# Configuration

config.Settings selects the profile. Setting Persistence.Driver to
"sqlite" (with a DSN) or "redis" (with an address) enables the durable
bus and persists correlation records in the same store. WithRedisClient
replaces the client New would otherwise dial.
*/
package cpadapter
