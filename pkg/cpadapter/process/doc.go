// Package process implements the workflow stages of a data reference
// request.
//
// A request moves through the bus like this:
//
//	INITIAL                NegotiationHandler: reuse an agreement or start a negotiation
//	CONTRACT_CONFIRMATION  ConfirmationHandler: wait for the negotiation outcome
//	DATA_REFERENCE         DataReferenceHandler: start the transfer, wait for the EDR
//	RESULT                 ResultService: hand the payload to the waiting caller
//	DLQ                    ErrorResultHandler: turn a failed envelope into an error result
//
// Two stages depend on events produced elsewhere: negotiation outcomes
// (ConfirmationHandler.Confirmed, Declined, Failed) and endpoint data
// references (DataReferenceHandler.ReceiveDataReference). Each stage
// reconciles the event with its envelope through an exchange.Store, so
// the event may arrive before or after the envelope parks.
//
// Every path ends on RESULT or DLQ, so a caller blocked in
// ResultService.PullTimeout is always released.
package process
