package ledger

const (
	operationCredit     = "credit"
	operationDebit      = "debit"
	operationChargeUnit = "charge_unit"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	idempotencyKeyDelimiter   = ":"
	idempotencySuffixConsumer = "consumer"
	idempotencySuffixProvider = "provider"
	idempotencySuffixPlatform = "platform"

	// PlatformActorID is the single account that collects commission.
	PlatformActorID = "platform"
)
