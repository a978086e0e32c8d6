package credits

const (
	operationApplyEvent = "apply_event"
	operationSet        = "set"
	operationAdjust     = "adjust"

	operationStatusOK    = "ok"
	operationStatusNoop  = "noop"
	operationStatusError = "error"

	// DefaultRemainingCredits seeds accounts that have never been written.
	DefaultRemainingCredits int64 = 100

	inviteeEventPrefix = "invitee."

	reasonInserted           = "inserted"
	reasonRebooked           = "rebooked"
	reasonCanceled           = "canceled"
	reasonDuplicate          = "duplicate"
	reasonInsertRace         = "insert_race"
	reasonConcurrentUpdate   = "concurrent_update"
	reasonUnknownReservation = "unknown_reservation"
)
