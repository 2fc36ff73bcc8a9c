package payment

// transitions lists every legal status move. Anything absent is illegal,
// which makes terminal statuses monotonic: they simply have no outgoing
// edges (partially_paid is terminal until a human resolves the record).
var transitions = map[Status][]Status{
	StatusPending:    {StatusConfirming, StatusFinished, StatusFailed, StatusExpired, StatusPartiallyPaid},
	StatusConfirming: {StatusFinished, StatusFailed, StatusExpired, StatusPartiallyPaid},
	StatusRequested:  {StatusLocked, StatusRejected, StatusCancelled},
	StatusLocked:     {StatusSubmitted, StatusCancelled, StatusFailed},
	StatusSubmitted:  {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusRefunded},
}

// CanTransition reports whether a record may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further automated transition is permitted.
// A failed deposit is terminal; a failed withdrawal is not, because the
// mandatory refund still has to run.
func Terminal(s Status, d Direction) bool {
	switch s {
	case StatusFinished, StatusExpired, StatusPartiallyPaid, StatusCompleted,
		StatusRefunded, StatusCancelled, StatusRejected:
		return true
	case StatusFailed:
		return d == Inbound
	default:
		return false
	}
}

// CreditsOnEntry reports whether arriving at the status credits the account.
// Only finished deposits do; every other inbound status leaves the balance
// untouched.
func CreditsOnEntry(s Status) bool {
	return s == StatusFinished
}

// NeedsReview reports whether the status parks the record for a human.
func NeedsReview(s Status) bool {
	return s == StatusPartiallyPaid
}
