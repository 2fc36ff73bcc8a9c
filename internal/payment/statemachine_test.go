package payment

import "testing"

func TestDepositPathTransitions(t *testing.T) {
	legal := [][2]Status{
		{StatusPending, StatusConfirming},
		{StatusPending, StatusFinished},
		{StatusConfirming, StatusFinished},
		{StatusPending, StatusFailed},
		{StatusPending, StatusExpired},
		{StatusConfirming, StatusPartiallyPaid},
	}
	for _, pair := range legal {
		if !CanTransition(pair[0], pair[1]) {
			t.Fatalf("expected %s -> %s to be legal", pair[0], pair[1])
		}
	}
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	terminals := []Status{StatusFinished, StatusExpired, StatusPartiallyPaid, StatusCompleted, StatusRefunded, StatusCancelled, StatusRejected}
	all := []Status{
		StatusPending, StatusConfirming, StatusFinished, StatusPartiallyPaid,
		StatusFailed, StatusExpired, StatusRequested, StatusLocked,
		StatusSubmitted, StatusCompleted, StatusRefunded, StatusCancelled, StatusRejected,
	}
	for _, from := range terminals {
		for _, to := range all {
			if CanTransition(from, to) {
				t.Fatalf("terminal status %s must not transition to %s", from, to)
			}
		}
	}
}

func TestFailedDepositCannotResurrect(t *testing.T) {
	if CanTransition(StatusFailed, StatusFinished) {
		t.Fatal("a failed deposit must not become finished")
	}
	if !Terminal(StatusFailed, Inbound) {
		t.Fatal("failed is terminal for deposits")
	}
}

func TestFailedWithdrawalMustRefund(t *testing.T) {
	if Terminal(StatusFailed, Outbound) {
		t.Fatal("a failed withdrawal still owes a refund and is not terminal")
	}
	if !CanTransition(StatusFailed, StatusRefunded) {
		t.Fatal("failed -> refunded must be legal")
	}
}

func TestOnlyFinishedCredits(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusConfirming, StatusPartiallyPaid, StatusFailed, StatusExpired} {
		if CreditsOnEntry(s) {
			t.Fatalf("status %s must not credit the account", s)
		}
	}
	if !CreditsOnEntry(StatusFinished) {
		t.Fatal("finished must credit the account")
	}
}

func TestPartiallyPaidNeedsReview(t *testing.T) {
	if !NeedsReview(StatusPartiallyPaid) {
		t.Fatal("partially paid records require manual review")
	}
	if NeedsReview(StatusFinished) {
		t.Fatal("finished records do not require review")
	}
}
