// Package kyc keeps seller payment eligibility in sync with the processor's view of their
// connected account.
package kyc

import (
	"github.com/ariefcatur/go-payment-reconciliation/internal/ledger"
	"github.com/ariefcatur/go-payment-reconciliation/internal/processor"
)

// Map derives a seller's KYC status from an account snapshot. A disabled account is
// restricted even when nothing is currently due.
func Map(a processor.Account) ledger.KYCStatus {
	switch {
	case a.Requirements.DisabledReason != "":
		return ledger.KYCRestricted
	case len(a.Requirements.CurrentlyDue) > 0:
		return ledger.KYCActionRequired
	case a.ChargesEnabled && a.PayoutsEnabled:
		return ledger.KYCVerified
	default:
		return ledger.KYCPending
	}
}
