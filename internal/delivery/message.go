package delivery

import (
	"strings"
	"time"
)

const timeLayout = "2006-01-02 15:04:05 MST"

// Text renders the confirmation message for one claim.
func Text(req Request, at time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	res := req.Result
	if !res.CompletedAt.IsZero() {
		at = res.CompletedAt
	}

	var b strings.Builder
	if res.Success() {
		b.WriteString("🎁 Reward claim confirmation\n")
	} else {
		b.WriteString("⚠️ Reward claim failed\n")
	}
	b.WriteString("Account ID: " + res.AccountID + "\n")

	owner := req.Account.OwnerID
	if owner == "" {
		owner = res.OwnerID
	}
	if req.Account.Username != "" {
		owner += " (" + req.Account.Username + ")"
	}
	b.WriteString("Owner: " + strings.TrimSpace(owner) + "\n")
	b.WriteString("Time: " + at.In(loc).Format(timeLayout) + "\n")

	switch {
	case !res.Success():
		reason := res.Error
		if reason == "" {
			reason = "unknown error"
		}
		b.WriteString("Error: " + reason)
	case len(res.Items) == 0:
		b.WriteString("Already claimed: no new items this time.")
	default:
		b.WriteString("Claimed items:")
		for _, it := range res.Items {
			b.WriteString("\n• " + it)
		}
	}
	return b.String()
}
