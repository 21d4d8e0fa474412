package settlement

import (
	"fmt"

	"github.com/alanyoungcy/pointsmarket/internal/domain"
)

// message renders the direct message sent to the owner of p.
func message(question string, s domain.Settlement, p domain.Payout) string {
	switch p.Kind {
	case domain.PayoutKindWin:
		return fmt.Sprintf("You won %s Points on '%s'!\nYour Bet: %s -> Payout: %s",
			points(p.Amount), question, points(p.Wagered), points(p.Amount))
	case domain.PayoutKindLoss:
		return fmt.Sprintf("You lost your bet of %s Points on '%s'.\nThe winning option was: '%s'.",
			points(p.Wagered), question, s.Result)
	default:
		return fmt.Sprintf("Your bet of %s Points has been refunded for the expired market:\n'%s'",
			points(p.Amount), question)
	}
}

// points formats n with thousands separators.
func points(n int64) string {
	s := fmt.Sprintf("%d", n)
	neg := false
	if n < 0 {
		neg = true
		s = s[1:]
	}
	var out []byte
	for i := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, s[i])
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}
