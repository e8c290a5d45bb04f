package merge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"horse.fit/dupehub/internal/db"
	"horse.fit/dupehub/internal/notify"
)

const (
	RecipientSource = "source"
	RecipientTarget = "target"
)

// Delivery is the outcome of one merge notice.
type Delivery struct {
	Role      string `json:"role"`
	UserID    string `json:"user_id"`
	Recipient string `json:"recipient"`
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

// notifyMerge tells both account holders about the merge. Failures are
// reported per recipient and never fail the merge.
func (e *Engine) notifyMerge(ctx context.Context, op *db.MergeOperationRecord) []Delivery {
	deliveries := make([]Delivery, 0, 2)
	if e.notifier == nil {
		return deliveries
	}

	deadline := op.RollbackExpiresAt.UTC().Format(time.RFC1123)
	notices := []struct {
		role, userID, email, subject, body string
	}{
		{
			role:    RecipientSource,
			userID:  op.SourceUserID,
			email:   op.SourceSnapshot.Email,
			subject: "Your account was merged",
			body: fmt.Sprintf(
				"Hello %s,\n\nYour account was merged into the account registered to %s.\nSign in with that account from now on.\nIf this was a mistake, contact support before %s.\n",
				displayName(op.SourceSnapshot.Name), op.TargetSnapshot.Email, deadline,
			),
		},
		{
			role:    RecipientTarget,
			userID:  op.TargetUserID,
			email:   op.TargetSnapshot.Email,
			subject: "A duplicate account was merged into yours",
			body: fmt.Sprintf(
				"Hello %s,\n\nThe account registered to %s was merged into yours.\nIts bookings, payments, messages, documents and favorites now appear on your account.\n",
				displayName(op.TargetSnapshot.Name), op.SourceSnapshot.Email,
			),
		},
	}

	for _, n := range notices {
		delivery := Delivery{Role: n.role, UserID: n.userID, Recipient: n.email}
		if strings.TrimSpace(n.email) == "" {
			delivery.Error = "no email address on file"
		} else if err := e.notifier.Send(ctx, notify.Message{To: n.email, Subject: n.subject, Body: n.body}); err != nil {
			delivery.Error = err.Error()
		} else {
			delivery.Delivered = true
		}

		if !delivery.Delivered {
			e.logger.Warn().
				Str("operation_id", op.ID).
				Str("role", n.role).
				Str("user_id", n.userID).
				Str("error", delivery.Error).
				Msg("Merge notice not delivered")
		}
		deliveries = append(deliveries, delivery)
	}
	return deliveries
}

func displayName(name string) string {
	if trimmed := strings.TrimSpace(name); trimmed != "" {
		return trimmed
	}
	return "there"
}
