package notify

import (
	"strings"

	"github.com/google/uuid"

	"github.com/example/school-run/internal/ident"
	"github.com/example/school-run/internal/models"
)

var alertNamespace = uuid.MustParse("6f1c2a3e-8d4b-5e7f-9a0b-1c2d3e4f5a6b")

// AlertID is stable for one (cycle, passenger, type, recipient) so that
// every producer of the same logical alert writes the same document.
func AlertID(cycleID string, passengerID ident.ID, t models.AlertType, recipient ident.ID) string {
	key := strings.Join([]string{cycleID, string(passengerID), string(t), string(recipient)}, "|")
	return uuid.NewSHA1(alertNamespace, []byte(key)).String()
}

// externalID derives the id of an externally triggered alert. Without an
// idempotency key every call produces a new alert.
func externalID(key string) string {
	if key == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(alertNamespace, []byte("external|"+key)).String()
}
