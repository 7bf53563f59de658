package custody

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewProductID returns PROD-<year>-<12 hex chars>.
func NewProductID(now time.Time) string {
	hex := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "PROD-" + strconv.Itoa(now.Year()) + "-" + hex[:12]
}
