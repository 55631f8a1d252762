package gateway

import (
	"fmt"

	"github.com/google/uuid"
)

// NewServerIdentity mints the unique identifier for this process
// instance. It attributes registrations in multi-instance debugging and
// keys cluster fan-out origin checks.
func NewServerIdentity() string {
	return fmt.Sprintf("gateway-%s", uuid.NewString())
}
