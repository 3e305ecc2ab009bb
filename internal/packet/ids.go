package packet

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/google/uuid"
)

// RandomID returns a 32-character hex id used for requests, sessions and
// synchronizations.
func RandomID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// RandomClientID returns a fresh client id for a connect attempt. The server
// uses it for sharding and session affinity, so every (re)connect must
// generate a new one.
func RandomClientID() string {
	return fmt.Sprintf("%.10f", rand.Float64())
}
