package kiroproto

import (
	"encoding/json"

	"github.com/google/uuid"
)

func jsonValid(s string) bool { return json.Valid([]byte(s)) }

func randomID() string { return uuid.NewString() }
