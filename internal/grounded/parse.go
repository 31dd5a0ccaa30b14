package grounded

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// decodeStrictJSON unmarshals model output into dest. Models sometimes wrap
// JSON in code fences or emit minor syntax damage; fences are stripped and
// jsonrepair is tried before giving up with ErrInvalidResponse.
func decodeStrictJSON(raw string, dest any) error {
	cleaned := stripCodeFences(raw)
	if cleaned == "" {
		return fmt.Errorf("%w: empty output", ErrInvalidResponse)
	}

	if err := json.Unmarshal([]byte(cleaned), dest); err == nil {
		return nil
	}

	repaired, err := jsonrepair.JSONRepair(cleaned)
	if err != nil {
		return fmt.Errorf("%w: unrepairable JSON", ErrInvalidResponse)
	}
	if err := json.Unmarshal([]byte(repaired), dest); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

// stripCodeFences removes a surrounding ```json ... ``` block if present.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
