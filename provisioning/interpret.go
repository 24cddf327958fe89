package provisioning

import (
	"encoding/json"
	"strings"
)

var (
	positiveStatuses = map[string]bool{
		"success": true, "successful": true, "delivered": true, "completed": true, "ok": true, "true": true,
	}
	negativeStatuses = map[string]bool{
		"failed": true, "failure": true, "fail": true, "error": true, "rejected": true, "false": true, "reversed": true,
	}
)

// InterpretResult decides whether a provider response reports a delivered bundle.
// The provider is inconsistent about field names across endpoints, so several known
// indicators are checked. A response is successful only when at least one indicator is
// positive and none is negative; an unrecognised shape is a failure.
func InterpretResult(raw []byte) bool {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return false
	}

	var positive, negative bool
	inspect := func(m map[string]any) {
		for _, key := range []string{"success", "Success", "status", "Status", "delivery_status"} {
			v, ok := m[key]
			if !ok {
				continue
			}
			switch verdict(v) {
			case 1:
				positive = true
			case -1:
				negative = true
			}
		}
	}

	inspect(body)
	if data, ok := body["data"].(map[string]any); ok {
		inspect(data)
	}
	if hasError(body["error"]) || hasError(body["errors"]) {
		negative = true
	}
	return positive && !negative
}

func verdict(v any) int {
	switch t := v.(type) {
	case bool:
		if t {
			return 1
		}
		return -1
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		switch {
		case positiveStatuses[s]:
			return 1
		case negativeStatuses[s]:
			return -1
		}
	}
	return 0
}

func hasError(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(t) != ""
	case bool:
		return t
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
