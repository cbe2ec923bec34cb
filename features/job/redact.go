package job

import "encoding/json"

// redactPayload reduces a payload to the per-type allowlist of identifiers
// safe to show in listings and detail views. Everything else, review text
// included, stays server-side.
func redactPayload(typ Type, payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil
	}

	var keys []string
	switch typ {
	case TypeSyncReviews:
		keys = []string{"locationId"}
	case TypeGenerateDraft:
		keys = []string{"reviewId", "tone"}
	case TypeVerifyDraft:
		keys = []string{"draftId"}
	case TypePostReply:
		keys = []string{"reviewId", "draftReplyId"}
	default:
		// SYNC_LOCATIONS and unknown types expose nothing.
		return nil
	}

	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := obj[k].(string); ok && v != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	raw, _ := json.Marshal(out)
	return raw
}
