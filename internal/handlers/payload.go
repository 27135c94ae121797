package handlers

import (
	"encoding/json"
	"mime"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"sentinel/internal/format"
)

// Webhook payloads from workflows are loosely shaped: fields may sit at the top level
// or under one of these containers.
var containers = []string{"", "data.", "data.message.", "message.", "Message.", "sms.", "contact."}

var (
	textKeys           = []string{"body", "message", "text", "content", "Message"}
	conversationKeys   = []string{"conversationId", "conversation_id", "conversationID", "conversation", "conversation.id", "conversation.conversationId"}
	contactKeys        = []string{"contactId", "contact_id", "contactID", "contact", "contact.id"}
	phoneKeys          = []string{"from", "fromNumber", "phone", "customerPhone"}
	directionKeys      = []string{"direction", "type"}
	contactTypeKeys    = []string{"contactType", "contact_type", "type"}
	nameKeys           = []string{"contactName", "fullName", "full_name", "name"}
	userKeys           = []string{"userId", "user_id", "userID"}
	timestampKeys      = []string{"dateAdded", "date_added", "timestamp"}
	voicemailRouteKeys = []string{"voicemail_route", "voicemailRoute", "customData.voicemail_route"}
)

// Payload is the normalized view of a conversation webhook.
type Payload struct {
	Text            string
	ContactID       string
	ConversationID  string
	Phone           string
	Direction       string
	ContactType     string
	ContactName     string
	UserID          string
	OccurredAt      time.Time
	VoicemailRoutes []string
}

// IsOutbound reports whether the business sent the message.
func (p Payload) IsOutbound() bool {
	return p.Direction == "outbound" || p.Direction == "outgoing"
}

// ToJSON converts a request body to a JSON document. Form bodies become objects;
// anything unparseable is wrapped as {"_raw": "..."}.
func ToJSON(contentType string, body []byte) []byte {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	trimmed := strings.TrimSpace(string(body))

	if mediaType == "application/x-www-form-urlencoded" || (mediaType != "application/json" && !gjson.Valid(trimmed)) {
		if values, err := url.ParseQuery(trimmed); err == nil && len(values) > 0 && strings.Contains(trimmed, "=") {
			doc := make(map[string]any, len(values))
			for k, v := range values {
				if len(v) == 1 {
					doc[k] = v[0]
				} else {
					doc[k] = v
				}
			}
			if out, err := json.Marshal(doc); err == nil {
				return out
			}
		}
	}
	if trimmed != "" && gjson.Valid(trimmed) && gjson.Parse(trimmed).IsObject() {
		return []byte(trimmed)
	}
	out, _ := json.Marshal(map[string]string{"_raw": string(body)})
	return out
}

// ParsePayload extracts the fields the engine needs from a JSON webhook document.
func ParsePayload(doc []byte) Payload {
	p := Payload{
		Text:           firstString(doc, textKeys),
		ContactID:      firstString(doc, contactKeys),
		ConversationID: firstString(doc, conversationKeys),
		Phone:          format.NormalizePhone(firstString(doc, phoneKeys)),
		Direction:      strings.ToLower(firstString(doc, directionKeys)),
		ContactType:    strings.ToLower(firstString(doc, contactTypeKeys)),
		ContactName:    firstString(doc, nameKeys),
		UserID:         firstString(doc, userKeys),
	}
	if ts := firstString(doc, timestampKeys); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			p.OccurredAt = t.UTC()
		}
	}
	for _, key := range voicemailRouteKeys {
		r := gjson.GetBytes(doc, key)
		if !r.Exists() {
			continue
		}
		if r.IsArray() {
			for _, item := range r.Array() {
				if s := strings.TrimSpace(item.String()); s != "" {
					p.VoicemailRoutes = append(p.VoicemailRoutes, s)
				}
			}
		} else if s := strings.TrimSpace(r.String()); s != "" {
			p.VoicemailRoutes = append(p.VoicemailRoutes, s)
		}
		break
	}
	return p
}

// firstString returns the first non-empty string value among keys, trying the top level
// before each nested container.
func firstString(doc []byte, keys []string) string {
	for _, prefix := range containers {
		for _, key := range keys {
			r := gjson.GetBytes(doc, prefix+key)
			if r.Type != gjson.String {
				continue
			}
			if s := strings.TrimSpace(r.Str); s != "" {
				return s
			}
		}
	}
	return ""
}
