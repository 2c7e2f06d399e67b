package models

// CallbackEntry pairs a remote webhook subscription with the entity type and
// URL it targets. At most one active entry exists per (callback type, URL)
type CallbackEntry struct {
	EntryID      int64  `json:"entry_id"`
	CallbackType string `json:"callback_type"`
	URL          string `json:"url"`
	ObjectID     int64  `json:"object_id"`
	Level        string `json:"level"`
	Description  string `json:"description"`
	MemberID     int64  `json:"member_id"`
}
