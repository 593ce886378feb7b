package models

// Changeset is the snapshot served by the changeset endpoint.
type Changeset struct {
	Metadata  Object   `json:"metadata"`
	Timestamp int64    `json:"timestamp"`
	Changes   []Object `json:"changes"`
}

// MonitorEntry is one virtual record of the monitor/changes collection.
type MonitorEntry struct {
	ID           string `json:"id"`
	Bucket       string `json:"bucket"`
	Collection   string `json:"collection"`
	Host         string `json:"host"`
	LastModified int64  `json:"last_modified"`
}

func (e MonitorEntry) Object() Object {
	return Object{
		FieldID:           e.ID,
		"bucket":          e.Bucket,
		"collection":      e.Collection,
		"host":            e.Host,
		FieldLastModified: e.LastModified,
	}
}
