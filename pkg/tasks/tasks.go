// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

// DocumentIngestTask represents the data structure for a document ingestion job.
type DocumentIngestTask struct {
	StorageKey   string `json:"storage_key"`
	Title        string `json:"title"`
	CollectionID string `json:"collection_id"`
	AuthoredAt   string `json:"authored_at,omitempty"` // "2006-01-02"
}
