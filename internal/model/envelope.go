package model

// Envelope is the payload published to Kafka (via Debezium outbox SMT)
// when a batch is created.
type Envelope struct {
	BatchID string `json:"batch_id"`
	Total   int    `json:"total"`
}
