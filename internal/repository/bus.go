package repository

type MessageBus interface {
	Publish(topic string, data []byte) error
}

// TopicTransactions carries model.TransactionEvent payloads for every
// committed ledger operation.
const TopicTransactions = "ledger.transactions"
