package journal

import "binance-threshold-bot-go/internal/models"

// Journal defines the interface for the append-only trade record.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application. Appends happen on the engine's journal
// writer goroutine, so implementations only need to be safe for one writer
// plus concurrent readers.
type Journal interface {
	// Append durably records one executed trade.
	Append(ev models.TradeEvent) error

	// Events returns every recorded trade in append order.
	Events() ([]models.TradeEvent, error)

	// Close gracefully closes the underlying storage.
	Close() error
}
