package event

// Receipt kinds.
const (
	ReceiptRead      = "m.read"
	ReceiptFullyRead = "m.fully_read"
)

// Receipt marks how far a user has read in a room.
type Receipt struct {
	UserID    string
	EventID   string
	Timestamp int64
	Kind      string
}
