package model

// RawMessage is a single mail message as delivered by a mail source.
// ID is the protocol level identifier (IMAP UID or mbox position).
type RawMessage struct {
	ID  string
	Raw []byte
}

// ParsedMessage is the decoded subject and plain text body of a message.
// Body is empty, never missing, when the message carries no text part.
type ParsedMessage struct {
	ID      string
	Subject string
	Body    string
}
