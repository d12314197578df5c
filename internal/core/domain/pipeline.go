package domain

import "time"

// StageEvent announces a committed stage transition.
type StageEvent struct {
	DocumentID int64     `json:"document_id"`
	From       Stage     `json:"from"`
	To         Stage     `json:"to"`
	At         time.Time `json:"at"`
}

// Attachment is a file found in a client group's mailbox.
type Attachment struct {
	MessageID  string
	FileName   string
	Location   string
	ReceivedAt time.Time
	Size       int64
}

// ExpenseDelivery is the body posted to the payment system.
type ExpenseDelivery struct {
	DocumentID  int64  `json:"documentId"`
	FileName    string `json:"fileName"`
	SupportCode string `json:"codSupport"`
	Type        string `json:"type"`
	JSON        string `json:"json"`
}

// DeliveryResult is the payment system verdict for a delivered document.
// A non-empty ArchivePath asks for the file to be archived under that key.
type DeliveryResult struct {
	DocumentID  int64  `json:"documentId"`
	ArchivePath string `json:"amazonPath,omitempty"`
}
