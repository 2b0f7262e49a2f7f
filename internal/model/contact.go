package model

import "time"

// Submission is a contact form payload as received from the client. It only
// lives for the duration of one pipeline run.
type Submission struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Message string `json:"message"`
	// Website is the honeypot field. Legitimate clients leave it empty.
	Website string `json:"website"`
	// SourceID identifies the submitting party, normally the client IP.
	SourceID string `json:"-"`
}

// ContactRecord is an accepted submission persisted by the repository.
// Records are never updated after creation.
type ContactRecord struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Message    string    `json:"message"`
	ReceivedAt time.Time `json:"received_at"`
}

// ContactListOptions carries pagination parameters for listing contact records.
// Records are always returned newest first.
type ContactListOptions struct {
	Limit  int
	Offset int
}
