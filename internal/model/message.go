// Package model holds the message types and error kinds shared by the mail
// sources, the notifiers and the reconciliation pipeline.
package model

const (
	HeaderFrom    = "From"
	HeaderSubject = "Subject"
)

// MessageMeta is the header metadata reported for a single message.
// Empty Sender or Subject means the header was absent.
type MessageMeta struct {
	ID      string `json:"id"`
	Sender  string `json:"sender,omitempty"`
	Subject string `json:"subject,omitempty"`
}

// Header is a single raw message header.
type Header struct {
	Name  string
	Value string
}

// MetaFromHeaders builds MessageMeta from a full header collection.
// Names match exactly and the first occurrence wins.
func MetaFromHeaders(id string, headers []Header) MessageMeta {
	meta := MessageMeta{ID: id}

	var haveSender, haveSubject bool
	for _, h := range headers {
		switch h.Name {
		case HeaderFrom:
			if !haveSender {
				meta.Sender, haveSender = h.Value, true
			}
		case HeaderSubject:
			if !haveSubject {
				meta.Subject, haveSubject = h.Value, true
			}
		}
		if haveSender && haveSubject {
			break
		}
	}

	return meta
}
