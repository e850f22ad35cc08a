package entity

import "errors"

var (
	// Conversation errors
	ErrInvalidConversationID = errors.New("invalid conversation id")
	ErrInvalidUserID         = errors.New("invalid user id")
	ErrInvalidSource         = errors.New("invalid conversation source")

	// Message errors
	ErrInvalidRole     = errors.New("invalid message role")
	ErrInvalidSequence = errors.New("invalid sequence number")

	// Identity errors
	ErrIdentityUnresolved = errors.New("no internal user id for channel identity")
)
