package chat

import "errors"

// Sentinel errors for chat operations.
var (
	// Validation
	ErrSelfConversation = errors.New("cannot start a conversation with yourself")
	ErrInvalidMessage   = errors.New("invalid message")
	ErrNotParticipant   = errors.New("sender and receiver must be the conversation participants")
	ErrReplyOutside     = errors.New("reply target belongs to another conversation")
	ErrInvalidStatus    = errors.New("invalid message status")

	// Authorization. Deliberately generic so it does not reveal membership.
	ErrAccessDenied = errors.New("access denied")

	// Not found
	ErrUserNotFound         = errors.New("user not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
)

// IsValidation reports whether err is a client-side validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrSelfConversation) ||
		errors.Is(err, ErrInvalidMessage) ||
		errors.Is(err, ErrNotParticipant) ||
		errors.Is(err, ErrReplyOutside) ||
		errors.Is(err, ErrInvalidStatus)
}

// IsNotFound reports whether err names a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrConversationNotFound) ||
		errors.Is(err, ErrMessageNotFound)
}
