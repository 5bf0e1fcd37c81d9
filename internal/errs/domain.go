package errs

var (
	ErrMissingToken   = Unauthorized("missing token")
	ErrInvalidToken   = Unauthorized("invalid token")
	ErrAccountDeleted = New(CodeAccountDeleted, "account deleted")

	ErrNotMember      = Forbidden("not in conversation")
	ErrEmptyContent   = InvalidArg("content required")
	ErrMissingID      = InvalidArg("id required")
	ErrInvalidMessage = InvalidArg("invalid message")
	ErrSelfDM         = InvalidArg("cannot DM yourself")
	ErrGroupTooSmall  = InvalidArg("group must include at least you and 2 others")
	ErrInvalidCursor  = InvalidArg("invalid cursor")
	ErrUnknownMembers = InvalidArg("one or more users not found")

	ErrMessageNotFound      = NotFound("message not found")
	ErrConversationNotFound = NotFound("conversation not found")
	ErrUserNotFound         = NotFound("user not found")

	ErrNotConnected = Unavailable("not connected", nil)
)
