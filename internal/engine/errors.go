package engine

import "errors"

// Command errors surface to the client verbatim inside the
// {success:false, error} reply. Anything not listed here is an
// unexpected repository or transport failure.
var (
	ErrChatNotFound    = errors.New("chat not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrNotChatMember   = errors.New("not your chat")
	ErrBadReaction     = errors.New("this is not one emoji")
	ErrEmptyQuery      = errors.New("empty request")
	ErrEmptyName       = errors.New("name is empty")
	ErrSelfContact     = errors.New("you can't add yourself")
	ErrAlreadyContact  = errors.New("you have this contact")
	ErrAlreadyMember   = errors.New("user already in the chat")
)
