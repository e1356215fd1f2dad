package app

import "errors"

var (
	// ErrMissingFields means a required request field was empty.
	ErrMissingFields = errors.New("username and password are required")
	// ErrUsernameTaken means registration hit an existing username.
	ErrUsernameTaken = errors.New("username already exists")
	// ErrInvalidCredentials means login failed. Unknown user and wrong
	// password are deliberately indistinguishable.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNoImages means an upload request carried no image files.
	ErrNoImages = errors.New("no images provided")
)
