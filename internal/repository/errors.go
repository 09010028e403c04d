package repository

import "errors"

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrCookiesNotFound = errors.New("cookies not found")
	ErrTokenNotFound   = errors.New("token not found")
	ErrFormatNotFound  = errors.New("format not found")
)
