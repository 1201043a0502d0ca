package game

import "errors"

// Error kinds surfaced by the game service. Missing and foreign sessions
// produce the same ErrNotFound so existence of other users' games never
// leaks.
var (
	ErrUnauthorized = errors.New("game: unauthorized")
	ErrNotFound     = errors.New("game: session not found")
	ErrFinished     = errors.New("game: session already finished")
	ErrNoPlayCredit = errors.New("game: no play credit available")
	ErrBadInput     = errors.New("game: bad input")
)
