package program

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidLevel = errors.New("program: invalid level")
	ErrInvalidName  = errors.New("program: invalid player name")
)

// Error is a custom error raised by the game program, reported by the
// ledger as InstructionError(_, Custom(code)).
type Error struct {
	Code    uint32
	Name    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("program error %d (%s): %s", e.Code, e.Name, e.Message)
}

// Custom error codes of the game program.
var (
	ErrCodeInvalidLevel      = &Error{Code: 6000, Name: "InvalidLevel", Message: "Invalid level number"}
	ErrCodeLevelLocked       = &Error{Code: 6001, Name: "LevelLocked", Message: "Level is locked"}
	ErrCodeGameNotActive     = &Error{Code: 6002, Name: "GameNotActive", Message: "Game session is not active"}
	ErrCodeInvalidPosition   = &Error{Code: 6003, Name: "InvalidPosition", Message: "Invalid grid position"}
	ErrCodeNotAdjacent       = &Error{Code: 6004, Name: "NotAdjacent", Message: "Candies are not adjacent"}
	ErrCodeInvalidAuth       = &Error{Code: 6005, Name: "InvalidAuth", Message: "Invalid authentication"}
	ErrCodeGameStillActive   = &Error{Code: 6006, Name: "GameStillActive", Message: "Game is still active"}
	ErrCodeInsufficientScore = &Error{Code: 6007, Name: "InsufficientScore", Message: "Insufficient score to mint NFT"}
)

var errorsByCode = map[uint32]*Error{}

func init() {
	for _, e := range []*Error{
		ErrCodeInvalidLevel, ErrCodeLevelLocked, ErrCodeGameNotActive, ErrCodeInvalidPosition,
		ErrCodeNotAdjacent, ErrCodeInvalidAuth, ErrCodeGameStillActive, ErrCodeInsufficientScore,
	} {
		errorsByCode[e.Code] = e
	}
}

// ErrorFromCode looks up a custom program error.
func ErrorFromCode(code uint32) (*Error, bool) {
	e, ok := errorsByCode[code]
	return e, ok
}
