package relay

import (
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

// codeAlphabet omits 0, O, 1 and I.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeLength is the length of a private room code.
const CodeLength = 6

func newRoomID() string {
	return uuid.NewString()
}

func randomCode() string {
	var b strings.Builder
	b.Grow(CodeLength)
	for range CodeLength {
		b.WriteByte(codeAlphabet[rand.IntN(len(codeAlphabet))])
	}
	return b.String()
}
