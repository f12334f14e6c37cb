// Package peer decodes the identity carried in a sync peer id.
//
// Peer ids have the form peer-<userId>:<nonce>. The user id is what
// authorization is decided on; the nonce only distinguishes connections.
package peer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"
)

const (
	Prefix = "peer-"

	// MinLength rules out placeholders such as "peer-1:" that anonymous or
	// transport level peers use.
	MinLength = 8
)

var ErrMalformed = errors.New("malformed peer id")

type ID struct {
	UserID int
	Nonce  string
}

func (id ID) String() string {
	return fmt.Sprintf("%s%d:%s", Prefix, id.UserID, id.Nonce)
}

// New returns the peer id for a fresh connection of userID.
func New(userID int) string {
	return ID{UserID: userID, Nonce: ulid.Make().String()}.String()
}

// Valid is the cheap sanity check run before any lookup.
func Valid(raw string) bool {
	return len(raw) >= MinLength && strings.HasPrefix(raw, Prefix)
}

func Parse(raw string) (ID, error) {
	if !Valid(raw) {
		return ID{}, fmt.Errorf("%w: %q", ErrMalformed, raw)
	}
	userPart, nonce, ok := strings.Cut(strings.TrimPrefix(raw, Prefix), ":")
	if !ok || nonce == "" {
		return ID{}, fmt.Errorf("%w: %q has no session nonce", ErrMalformed, raw)
	}
	userID, err := strconv.Atoi(userPart)
	if err != nil || userID <= 0 || strings.HasPrefix(userPart, "+") {
		return ID{}, fmt.Errorf("%w: %q has no valid user id", ErrMalformed, raw)
	}
	return ID{UserID: userID, Nonce: nonce}, nil
}
