// Package code generates and parses the 9-character pairing codes that
// identify a sending session, e.g. "K7Q-482-ZP3".
package code

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
)

const (
	// PeerIDPrefix namespaces pairing codes on the transport.
	PeerIDPrefix = "spf-"

	// Length is the number of significant characters in a code.
	Length = 9

	groupLength = 3

	alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	digits       = "0123456789"
)

// ErrInvalidFormat is returned by Parse when the input does not hold exactly
// nine alphanumeric characters.
var ErrInvalidFormat = errors.New("invalid pairing code format")

// Code is an immutable pairing code made of three 3-character groups.
type Code struct {
	groups [3]string
}

// Generate returns a new random code using crypto/rand.
func Generate() (Code, error) {
	return GenerateFrom(rand.Reader)
}

// GenerateFrom returns a new code drawing randomness from r. Groups one and
// three are alphanumeric, group two is numeric only.
func GenerateFrom(r io.Reader) (Code, error) {
	var c Code
	for i, alphabet := range []string{alphanumeric, digits, alphanumeric} {
		group, err := randomGroup(r, alphabet)
		if err != nil {
			return Code{}, fmt.Errorf("generate pairing code: %w", err)
		}
		c.groups[i] = group
	}
	return c, nil
}

func randomGroup(r io.Reader, alphabet string) (string, error) {
	var b strings.Builder
	limit := big.NewInt(int64(len(alphabet)))
	for i := 0; i < groupLength; i++ {
		n, err := rand.Int(r, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(alphabet[n.Int64()])
	}
	return b.String(), nil
}

// Parse accepts user input such as "k7q 482-zp3" or "K7Q482ZP3". Everything
// that is not a letter or digit is dropped and the rest is uppercased. Any
// alphanumeric character is accepted in every group.
func Parse(input string) (Code, error) {
	var b strings.Builder
	for _, r := range input {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	clean := b.String()
	if len(clean) != Length {
		return Code{}, fmt.Errorf("%w: got %d characters, want %d", ErrInvalidFormat, len(clean), Length)
	}
	return Code{groups: [3]string{clean[0:3], clean[3:6], clean[6:9]}}, nil
}

// String formats the code with hyphens between groups.
func (c Code) String() string {
	return strings.Join(c.groups[:], "-")
}

// Raw returns the code with separators removed.
func (c Code) Raw() string {
	return strings.Join(c.groups[:], "")
}

// PeerID returns the transport identifier the sender registers under.
func (c Code) PeerID() string {
	return PeerIDPrefix + c.Raw()
}

// Groups returns the three groups of the code.
func (c Code) Groups() [3]string {
	return c.groups
}

// IsZero reports whether c is the zero Code.
func (c Code) IsZero() bool {
	return c.groups == [3]string{}
}
