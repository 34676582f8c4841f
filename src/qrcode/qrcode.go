// Package qrcode renders pairing codes as terminal QR codes.
package qrcode

import (
	"io"
	"strings"

	"rsc.io/qr"
)

// HalfBlock renders text as a QR code drawn with half-block characters, two
// pixel rows per line. Each line starts with leftPadding spaces and ends with
// a newline.
func HalfBlock(text string, leftPadding int) (string, error) {
	code, err := qr.Encode(text, qr.L)
	if err != nil {
		return "", err
	}

	size := code.Size
	padding := strings.Repeat(" ", leftPadding)
	var b strings.Builder
	for y := 0; y < size; y += 2 {
		b.WriteString(padding)
		for x := 0; x < size; x++ {
			top := code.Black(x, y)
			bottom := y+1 < size && code.Black(x, y+1)
			switch {
			case top && bottom:
				b.WriteString("█")
			case top:
				b.WriteString("▀")
			case bottom:
				b.WriteString("▄")
			default:
				b.WriteString(" ")
			}
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

// PrintHalfBlock writes the HalfBlock rendering of text to w.
func PrintHalfBlock(w io.Writer, text string, leftPadding int) error {
	s, err := HalfBlock(text, leftPadding)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, s)
	return err
}

// ReceiveCommand is the text encoded for a pairing code: the command a
// receiver runs to join.
func ReceiveCommand(program, pairingCode string) string {
	return program + " receive " + pairingCode
}
