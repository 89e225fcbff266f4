//go:build !nortmidi

package main

// Register the rtmidi driver; build with -tags nortmidi for a cgo-free binary
// that logs notes instead of sending them
import _ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
