package relay

import (
	"errors"
	"io"
	"net"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// maxCloseReason is the control frame payload limit minus the 2-byte code
const maxCloseReason = 123

// closeCode returns a code that may be sent in a close frame. Codes that
// only describe local conditions (1005, 1006, 1015) and out-of-range codes
// become a normal closure.
func closeCode(code int) int {
	switch {
	case code == websocket.CloseNoStatusReceived,
		code == websocket.CloseAbnormalClosure,
		code == websocket.CloseTLSHandshake:
		return websocket.CloseNormalClosure
	case code < 1000 || code > 4999:
		return websocket.CloseNormalClosure
	case code >= 1016 && code < 3000:
		return websocket.CloseNormalClosure
	}
	return code
}

// closeReason truncates reason to fit a control frame without splitting a rune
func closeReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	cut := maxCloseReason
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}

// sendClose writes a close frame. Failures are logged and otherwise ignored.
func sendClose(logger zerolog.Logger, side string, conn Conn, code int, reason string, timeout time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("side", side).Msg("Panic while sending close frame")
		}
	}()

	msg := websocket.FormatCloseMessage(closeCode(code), closeReason(reason))
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout)); err != nil && !isClosedErr(err) {
		logger.Debug().Err(err).Str("side", side).Msg("Failed to send close frame")
	}
}

// closeQuietly releases a connection. It never panics and never returns an
// error, so a failure on one side cannot prevent closing the other.
func closeQuietly(logger zerolog.Logger, side string, c io.Closer) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("side", side).Msg("Panic while closing connection")
		}
	}()

	if c == nil {
		return
	}
	if err := c.Close(); err != nil && !isClosedErr(err) {
		logger.Debug().Err(err).Str("side", side).Msg("Error closing connection")
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent)
}
