// Package ftpserver provides all the tools to build your own FTP server: the
// connection core, the command dispatch table and the data channel manager.
package ftpserver

import (
	"bufio"
	"fmt"
	"strings"
)

// StatusCode is an FTP three-digit reply code, as defined by RFC 959 and its
// extensions (RFC 2228, RFC 2389, RFC 3659).
type StatusCode int

// Reply codes used by this server. Names follow the convention already used
// by the handlers (StatusXxx); values and canonical text come straight from
// RFC 959 / RFC 2228 / RFC 2389 / RFC 3659.
const (
	StatusFileStatusOK             StatusCode = 150
	StatusOK                       StatusCode = 200
	StatusCommandNotImplemented    StatusCode = 202
	StatusSystemStatus             StatusCode = 211
	StatusFileStatus               StatusCode = 213
	StatusSystemType                StatusCode = 215
	StatusServiceReady              StatusCode = 220
	StatusClosingControlConn        StatusCode = 221
	StatusDataConnectionOpen        StatusCode = 225
	StatusClosingDataConn           StatusCode = 226
	StatusEnteringPASV              StatusCode = 227
	StatusEnteringEPSV               StatusCode = 229
	StatusUserLoggedIn              StatusCode = 230
	StatusAuthAccepted              StatusCode = 234
	StatusFileOK                    StatusCode = 250
	StatusPathCreated               StatusCode = 257
	StatusUserOK                    StatusCode = 331
	StatusNeedAccount               StatusCode = 332
	StatusFileActionPending          StatusCode = 350
	StatusServiceNotAvailable        StatusCode = 421
	StatusCannotOpenDataConnection   StatusCode = 425
	StatusTransferAborted            StatusCode = 426
	StatusActionNotTaken             StatusCode = 450
	StatusLocalError                 StatusCode = 451
	StatusSyntaxErrorNotRecognised   StatusCode = 500
	StatusSyntaxErrorParameters      StatusCode = 501
	StatusNotImplemented             StatusCode = 502
	StatusBadCommandSequence         StatusCode = 503
	StatusNotImplementedParam        StatusCode = 504
	StatusNotLoggedIn                StatusCode = 530
	StatusActionNotTakenNoFile       StatusCode = 550
	StatusActionAborted              StatusCode = 552
	StatusFileNameNotAllowed         StatusCode = 553
	// StatusExtendedMismatch (RFC 2428 §3) is returned for EPRT/EPSV when the
	// requested network protocol doesn't match the control connection's.
	StatusExtendedMismatch StatusCode = 522
)

// replyText is the canonical single-line text for each reply code, as
// enumerated in the Reply Formatter's contract. Handlers may still supply
// their own contextual text (e.g. "CD issue: <err>"); this table is what
// backs the code's default/neutral wording and is exercised by FEAT/HELP
// style informational replies and by tests asserting code<->text pairing.
var replyText = map[StatusCode]string{ //nolint:gochecknoglobals
	StatusFileStatusOK:            "File status okay; about to open data connection.",
	StatusOK:                      "Command okay.",
	StatusCommandNotImplemented:   "Command not implemented, superfluous at this site.",
	StatusSystemStatus:            "System status, or system help reply.",
	StatusFileStatus:              "File status.",
	StatusSystemType:              "UNIX Type: L8",
	StatusServiceReady:            "Service ready for new user.",
	StatusClosingControlConn:      "Service closing control connection.",
	StatusDataConnectionOpen:      "Data connection open; no transfer in progress.",
	StatusClosingDataConn:         "Closing data connection. Requested file action successful.",
	StatusEnteringPASV:            "Entering Passive Mode.",
	StatusEnteringEPSV:            "Entering Extended Passive Mode.",
	StatusUserLoggedIn:            "User logged in, proceed.",
	StatusAuthAccepted:            "AUTH command ok. Expecting TLS Negotiation.",
	StatusFileOK:                  "Requested file action okay, completed.",
	StatusPathCreated:             "is current directory.",
	StatusUserOK:                  "User name okay, need password.",
	StatusNeedAccount:             "Need account for login.",
	StatusFileActionPending:       "Requested file action pending further information.",
	StatusServiceNotAvailable:     "Service not available, closing control connection.",
	StatusCannotOpenDataConnection: "Can't open data connection.",
	StatusTransferAborted:         "Connection closed; transfer aborted.",
	StatusActionNotTaken:          "Requested file action not taken.",
	StatusLocalError:              "Requested action aborted: local error in processing.",
	StatusSyntaxErrorNotRecognised: "Syntax error, command unrecognized.",
	StatusSyntaxErrorParameters:   "Syntax error in parameters or arguments.",
	StatusNotImplemented:          "Command not implemented.",
	StatusBadCommandSequence:      "Bad sequence of commands.",
	StatusNotImplementedParam:     "Command not implemented for that parameter.",
	StatusNotLoggedIn:             "Not logged in.",
	StatusActionNotTakenNoFile:    "Requested action not taken. File unavailable.",
	StatusActionAborted:           "Requested file action aborted. Exceeded storage allocation.",
	StatusFileNameNotAllowed:      "Requested action not taken. File name not allowed.",
	StatusExtendedMismatch:        "Extended Port Failure - unknown network protocol.",
}

// defaultReplyText returns the canonical text for a code, or an empty string if the
// code isn't one the Reply Formatter knows natively (handlers always supply
// their own text in that case).
func defaultReplyText(code StatusCode) string {
	return replyText[code]
}

// writeLine sends one already-formatted reply line (without the CRLF, which
// this method appends) and flushes immediately: the Session guarantees that
// no two replies interleave, which in practice means every write is followed
// by a flush before the next command is read.
func (c *clientHandler) writeLine(line string) {
	if c.debug {
		c.logger.Debug("Sending answer", "line", line)
	}

	if _, err := c.writer.WriteString(line + "\r\n"); err != nil {
		c.logger.Warn("Answer couldn't be sent", "line", line, "err", err)
	}

	if err := c.writer.Flush(); err != nil {
		c.logger.Warn("Couldn't flush line", "err", err)
	}
}

// writeMessage emits a complete reply for a given code. A multi-line message
// (one containing embedded newlines) is framed as `NNN-first`, continuation
// lines verbatim, then `NNN last`, per RFC 959 §4.2.
func (c *clientHandler) writeMessage(code StatusCode, message string) {
	lines := splitMessageLines(message)

	for idx, line := range lines {
		if idx < len(lines)-1 {
			c.writeLine(fmt.Sprintf("%d-%s", code, line))
		} else {
			c.writeLine(fmt.Sprintf("%d %s", code, line))
		}
	}
}

// writeStatus emits the canonical text for a code, for replies that don't
// need contextual wording (NOOP, PBSZ, ...).
func (c *clientHandler) writeStatus(code StatusCode) {
	c.writeMessage(code, defaultReplyText(code))
}

// multilineAnswer opens a multi-line reply (FEAT, STAT) and returns a closure
// that terminates it; intermediate lines are written by the caller with
// writeLine directly, and this adds no prefix to them (callers that want the
// leading space RFC 959 recommends for uncoded continuation lines write it
// themselves).
func (c *clientHandler) multilineAnswer(code StatusCode, message string) func() {
	c.writeLine(fmt.Sprintf("%d-%s", code, message))

	return func() {
		c.writeLine(fmt.Sprintf("%d End", code))
	}
}

func splitMessageLines(message string) []string {
	lines := make([]string, 0, 1)
	sc := bufio.NewScanner(strings.NewReader(message))

	for sc.Scan() {
		lines = append(lines, sc.Text())
	}

	if len(lines) == 0 {
		lines = append(lines, "")
	}

	return lines
}
