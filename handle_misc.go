package ftpserver

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// handleAUTH handles "AUTH TLS"/"AUTH SSL" (RFC 2228/4217 §4.5): it upgrades
// the control connection in place and keeps reading/writing through the new
// TLS-wrapped conn from the next line onward.
func (c *clientHandler) handleAUTH(param string) error {
	if !strings.EqualFold(param, "TLS") && !strings.EqualFold(param, "SSL") && !strings.EqualFold(param, "TLS-C") {
		c.writeMessage(StatusNotImplementedParam, "Only AUTH TLS is supported")

		return nil
	}

	tlsConfig, err := c.server.driver.GetTLSConfig()
	if err != nil || tlsConfig == nil {
		c.writeMessage(StatusActionNotTaken, fmt.Sprintf("Cannot get a TLS config: %v", err))

		return nil
	}

	c.writeMessage(StatusAuthAccepted, "AUTH command ok. Expecting TLS Negotiation.")

	tlsConn := tls.Server(c.conn, tlsConfig)
	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.writer = bufio.NewWriter(tlsConn)
	c.setTLSForControl(true)

	return nil
}

// handlePBSZ handles "PBSZ" (RFC 2228): only a protection buffer size of 0 is
// meaningful over TCP, so anything else is still accepted (clients are
// inconsistent about what they send) but PROT P requires PBSZ to have run.
func (c *clientHandler) handlePBSZ(param string) error {
	c.pbszSet = true
	c.writeStatus(StatusOK)

	return nil
}

// handlePROT handles "PROT" (RFC 2228 §4.5): C clears data-channel
// protection, P requires it; P is refused until PBSZ has run and until the
// control channel itself is under TLS.
func (c *clientHandler) handlePROT(param string) error {
	switch strings.ToUpper(param) {
	case "C":
		c.protectionLvl = ProtectionClear
		c.setTLSForTransfer(false)
		c.writeStatus(StatusOK)
	case "P":
		if !c.pbszSet {
			c.writeMessage(StatusBadCommandSequence, "PBSZ must precede PROT")

			return nil
		}

		if !c.HasTLSForControl() {
			c.writeMessage(StatusNotImplementedParam, "PROT P requires AUTH TLS first")

			return nil
		}

		c.protectionLvl = ProtectionPrivate
		c.setTLSForTransfer(true)
		c.writeStatus(StatusOK)
	default:
		c.writeMessage(StatusNotImplementedParam, "Only PROT C and PROT P are supported")
	}

	return nil
}

func (c *clientHandler) handleSYST(param string) error {
	if c.server.settings.DisableSYST {
		c.writeMessage(StatusCommandNotImplemented, "SYST is disabled")

		return nil
	}

	c.writeStatus(StatusSystemType)

	return nil
}

func (c *clientHandler) handleSTAT(param string) error {
	if param == "" {
		return c.handleSTATServer()
	}

	return c.handleSTATFile(param)
}

func (c *clientHandler) handleSTATServer() error {
	if c.server.settings.DisableSTAT {
		c.writeMessage(StatusCommandNotImplemented, "STAT is disabled")

		return nil
	}

	end := c.multilineAnswer(StatusSystemStatus, "Server status")
	defer end()

	duration := time.Now().UTC().Sub(c.connectedAt)
	duration -= duration % time.Second

	c.writeLine(fmt.Sprintf("Connected to %s from %s for %s", c.server.settings.ListenAddr, c.conn.RemoteAddr(), duration))

	if c.User() != "" {
		c.writeLine(fmt.Sprintf("Logged in as %s", c.User()))
	} else {
		c.writeLine("Not logged in yet")
	}

	c.writeLine(c.server.settings.Banner)

	return nil
}

// handleSITE handles "SITE" (§4.3): CHMOD, CHOWN, MKDIR and RMDIR are
// implemented against the session's ClientDriver (RMDIR preferring
// ClientDriverExtensionRemoveDir the same way RMD does); anything else is
// answered as unrecognised, as RFC 959 expects for subcommands a server
// doesn't support.
func (c *clientHandler) handleSITE(param string) error {
	if c.server.settings.DisableSite {
		c.writeMessage(StatusSyntaxErrorNotRecognised, "SITE support is disabled")

		return nil
	}

	fields := strings.Fields(param)
	if len(fields) == 0 {
		c.writeMessage(StatusSyntaxErrorNotRecognised, "Not understood SITE subcommand")

		return nil
	}

	sub, args := strings.ToUpper(fields[0]), fields[1:]

	switch sub {
	case "CHMOD":
		return c.handleSiteChmod(args)
	case "CHOWN":
		return c.handleSiteChown(args)
	case "MKDIR":
		return c.handleSiteMkdir(args)
	case "RMDIR":
		return c.handleSiteRmdir(args)
	default:
		c.writeMessage(StatusSyntaxErrorNotRecognised, fmt.Sprintf("Unknown SITE subcommand: %s", sub))
	}

	return nil
}

func (c *clientHandler) handleSiteChmod(args []string) error {
	if len(args) != 2 {
		c.writeMessage(StatusSyntaxErrorParameters, "Usage: SITE CHMOD <mode> <path>")

		return nil
	}

	mode, err := strconv.ParseUint(args[0], 8, 32)
	if err != nil {
		return newFileAccessError("invalid chmod mode", err)
	}

	path := c.absPath(args[1])

	if err := c.driver.Chmod(path, os.FileMode(mode)); err != nil {
		return newFileAccessError("chmod failed", err)
	}

	c.writeMessage(StatusOK, fmt.Sprintf("SITE CHMOD command successful on %s", path))

	return nil
}

func (c *clientHandler) handleSiteChown(args []string) error {
	if len(args) != 2 {
		c.writeMessage(StatusSyntaxErrorParameters, "Usage: SITE CHOWN <uid>[:<gid>] <path>")

		return nil
	}

	uid, gid, err := parseChownIDs(args[0])
	if err != nil {
		return newFileAccessError("invalid chown ids", err)
	}

	path := c.absPath(args[1])

	if err := c.driver.Chown(path, uid, gid); err != nil {
		return newFileAccessError("chown failed", err)
	}

	c.writeMessage(StatusOK, fmt.Sprintf("SITE CHOWN command successful on %s", path))

	return nil
}

func parseChownIDs(spec string) (uid, gid int, err error) {
	parts := strings.SplitN(spec, ":", 2)

	uid64, err := strconv.ParseInt(parts[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid uid %#v: %w", parts[0], err)
	}

	// a bare uid leaves the gid at 0
	if len(parts) == 1 {
		return int(uid64), 0, nil
	}

	gid64, err := strconv.ParseInt(parts[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid gid %#v: %w", parts[1], err)
	}

	return int(uid64), int(gid64), nil
}

func (c *clientHandler) handleSiteMkdir(args []string) error {
	if len(args) != 1 {
		c.writeMessage(StatusSyntaxErrorNotRecognised, "Usage: SITE MKDIR <path>")

		return nil
	}

	path := c.absPath(args[0])

	if err := c.driver.Mkdir(path, 0o755); err != nil {
		return newFileAccessError("mkdir failed", err)
	}

	c.writeMessage(StatusFileOK, fmt.Sprintf("Directory %s created", path))

	return nil
}

func (c *clientHandler) handleSiteRmdir(args []string) error {
	if len(args) != 1 {
		c.writeMessage(StatusSyntaxErrorNotRecognised, "Usage: SITE RMDIR <path>")

		return nil
	}

	path := c.absPath(args[0])

	var err error
	if rmd, ok := c.driver.(ClientDriverExtensionRemoveDir); ok {
		err = rmd.RemoveDir(path)
	} else {
		err = c.driver.Remove(path)
	}

	if err != nil {
		return newFileAccessError("rmdir failed", err)
	}

	c.writeMessage(StatusFileOK, fmt.Sprintf("Directory %s removed", path))

	return nil
}

func (c *clientHandler) handleOPTS(param string) error {
	args := strings.SplitN(param, " ", 2)
	if strings.EqualFold(args[0], "UTF8") {
		c.writeMessage(StatusOK, "I'm in UTF8 only anyway")

		return nil
	}

	c.writeMessage(StatusSyntaxErrorNotRecognised, "Don't know this option")

	return nil
}

func (c *clientHandler) handleNOOP(param string) error {
	c.writeStatus(StatusOK)

	return nil
}

func (c *clientHandler) handleCLNT(param string) error {
	c.setClientVersion(param)
	c.writeMessage(StatusOK, "Good to know")

	return nil
}

func (c *clientHandler) handleHELP(param string) error {
	end := c.multilineAnswer(StatusSystemStatus, "The following commands are recognized")
	defer end()

	var names []string
	for name := range commandsMap {
		names = append(names, name)
	}

	c.writeLine(strings.Join(names, " "))

	return nil
}

// handleFEAT handles "FEAT" (RFC 2389): it advertises exactly what this
// server implements, so clients can skip probing for unsupported commands.
func (c *clientHandler) handleFEAT(param string) error {
	c.writeLine(fmt.Sprintf("%d-These are my features", StatusSystemStatus))

	features := []string{
		"CLNT",
		"UTF8",
		"SIZE",
		"MDTM",
		"REST STREAM",
		"PBSZ",
		"PROT",
	}

	if !c.server.settings.DisableMLSD {
		features = append(features, "MLSD")
	}

	if !c.server.settings.DisableMLST {
		features = append(features, "MLST type*;size*;modify*;perm*;")
	}

	if tlsConfig, err := c.server.driver.GetTLSConfig(); tlsConfig != nil && err == nil {
		features = append(features, "AUTH TLS")
	}

	for _, f := range features {
		c.writeLine(" " + f)
	}

	c.writeMessage(StatusSystemStatus, "end")

	return nil
}

func (c *clientHandler) handleTYPE(param string) error {
	switch strings.ToUpper(param) {
	case "I", "L 8", "L8":
		c.curTransType = TransferTypeBinary
		c.writeMessage(StatusOK, "Type set to binary")
	case "A", "A N", "L 7":
		c.curTransType = TransferTypeASCII
		c.writeMessage(StatusOK, "Type set to ASCII")
	default:
		c.writeMessage(StatusNotImplementedParam, "Not understood")
	}

	return nil
}

// handleSTRU handles "STRU": only file structure (F) is implemented, the
// others (record, page) predate modern filesystems and aren't meaningful
// here.
func (c *clientHandler) handleSTRU(param string) error {
	if strings.EqualFold(param, "F") {
		c.writeStatus(StatusOK)

		return nil
	}

	c.writeMessage(StatusNotImplementedParam, "Only F(ile) structure is supported")

	return nil
}

// handleMODE handles "MODE": only stream mode (S) is implemented.
func (c *clientHandler) handleMODE(param string) error {
	if strings.EqualFold(param, "S") {
		c.writeStatus(StatusOK)

		return nil
	}

	c.writeMessage(StatusNotImplementedParam, "Only S(tream) mode is supported")

	return nil
}

// MainDriverExtensionQuitMessage lets a MainDriver replace the default
// "Goodbye" reply text sent on QUIT.
type MainDriverExtensionQuitMessage interface {
	QuitMessage() string
}

func (c *clientHandler) handleQUIT(param string) error {
	message := "Goodbye"
	if ext, ok := c.server.driver.(MainDriverExtensionQuitMessage); ok {
		message = ext.QuitMessage()
	}

	c.writeMessage(StatusClosingControlConn, message)
	_ = c.conn.Close()

	return nil
}

// handleABOR handles "ABOR" (§4.3): it cancels the in-flight transfer, if
// any, and answers 226 once the abort has been processed (after the
// transfer's own 426 when one was running), or 225 when there was nothing
// to abort.
func (c *clientHandler) handleABOR(param string) error {
	c.transferMu.Lock()
	hadTransfer := c.transfer != nil || c.isTransferOpen
	c.isTransferAborted = true
	err := c.closeTransfer()
	c.transferMu.Unlock()

	if err != nil {
		c.logger.Warn("problem closing transfer on ABOR", "err", err)
	}

	// the aborted transfer reports its own 426 before ABOR is acknowledged
	c.transferWg.Wait()

	if hadTransfer {
		c.writeMessage(StatusClosingDataConn, "ABOR successful; closing transfer connection")
	} else {
		c.writeStatus(StatusDataConnectionOpen)
	}

	return nil
}

// handleSMNT handles "SMNT" (structure mount): alternate filesystem mounts
// aren't part of the virtual-root model (§4.1), so it's refused with 502
// unless a driver has explicitly opted in via Settings.AllowSMNT, in which
// case the request is acknowledged as a no-op (the session's root doesn't
// actually change) the way handleALLO no-ops when the driver can't honour
// a real allocation.
func (c *clientHandler) handleSMNT(param string) error {
	if !c.server.settings.AllowSMNT {
		c.writeMessage(StatusNotImplemented, "SMNT is not supported")

		return nil
	}

	c.writeMessage(StatusFileOK, "SMNT command successful")

	return nil
}

// handleAVBL handles "AVBL", an informational extension some clients use to
// show free space; it's only answered when the driver opts in.
func (c *clientHandler) handleAVBL(param string) error {
	avbl, ok := c.driver.(ClientDriverExtensionAvailableSpace)
	if !ok {
		c.writeMessage(StatusNotImplemented, "This extension hasn't been implemented")

		return nil
	}

	path := c.absPath(param)

	info, err := c.driver.Stat(path)
	if err != nil {
		return newFileAccessError("stat failed", err)
	}

	if !info.IsDir() {
		c.writeMessage(StatusActionNotTaken, fmt.Sprintf("%s: is not a directory", path))

		return nil
	}

	available, err := avbl.GetAvailableSpace(path)
	if err != nil {
		return newFileAccessError("couldn't get available space", err)
	}

	c.writeMessage(StatusFileStatus, fmt.Sprintf("%d", available))

	return nil
}
