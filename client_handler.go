package ftpserver

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"bufio"

	"github.com/clockwork-project/cogwheelftp/log"
)

// authState tracks where a session is in the USER/PASS/ACCT handshake (§4.5).
type authState int

const (
	authAwaitingUser authState = iota
	authAwaitingPassword
	authAuthenticated
)

var (
	errNoTransferConnection = errors.New("unable to open transfer: no transfer connection")
	errTLSRequired          = errors.New("unable to open transfer: TLS is required")
)

// maxCommandLineLength bounds a single control-channel line (§4.4): a client
// that never sends CRLF within this many bytes is misbehaving or attacking,
// and gets disconnected rather than read indefinitely.
const maxCommandLineLength = 4096

// clientHandler is one FTP session: one goroutine reading the control
// channel, serialized replies, and at most one active data transfer.
//
//nolint:maligned
type clientHandler struct {
	id          uint32       // ID of the client
	server      *FtpServer   // Server on which the connection was accepted
	driver      ClientDriver // Client's rooted filesystem view, set once authenticated
	conn        net.Conn     // TCP connection
	writer      *bufio.Writer
	reader      *bufio.Reader
	connectedAt time.Time

	authState      authState // where we are in USER/PASS
	pendingUser    string    // username given to USER, awaiting PASS
	user           string    // authenticated username, empty pre-auth
	authFailures   int       // consecutive PASS failures this session
	cwd            string    // current virtual working directory, always "/"-rooted
	clnt           string    // identified client (CLNT command)
	command        string    // last command received
	ctxRnfr        string    // RNFR source path, awaiting RNTO
	ctxRest        int64     // REST restart offset, consumed by the next STOR/RETR/APPE
	debug          bool      // log every line sent/received
	transferTLS    bool      // data channel protected, per PROT
	controlTLS     bool      // control channel upgraded, per AUTH TLS
	protectionLvl  ProtectionLevel
	pbszSet        bool // PBSZ 0 was sent; required before PROT P
	logger         log.Logger
	curTransType   TransferType
	transferWg     sync.WaitGroup  // serializes commands against the in-flight transfer
	transferMu     sync.Mutex      // guards transfer/isTransferOpen/isTransferAborted
	transfer       transferHandler // active data-channel handler (PASV/PORT)
	isTransferOpen bool
	isTransferAborted bool
	paramsMutex    sync.RWMutex // guards the fields ClientContext exposes
}

// newClientHandler initializes a client handler when someone connects.
func (server *FtpServer) newClientHandler(connection net.Conn, id uint32, correlationID string) *clientHandler {
	return &clientHandler{
		server:       server,
		conn:         connection,
		id:           id,
		writer:       bufio.NewWriter(connection),
		reader:       bufio.NewReader(connection),
		connectedAt:  time.Now().UTC(),
		cwd:          "/",
		authState:    authAwaitingUser,
		curTransType: server.settings.DefaultTransferType,
		logger:       server.Logger.With("clientId", id, "correlationId", correlationID),
	}
}

// Path provides the current working directory of the client.
func (c *clientHandler) Path() string {
	c.paramsMutex.RLock()
	defer c.paramsMutex.RUnlock()

	return c.cwd
}

// SetPath changes the current working directory.
func (c *clientHandler) SetPath(value string) {
	c.paramsMutex.Lock()
	c.cwd = value
	c.paramsMutex.Unlock()

	c.server.registry.Update(c.id, func(info *SessionInfo) { info.Cwd = value })
}

// Debug defines if we will log every interaction.
func (c *clientHandler) Debug() bool {
	c.paramsMutex.RLock()
	defer c.paramsMutex.RUnlock()

	return c.debug
}

// SetDebug changes the debug flag.
func (c *clientHandler) SetDebug(debug bool) {
	c.paramsMutex.Lock()
	defer c.paramsMutex.Unlock()

	c.debug = debug
}

// ID provides the client's ID.
func (c *clientHandler) ID() uint32 {
	return c.id
}

// RemoteAddr returns the remote network address.
func (c *clientHandler) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LocalAddr returns the local network address.
func (c *clientHandler) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// User returns the authenticated username, or "" pre-auth.
func (c *clientHandler) User() string {
	c.paramsMutex.RLock()
	defer c.paramsMutex.RUnlock()

	return c.user
}

// ConnectedAt is when the TCP connection was accepted.
func (c *clientHandler) ConnectedAt() time.Time {
	return c.connectedAt
}

func (c *clientHandler) setUser(value string) {
	c.paramsMutex.Lock()
	c.user = value
	c.paramsMutex.Unlock()

	c.server.registry.Update(c.id, func(info *SessionInfo) { info.User = value })
}

// GetClientVersion returns the identified client, can be empty.
func (c *clientHandler) GetClientVersion() string {
	c.paramsMutex.RLock()
	defer c.paramsMutex.RUnlock()

	return c.clnt
}

func (c *clientHandler) setClientVersion(value string) {
	c.paramsMutex.Lock()
	defer c.paramsMutex.Unlock()

	c.clnt = value
}

// HasTLSForControl returns true if the control connection is over TLS.
func (c *clientHandler) HasTLSForControl() bool {
	if c.server.settings.TLSRequired == ImplicitEncryption {
		return true
	}

	c.paramsMutex.RLock()
	defer c.paramsMutex.RUnlock()

	return c.controlTLS
}

func (c *clientHandler) setTLSForControl(value bool) {
	c.paramsMutex.Lock()
	defer c.paramsMutex.Unlock()

	c.controlTLS = value
}

// HasTLSForTransfers returns true if the data connection is protected.
func (c *clientHandler) HasTLSForTransfers() bool {
	if c.server.settings.TLSRequired == ImplicitEncryption {
		return true
	}

	c.paramsMutex.RLock()
	defer c.paramsMutex.RUnlock()

	return c.transferTLS
}

func (c *clientHandler) setTLSForTransfer(value bool) {
	c.paramsMutex.Lock()
	defer c.paramsMutex.Unlock()

	c.transferTLS = value
}

// GetLastCommand returns the last received command.
func (c *clientHandler) GetLastCommand() string {
	c.paramsMutex.RLock()
	defer c.paramsMutex.RUnlock()

	return c.command
}

func (c *clientHandler) setLastCommand(cmd string) {
	c.paramsMutex.Lock()
	defer c.paramsMutex.Unlock()

	c.command = cmd
}

func (c *clientHandler) closeTransfer() error {
	var err error
	if c.transfer != nil {
		err = c.transfer.Close()
		c.isTransferOpen = false
		c.transfer = nil

		if c.debug {
			c.logger.Debug("Transfer connection closed")
		}
	}

	return err
}

// Close closes the active transfer, if any, and the control connection.
func (c *clientHandler) Close() error {
	c.transferMu.Lock()
	defer c.transferMu.Unlock()

	c.isTransferAborted = true

	if err := c.closeTransfer(); err != nil {
		c.logger.Warn("Problem closing a transfer on external close request", "err", err)
	}

	return c.conn.Close()
}

func (c *clientHandler) end() {
	c.server.driver.ClientDisconnected(c)
	c.server.clientDeparture(c)

	c.transferMu.Lock()
	defer c.transferMu.Unlock()

	if err := c.closeTransfer(); err != nil {
		c.logger.Warn("Problem closing a transfer", "err", err)
	}
}

func (c *clientHandler) isCommandAborted() bool {
	c.transferMu.Lock()
	defer c.transferMu.Unlock()

	return c.isTransferAborted
}

// HandleCommands reads and dispatches the stream of commands until the
// client disconnects or the idle timeout fires.
func (c *clientHandler) HandleCommands() {
	defer c.end()

	if msg, err := c.server.driver.ClientConnected(c); err == nil {
		c.writeMessage(StatusServiceReady, msg)
	} else {
		c.writeMessage(StatusServiceNotAvailable, msg)

		return
	}

	for {
		if c.server.settings.IdleTimeout > 0 {
			deadline := time.Now().Add(time.Duration(c.server.settings.IdleTimeout) * time.Second)
			if err := c.conn.SetDeadline(deadline); err != nil {
				c.logger.Error("could not set read deadline", err)
			}
		}

		line, err := c.readCommandLine()
		if err != nil {
			c.handleCommandsStreamError(err)

			return
		}

		if c.debug {
			c.logger.Debug("Received line", "line", line)
		}

		c.handleCommand(line)

		if c.server.Stopped() {
			return
		}
	}
}

// readCommandLine reads one CRLF-terminated line, refusing anything beyond
// maxCommandLineLength instead of buffering it indefinitely.
func (c *clientHandler) readCommandLine() (string, error) {
	var buf strings.Builder

	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			return "", err
		}

		buf.WriteByte(b)

		if b == '\n' {
			return buf.String(), nil
		}

		if buf.Len() > maxCommandLineLength {
			return "", fmt.Errorf("command line exceeds %d bytes", maxCommandLineLength)
		}
	}
}

func (c *clientHandler) handleCommandsStreamError(err error) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		if err := c.conn.SetDeadline(time.Now().Add(time.Minute)); err != nil {
			c.logger.Error("could not set read deadline", err)
		}

		c.logger.Info("client idle timeout", "err", err)
		c.writeMessage(
			StatusServiceNotAvailable,
			fmt.Sprintf("command timeout (%d seconds): closing control connection", c.server.settings.IdleTimeout))

		if err := c.writer.Flush(); err != nil {
			c.logger.Error("flush error", err)
		}

		if err := c.conn.Close(); err != nil {
			c.logger.Error("close error", err)
		}

		return
	}

	if errors.Is(err, io.EOF) {
		if c.debug {
			c.logger.Debug("Client disconnected", "clean", false)
		}

		return
	}

	c.logger.Error("read error", err)
}

// handleCommand parses and dispatches one received line.
func (c *clientHandler) handleCommand(line string) {
	command, param := parseLine(line)
	command = strings.ToUpper(command)

	cmdDesc := commandsMap[command]
	if cmdDesc == nil {
		// RFC 959's Telnet IP/Synch out-of-band abort isn't implemented by
		// every client; many instead just suffix the command. We still
		// recognise it that way.
		for _, cmd := range specialAttentionCommands {
			if strings.HasSuffix(command, cmd) {
				cmdDesc = commandsMap[cmd]
				command = cmd

				break
			}
		}

		if cmdDesc == nil {
			c.setLastCommand(command)
			c.writeMessage(StatusSyntaxErrorNotRecognised, fmt.Sprintf("Unknown command %#v", command))

			return
		}
	}

	if !cmdDesc.Open && c.authState != authAuthenticated {
		c.writeMessage(StatusNotLoggedIn, "Please login with USER and PASS")

		return
	}

	// Commands are serialized against any in-flight transfer except for the
	// ones that need special handling (ABOR, STAT, QUIT) while one is open.
	if !cmdDesc.SpecialAction || (command == "STAT" && param != "") {
		c.transferWg.Wait()
	}

	c.setLastCommand(command)

	// RNFR/REST only carry their pending state into the one command that
	// consumes it (RNTO, and RETR/STOR/STOU/APPE respectively); any other
	// command in between invalidates it (§8 invariants 4 and 5).
	if command != "RNTO" {
		c.ctxRnfr = ""
	}

	switch command {
	case "REST", "RETR", "STOR", "STOU", "APPE":
	default:
		c.ctxRest = 0
	}

	if cmdDesc.TransferRelated {
		c.transferMu.Lock()
		c.isTransferAborted = false
		c.transferMu.Unlock()

		c.transferWg.Add(1)

		go func(cmd, param string) {
			defer c.transferWg.Done()

			c.executeCommandFn(cmdDesc, cmd, param)
		}(command, param)
	} else {
		c.executeCommandFn(cmdDesc, command, param)
	}
}

func (c *clientHandler) executeCommandFn(cmdDesc *CommandDescription, command, param string) {
	defer func() {
		if r := recover(); r != nil {
			c.writeMessage(StatusLocalError, fmt.Sprintf("Unhandled internal error: %v", r))
			c.logger.Warn("internal command handling error", "err", r, "command", command, "param", param)
		}
	}()

	err := cmdDesc.Fn(c, param)

	if c.server.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}

		c.server.metrics.RecordCommand(command, outcome)
	}

	if err != nil {
		c.writeMessage(getErrorCode(err, StatusActionNotTaken), err.Error())
	}
}

// GetTranferInfo returns the active transfer's human-readable description,
// or "" if none is open.
func (c *clientHandler) GetTranferInfo() string {
	if c.transfer == nil {
		return ""
	}

	return c.transfer.GetInfo()
}

// TransferOpen opens the data connection previously prepared by PASV/PORT.
func (c *clientHandler) TransferOpen(info string) (net.Conn, error) {
	c.transferMu.Lock()
	defer c.transferMu.Unlock()

	if c.transfer == nil {
		if c.isTransferAborted {
			c.isTransferAborted = false

			return nil, errNoTransferConnection
		}

		c.writeMessage(StatusActionNotTaken, errNoTransferConnection.Error())

		return nil, errNoTransferConnection
	}

	if c.server.settings.TLSRequired == MandatoryEncryption && !c.HasTLSForTransfers() {
		c.writeMessage(StatusServiceNotAvailable, errTLSRequired.Error())

		return nil, errTLSRequired
	}

	conn, err := c.transfer.Open()
	if err != nil {
		c.logger.Warn("unable to open transfer", "error", err)
		c.writeMessage(StatusCannotOpenDataConnection, err.Error())

		return nil, err
	}

	c.isTransferOpen = true
	c.transfer.SetInfo(info)

	c.writeMessage(StatusFileStatusOK, "Using transfer connection")

	if c.debug {
		c.logger.Debug("Transfer connection opened", "remoteAddr", conn.RemoteAddr().String(), "localAddr", conn.LocalAddr().String())
	}

	return conn, err
}

// TransferClose tears down the data connection and reports the outcome.
func (c *clientHandler) TransferClose(transferErr error) {
	c.transferMu.Lock()
	defer c.transferMu.Unlock()

	errClose := c.closeTransfer()
	if errClose != nil {
		c.logger.Warn("problem closing transfer connection", "err", errClose)
	}

	if c.isTransferAborted {
		c.isTransferAborted = false
		c.writeMessage(StatusTransferAborted, "Connection closed; transfer aborted")

		return
	}

	switch {
	case transferErr == nil && errClose == nil:
		c.writeMessage(StatusClosingDataConn, "Closing transfer connection")
	case errClose != nil:
		c.writeMessage(StatusActionNotTaken, fmt.Sprintf("Issue during transfer close: %v", errClose))
	case transferErr != nil:
		c.writeMessage(getErrorCode(transferErr, StatusActionNotTaken), fmt.Sprintf("Issue during transfer: %v", transferErr))
	}
}
