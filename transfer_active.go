package ftpserver

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrRemoteAddrFormat is returned when the remote address has a bad format.
var ErrRemoteAddrFormat = errors.New("remote address has a bad format")

// handlePORT handles both "PORT" and "EPRT" (RFC 959 §4.1, RFC 2428 §2):
// the client tells us where to dial back for the data channel, replacing
// any previously prepared one ("last wins", §4.3).
func (c *clientHandler) handlePORT(param string) error {
	if c.server.settings.DisableActiveMode {
		c.writeMessage(StatusServiceNotAvailable, "PORT command is disabled")

		return nil
	}

	var raddr *net.TCPAddr
	var err error

	if c.GetLastCommand() == "EPRT" {
		raddr, err = parseExtendedAddr(param)
	} else {
		raddr, err = parseRemoteAddr(param)
	}

	if err != nil {
		c.writeMessage(StatusSyntaxErrorParameters, fmt.Sprintf("Problem parsing address: %v", err))

		return nil
	}

	var tlsConfig *tls.Config

	if c.HasTLSForTransfers() || c.server.settings.TLSRequired == ImplicitEncryption {
		tlsConfig, err = c.server.driver.GetTLSConfig()
		if err != nil {
			c.writeMessage(StatusServiceNotAvailable, fmt.Sprintf("Cannot get a TLS config for active connection: %v", err))

			return nil
		}
	}

	c.transferMu.Lock()
	c.transfer = &activeTransferHandler{
		raddr:     raddr,
		settings:  c.server.settings,
		tlsConfig: tlsConfig,
	}
	c.transferMu.Unlock()

	c.writeStatus(StatusOK)

	return nil
}

// activeTransferHandler backs PORT/EPRT: the server dials back to the
// client.
type activeTransferHandler struct {
	raddr     *net.TCPAddr
	conn      net.Conn
	settings  *Settings
	tlsConfig *tls.Config
	info      string
}

func (a *activeTransferHandler) Open() (net.Conn, error) {
	timeout := time.Duration(a.settings.ConnectionTimeout) * time.Second
	dialer := &net.Dialer{Timeout: timeout}

	if !a.settings.ActiveTransferPortNon20 {
		dialer.LocalAddr, _ = net.ResolveTCPAddr("tcp", ":20")
		dialer.Control = Control
	}

	conn, err := dialer.Dial("tcp", a.raddr.String())
	if err != nil {
		return nil, fmt.Errorf("could not establish active connection: %w", err)
	}

	if a.tlsConfig != nil {
		conn = tls.Server(conn, a.tlsConfig)
	}

	a.conn = conn

	return a.conn, nil
}

func (a *activeTransferHandler) Close() error {
	if a.conn != nil {
		return a.conn.Close()
	}

	return nil
}

func (a *activeTransferHandler) SetInfo(info string) { a.info = info }
func (a *activeTransferHandler) GetInfo() string     { return a.info }

var remoteAddrRegex = regexp.MustCompile(`^([0-9]{1,3},){5}[0-9]{1,3}$`)

// parseRemoteAddr parses the client's PORT argument:
//
// Param format: 192,168,150,80,14,178
// Host: 192.168.150.80, Port: (14*256)+178
func parseRemoteAddr(param string) (*net.TCPAddr, error) {
	if !remoteAddrRegex.MatchString(param) {
		return nil, fmt.Errorf("could not parse %s: %w", param, ErrRemoteAddrFormat)
	}

	parts := strings.Split(param, ",")
	ip := strings.Join(parts[0:4], ".")

	p1, err := strconv.Atoi(parts[4])
	if err != nil {
		return nil, err
	}

	p2, err := strconv.Atoi(parts[5])
	if err != nil {
		return nil, err
	}

	port := p1<<8 + p2

	return net.ResolveTCPAddr("tcp", fmt.Sprintf("%s:%d", ip, port))
}

// parseExtendedAddr parses the client's EPRT argument (RFC 2428 §2):
//
// Param format: |1|132.235.1.2|6275| (1 = IPv4, 2 = IPv6)
func parseExtendedAddr(param string) (*net.TCPAddr, error) {
	if len(param) < 3 {
		return nil, fmt.Errorf("could not parse %s: %w", param, ErrRemoteAddrFormat)
	}

	delim := param[0:1]
	parts := strings.Split(param, delim)

	// leading/trailing empty strings from the delimiter at each end
	if len(parts) != 5 {
		return nil, fmt.Errorf("could not parse %s: %w", param, ErrRemoteAddrFormat)
	}

	proto, host, portStr := parts[1], parts[2], parts[3]

	if proto != "1" && proto != "2" {
		return nil, fmt.Errorf("unsupported network protocol %s: %w", proto, ErrRemoteAddrFormat)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("could not parse %s: %w", param, ErrRemoteAddrFormat)
	}

	return net.ResolveTCPAddr("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}
