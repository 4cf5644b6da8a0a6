package ftpserver

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/clockwork-project/cogwheelftp/log"
)

// transferHandler is implemented by both the active and passive data-channel
// handlers: PASV/EPSV/PORT/EPRT only differ in how the connection is
// established, not in how it's used afterward.
type transferHandler interface {
	Open() (net.Conn, error)
	Close() error
	SetInfo(string)
	GetInfo() string
}

// passiveTransferHandler backs PASV/EPSV: the server listens, the client
// connects.
type passiveTransferHandler struct {
	listener    net.Listener
	tcpListener *net.TCPListener
	port        int
	connection  net.Conn
	settings    *Settings
	info        string
	logger      log.Logger
}

// ErrNoAvailableListeningPort is returned when no port could be found to
// accept an incoming passive connection within the configured range.
var ErrNoAvailableListeningPort = errors.New("could not find any port to listen to")

func (c *clientHandler) getCurrentIP() ([]string, error) {
	ip := c.server.settings.PublicHost

	if ip == "" {
		if c.server.settings.PublicIPResolver != nil {
			var err error

			ip, err = c.server.settings.PublicIPResolver(c)
			if err != nil {
				return nil, fmt.Errorf("couldn't fetch public IP: %w", err)
			}

			if ip, err = parseIPv4(ip); err != nil {
				return nil, err
			}
		} else {
			ip = strings.Split(c.conn.LocalAddr().String(), ":")[0]
		}
	}

	return strings.Split(ip, "."), nil
}

// findListenerWithinPortRange binds a TCP listener on one of portRange's
// candidate listened ports, returning alongside it the exposed port that
// should be advertised to the client instead (identical to the listened
// port for a plain PortRange, possibly different for a PortMappingRange).
func (c *clientHandler) findListenerWithinPortRange(portRange PortMapping) (*net.TCPListener, int, error) {
	attempts := clampPortAttempts(portRange.NumberAttempts())

	for i := 0; i < attempts; i++ {
		exposedPort, listenedPort, ok := portRange.FetchNext()
		if !ok {
			break
		}

		laddr, err := net.ResolveTCPAddr("tcp", fmt.Sprintf("0.0.0.0:%d", listenedPort))
		if err != nil {
			return nil, 0, fmt.Errorf("could not resolve port %d: %w", listenedPort, err)
		}

		if tcpListener, err := net.ListenTCP("tcp", laddr); err == nil {
			return tcpListener, exposedPort, nil
		}
	}

	c.logger.Warn("could not find any free passive port", "attempts", attempts)

	return nil, 0, ErrNoAvailableListeningPort
}

// handlePASV handles both "PASV" and "EPSV" (RFC 959 §4.5, RFC 2428 §3): the
// server opens a listener and tells the client where to connect, replacing
// any previously prepared data channel ("last wins", §4.3).
func (c *clientHandler) handlePASV(param string) error {
	command := c.GetLastCommand()

	var tcpListener *net.TCPListener
	var exposedPort int
	var err error

	if portRange := c.server.settings.PassiveTransferPortRange; portRange != nil {
		tcpListener, exposedPort, err = c.findListenerWithinPortRange(portRange)
	} else {
		addr, _ := net.ResolveTCPAddr("tcp", ":0")
		tcpListener, err = net.ListenTCP("tcp", addr)
		if err == nil {
			exposedPort = tcpListener.Addr().(*net.TCPAddr).Port
		}
	}

	if err != nil {
		c.logger.Error("could not listen for passive connection", err)
		c.writeMessage(StatusServiceNotAvailable, fmt.Sprintf("Could not listen for passive connection: %v", err))

		return nil
	}

	var listener net.Listener = tcpListener

	if c.HasTLSForTransfers() || c.server.settings.TLSRequired == ImplicitEncryption {
		tlsConfig, err := c.server.driver.GetTLSConfig()
		if err != nil {
			c.writeMessage(StatusServiceNotAvailable, fmt.Sprintf("Cannot get a TLS config: %v", err))

			return nil
		}

		listener = tls.NewListener(tcpListener, tlsConfig)
	}

	p := &passiveTransferHandler{
		tcpListener: tcpListener,
		listener:    listener,
		port:        exposedPort,
		settings:    c.server.settings,
		logger:      c.logger,
	}

	if command == "PASV" {
		p1 := p.port / 256
		p2 := p.port - p1*256

		quads, err := c.getCurrentIP()
		if err != nil {
			c.writeMessage(StatusServiceNotAvailable, fmt.Sprintf("Could not listen for passive connection: %v", err))

			return nil
		}

		c.writeMessage(
			StatusEnteringPASV,
			fmt.Sprintf("Entering Passive Mode (%s,%s,%s,%s,%d,%d)", quads[0], quads[1], quads[2], quads[3], p1, p2))
	} else {
		c.writeMessage(StatusEnteringEPSV, fmt.Sprintf("Entering Extended Passive Mode (|||%d|)", p.port))
	}

	c.transferMu.Lock()
	c.transfer = p
	c.transferMu.Unlock()

	return nil
}

func (p *passiveTransferHandler) ConnectionWait(wait time.Duration) (net.Conn, error) {
	if p.connection != nil {
		return p.connection, nil
	}

	if err := p.tcpListener.SetDeadline(time.Now().Add(wait)); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	conn, err := p.listener.Accept()
	if err != nil {
		return nil, err
	}

	p.connection = conn

	return conn, nil
}

func (p *passiveTransferHandler) GetInfo() string {
	return p.info
}

func (p *passiveTransferHandler) SetInfo(info string) {
	p.info = info
}

func (p *passiveTransferHandler) Open() (net.Conn, error) {
	timeout := time.Duration(p.settings.ConnectionTimeout) * time.Second

	return p.ConnectionWait(timeout)
}

// Close tears down the listener and the accepted connection, if any.
func (p *passiveTransferHandler) Close() error {
	if p.tcpListener != nil {
		if err := p.tcpListener.Close(); err != nil {
			p.logger.Warn("problem closing passive listener", "err", err)
		}
	}

	if p.connection != nil {
		if err := p.connection.Close(); err != nil {
			p.logger.Warn("problem closing passive connection", "err", err)
		}
	}

	return nil
}
