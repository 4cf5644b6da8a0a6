package ftpserver

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/clockwork-project/cogwheelftp/log"
)

// ErrNotListening is returned when performing an action that is only valid
// while listening.
var ErrNotListening = errors.New("we aren't listening")

// ErrAlreadyListening is returned by Listen when called twice without an
// intervening Stop.
var ErrAlreadyListening = errors.New("already listening")

// CommandDescription maps one command token to its handler and its
// authorisation tier (§4.5: Open = Minimum tier, pre-auth; otherwise Full
// tier, post-auth only).
type CommandDescription struct {
	Open            bool                                // Minimum tier: usable before authentication
	TransferRelated bool                                // may open a data connection; runs in its own goroutine
	SpecialAction   bool                                // handled even while a transfer is in progress (ABOR, STAT, QUIT)
	Fn              func(*clientHandler, string) error // handler
}

// commandsMap is shared across FtpServer instances: FTP semantics don't
// change between server instances.
var commandsMap = map[string]*CommandDescription{ //nolint:gochecknoglobals
	// Authentication (Minimum tier)
	"USER": {Fn: (*clientHandler).handleUSER, Open: true},
	"PASS": {Fn: (*clientHandler).handlePASS, Open: true},
	"ACCT": {Fn: (*clientHandler).handleACCT, Open: true},

	// TLS (RFC 2228), Minimum tier
	"AUTH": {Fn: (*clientHandler).handleAUTH, Open: true},
	"PBSZ": {Fn: (*clientHandler).handlePBSZ, Open: true},
	"PROT": {Fn: (*clientHandler).handlePROT, Open: true},

	// Misc, Minimum tier
	"FEAT": {Fn: (*clientHandler).handleFEAT, Open: true},
	"HELP": {Fn: (*clientHandler).handleHELP, Open: true},
	"SYST": {Fn: (*clientHandler).handleSYST, Open: true},
	"NOOP": {Fn: (*clientHandler).handleNOOP, Open: true},
	"QUIT": {Fn: (*clientHandler).handleQUIT, Open: true, SpecialAction: true},
	"CLNT": {Fn: (*clientHandler).handleCLNT, Open: true},
	"OPTS": {Fn: (*clientHandler).handleOPTS, Open: true},

	// Misc, Full tier
	"ABOR": {Fn: (*clientHandler).handleABOR, SpecialAction: true},
	"STAT": {Fn: (*clientHandler).handleSTAT, SpecialAction: true},
	"SITE": {Fn: (*clientHandler).handleSITE},
	"SMNT": {Fn: (*clientHandler).handleSMNT},
	"AVBL": {Fn: (*clientHandler).handleAVBL},

	// Directory handling (Full tier)
	"CWD":  {Fn: (*clientHandler).handleCWD},
	"XCWD": {Fn: (*clientHandler).handleCWD},
	"CDUP": {Fn: (*clientHandler).handleCDUP},
	"PWD":  {Fn: (*clientHandler).handlePWD},
	"XPWD": {Fn: (*clientHandler).handlePWD},
	"MKD":  {Fn: (*clientHandler).handleMKD},
	"XMKD": {Fn: (*clientHandler).handleMKD},
	"RMD":  {Fn: (*clientHandler).handleRMD},
	"XRMD": {Fn: (*clientHandler).handleRMD},
	"LIST": {Fn: (*clientHandler).handleLIST, TransferRelated: true},
	"NLST": {Fn: (*clientHandler).handleNLST, TransferRelated: true},
	"MLSD": {Fn: (*clientHandler).handleMLSD, TransferRelated: true},
	"MLST": {Fn: (*clientHandler).handleMLST},

	// File access (Full tier)
	"SIZE": {Fn: (*clientHandler).handleSIZE},
	"MDTM": {Fn: (*clientHandler).handleMDTM},
	"RETR": {Fn: (*clientHandler).handleRETR, TransferRelated: true},
	"STOR": {Fn: (*clientHandler).handleSTOR, TransferRelated: true},
	"STOU": {Fn: (*clientHandler).handleSTOU, TransferRelated: true},
	"APPE": {Fn: (*clientHandler).handleAPPE, TransferRelated: true},
	"ALLO": {Fn: (*clientHandler).handleALLO},
	"REST": {Fn: (*clientHandler).handleREST},
	"RNFR": {Fn: (*clientHandler).handleRNFR},
	"RNTO": {Fn: (*clientHandler).handleRNTO},
	"DELE": {Fn: (*clientHandler).handleDELE},

	// Connection handling (Full tier)
	"TYPE": {Fn: (*clientHandler).handleTYPE},
	"STRU": {Fn: (*clientHandler).handleSTRU},
	"MODE": {Fn: (*clientHandler).handleMODE},
	"PORT": {Fn: (*clientHandler).handlePORT},
	"EPRT": {Fn: (*clientHandler).handlePORT},
	"PASV": {Fn: (*clientHandler).handlePASV},
	"EPSV": {Fn: (*clientHandler).handlePASV},
}

// specialAttentionCommands lets us recognise ABOR/STAT/QUIT sent as a Telnet
// IP/Synch suffix, since many clients don't send the out-of-band sequence
// correctly.
var specialAttentionCommands = []string{"ABOR", "STAT", "QUIT"} //nolint:gochecknoglobals

// Registry is the subset of internal/registry.Registry the core depends on,
// kept as an interface so the manager endpoint and the core can share one
// concrete implementation without an import cycle.
type Registry interface {
	Add(info SessionInfo)
	Remove(id uint32)
	Update(id uint32, fn func(*SessionInfo))
	Snapshot() []SessionInfo
}

// SessionInfo is what the registry and the manager endpoint know about a
// live session (§4.6).
type SessionInfo struct {
	ID             uint32
	CorrelationID  string // opaque ID threaded through log lines for this session
	Peer           string
	User           string
	Cwd            string
	StartTime      time.Time
	TransferActive bool
	kill           func()
}

// inMemoryRegistry is the default Registry, good enough to run standalone
// (e.g. in tests); cmd/cogwheelftpd normally hands the server the shared
// internal/registry.Registry instead via SetRegistry.
type inMemoryRegistry struct {
	mu   sync.Mutex
	byID map[uint32]SessionInfo
}

func newInMemoryRegistry() *inMemoryRegistry {
	return &inMemoryRegistry{byID: make(map[uint32]SessionInfo)}
}

func (r *inMemoryRegistry) Add(info SessionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[info.ID] = info
}

func (r *inMemoryRegistry) Remove(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

func (r *inMemoryRegistry) Update(id uint32, fn func(*SessionInfo)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.byID[id]
	if !ok {
		return
	}

	fn(&info)
	r.byID[id] = info
}

func (r *inMemoryRegistry) Snapshot() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]SessionInfo, 0, len(r.byID))
	for _, info := range r.byID {
		out = append(out, info)
	}

	return out
}

// MetricsRecorder is the optional metrics seam (internal/metrics.Collector
// satisfies it); a nil recorder means metrics are simply not recorded,
// mirroring how a nil Logger would (but Logger always defaults to a no-op
// instead, since every session logs unconditionally).
type MetricsRecorder interface {
	RecordCommand(command, outcome string)
	TransferStarted()
	TransferFinished(direction string, bytes int64, started time.Time, err error)
}

// FtpServer is where everything is stored. We want to keep it as simple as
// possible.
type FtpServer struct {
	Logger        log.Logger
	settings      *Settings
	listener      net.Listener
	clientCounter uint32
	driver        MainDriver
	registry      Registry
	metrics       MetricsRecorder

	mu       sync.Mutex
	stopping bool
	wg       sync.WaitGroup // tracks HandleCommands goroutines for graceful drain
}

// SetMetrics plugs in a MetricsRecorder (internal/metrics.Collector); nil
// disables recording.
func (server *FtpServer) SetMetrics(m MetricsRecorder) {
	server.metrics = m
}

func (server *FtpServer) loadSettings() error {
	settings, err := server.driver.GetSettings()
	if err != nil || settings == nil {
		return newDriverError("couldn't load settings", err)
	}

	if settings.PublicHost != "" {
		settings.PublicHost, err = parseIPv4(settings.PublicHost)
		if err != nil {
			return err
		}
	}

	if settings.Listener == nil && settings.ListenAddr == "" {
		settings.ListenAddr = "0.0.0.0:2221"
	}

	if settings.IdleTimeout == 0 {
		settings.IdleTimeout = 300
	}

	if settings.ConnectionTimeout == 0 {
		settings.ConnectionTimeout = 30
	}

	if settings.DataTimeout == 0 {
		settings.DataTimeout = 60
	}

	if settings.TransferChunkSize == 0 {
		settings.TransferChunkSize = 32768
	}

	if settings.ConnectionListUpdateMs == 0 {
		settings.ConnectionListUpdateMs = 5000
	}

	if settings.LogFlushMs == 0 {
		settings.LogFlushMs = 1000
	}

	if settings.MaxAuthFailures == 0 {
		settings.MaxAuthFailures = 3
	}

	if settings.ServerName == "" {
		settings.ServerName = "cogwheelftpd"
	}

	if settings.Banner == "" {
		settings.Banner = fmt.Sprintf("%s FTP server ready.", settings.ServerName)
	}

	server.settings = settings

	return nil
}

func parseIPv4(publicHost string) (string, error) {
	parsedIP := net.ParseIP(publicHost)
	if parsedIP == nil {
		return "", &ipValidationError{error: fmt.Sprintf("invalid passive IP %#v", publicHost)}
	}

	parsedIP = parsedIP.To4()
	if parsedIP == nil {
		return "", &ipValidationError{error: fmt.Sprintf("invalid IPv4 passive IP %#v", publicHost)}
	}

	return parsedIP.String(), nil
}

// Listen starts listening. It's not a blocking call.
func (server *FtpServer) Listen() error {
	if server.listener != nil {
		return ErrAlreadyListening
	}

	if err := server.loadSettings(); err != nil {
		return fmt.Errorf("could not load settings: %w", err)
	}

	if server.settings.Listener != nil {
		server.listener = server.settings.Listener
	} else {
		var err error

		server.listener, err = server.createListener()
		if err != nil {
			return fmt.Errorf("could not create listener: %w", err)
		}
	}

	server.mu.Lock()
	server.stopping = false
	server.mu.Unlock()

	server.Logger.Info("Listening...", "address", server.listener.Addr())

	return nil
}

func (server *FtpServer) createListener() (net.Listener, error) {
	listener, err := net.Listen("tcp", server.settings.ListenAddr)
	if err != nil {
		server.Logger.Error("cannot listen on main port", err, "listenAddr", server.settings.ListenAddr)

		return nil, newNetworkError("cannot listen on main port", err)
	}

	if server.settings.TLSRequired == ImplicitEncryption {
		var tlsConfig *tls.Config

		tlsConfig, err = server.driver.GetTLSConfig()
		if err != nil || tlsConfig == nil {
			server.Logger.Error("cannot get tls config", err)

			return nil, newDriverError("cannot get tls config", err)
		}

		listener = tls.NewListener(listener, tlsConfig)
	}

	return listener, nil
}

func temporaryError(err net.Error) bool {
	if syscallErrNo := new(syscall.Errno); errors.As(err, syscallErrNo) {
		if *syscallErrNo == syscall.ECONNABORTED || *syscallErrNo == syscall.ECONNRESET {
			return true
		}
	}

	return false
}

// Serve accepts and processes incoming clients until the listener is closed.
func (server *FtpServer) Serve() error {
	var tempDelay time.Duration

	for {
		connection, err := server.listener.Accept()
		if err != nil {
			if done, finalErr := server.handleAcceptError(err, &tempDelay); done {
				server.wg.Wait()

				return finalErr
			}

			continue
		}

		tempDelay = 0

		server.clientArrival(connection)
	}
}

func (server *FtpServer) handleAcceptError(err error, tempDelay *time.Duration) (bool, error) {
	var errOp *net.OpError
	if errors.As(err, &errOp) && errOp.Err.Error() == "use of closed network connection" {
		return true, nil
	}

	var ne net.Error
	if errors.As(err, &ne) && (ne.Timeout() || temporaryError(ne)) {
		if *tempDelay == 0 {
			*tempDelay = 5 * time.Millisecond
		} else {
			*tempDelay *= 2
		}

		if maxDelay := time.Second; *tempDelay > maxDelay {
			*tempDelay = maxDelay
		}

		server.Logger.Warn("accept error, retrying", "err", err, "retryDelay", *tempDelay)
		time.Sleep(*tempDelay)

		return false, nil
	}

	server.Logger.Error("listener accept error", err)

	return true, newNetworkError("listener accept error", err)
}

// ListenAndServe chains Listen and Serve, like http.ListenAndServe.
func (server *FtpServer) ListenAndServe() error {
	if err := server.Listen(); err != nil {
		return err
	}

	server.Logger.Info("Starting...")

	return server.Serve()
}

// NewFtpServer creates a new FtpServer instance bound to the given driver.
func NewFtpServer(driver MainDriver) *FtpServer {
	return &FtpServer{
		driver:   driver,
		Logger:   log.NewNoOpLogger(),
		registry: newInMemoryRegistry(),
	}
}

// SetRegistry lets the caller plug in a shared registry implementation (used
// by cmd/cogwheelftpd to hand the server the manager endpoint's registry).
func (server *FtpServer) SetRegistry(r Registry) {
	server.registry = r
}

// Registry returns the session registry in use, for the manager endpoint's
// CONNECTIONS command.
func (server *FtpServer) Registry() Registry {
	return server.registry
}

// Addr returns the listening address, or "" if not listening.
func (server *FtpServer) Addr() string {
	if server.listener != nil {
		return server.listener.Addr().String()
	}

	return ""
}

// Stopped reports whether the server was deliberately stopped or killed.
func (server *FtpServer) Stopped() bool {
	server.mu.Lock()
	defer server.mu.Unlock()

	return server.stopping
}

// Stop refuses new connections and waits (up to grace) for in-flight
// sessions to finish, per §4.6's drain semantics.
func (server *FtpServer) Stop(grace time.Duration) error {
	server.mu.Lock()
	server.stopping = true
	server.mu.Unlock()

	if server.listener == nil {
		return ErrNotListening
	}

	if err := server.listener.Close(); err != nil {
		server.Logger.Warn("could not close listener", "err", err)

		return newNetworkError("couldn't close listener", err)
	}

	server.listener = nil

	done := make(chan struct{})

	go func() {
		server.wg.Wait()
		close(done)
	}()

	if grace <= 0 {
		grace = 5 * time.Second
	}

	select {
	case <-done:
	case <-time.After(grace):
		server.Logger.Warn("grace period elapsed with sessions still draining")
	}

	return nil
}

// Kill closes the listener and forces every live session's socket shut
// immediately, skipping the graceful drain Stop performs.
func (server *FtpServer) Kill() {
	server.mu.Lock()
	server.stopping = true
	server.mu.Unlock()

	for _, info := range server.registry.Snapshot() {
		if info.kill != nil {
			info.kill()
		}
	}

	if server.listener != nil {
		_ = server.listener.Close()
		server.listener = nil
	}
}

// KillSession forcibly closes one live session's socket by ID, for the
// manager endpoint's KILL command. It reports whether a matching session
// was found.
func (server *FtpServer) KillSession(id uint32) bool {
	for _, info := range server.registry.Snapshot() {
		if info.ID == id && info.kill != nil {
			info.kill()

			return true
		}
	}

	return false
}

// clientArrival is invoked when a client connects; the connection could in
// principle be refused here (e.g. a connection-count ceiling enforced by the
// driver), but by default every accepted socket gets a session.
func (server *FtpServer) clientArrival(conn net.Conn) {
	id := atomic.AddUint32(&server.clientCounter, 1)
	correlationID := uuid.NewString()

	c := server.newClientHandler(conn, id, correlationID)

	server.registry.Add(SessionInfo{
		ID:            id,
		CorrelationID: correlationID,
		Peer:          conn.RemoteAddr().String(),
		Cwd:           "/",
		StartTime:     c.connectedAt,
		kill:          func() { _ = c.Close() },
	})

	server.wg.Add(1)

	go func() {
		defer server.wg.Done()
		c.HandleCommands()
	}()

	c.logger.Debug("Client connected", "clientIp", conn.RemoteAddr())
}

func (server *FtpServer) clientDeparture(c *clientHandler) {
	server.registry.Remove(c.id)
	c.logger.Debug("Client disconnected", "clientIp", c.conn.RemoteAddr())
}
