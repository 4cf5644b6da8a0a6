package ftpserver

import (
	"crypto/tls"
	"io"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/spf13/afero"
)

// This file is the driver contract: it must be implemented by anyone wanting
// to back the engine with a concrete credential store / filesystem. See
// internal/auth and internal/vfs for the implementations this repo ships.

// MainDriver handles authentication and settings for the whole server.
type MainDriver interface {
	// GetSettings returns the settings snapshot used to configure the listener.
	GetSettings() (*Settings, error)

	// ClientConnected is called to produce the 220 greeting text.
	ClientConnected(cc ClientContext) (string, error)

	// ClientDisconnected is called when a session ends, authenticated or not.
	ClientDisconnected(cc ClientContext)

	// AuthUser authenticates user/pass and, on success, returns the
	// ClientDriver that will serve that user's filesystem view.
	AuthUser(cc ClientContext, user, pass string) (ClientDriver, error)

	// GetTLSConfig returns the certificate chain to use for AUTH TLS and for
	// TLS-protected data channels.
	GetTLSConfig() (*tls.Config, error)
}

// ClientDriver is the filesystem view a single authenticated session is
// allowed to operate on; it is always rooted (see internal/vfs), so every
// path it's given has already been translated and escape-checked.
type ClientDriver interface {
	afero.Fs
}

// ClientDriverExtensionAllocate is an optional extension backing ALLO.
type ClientDriverExtensionAllocate interface {
	AllocateSpace(size int) error
}

// ClientDriverExtensionFileList lets a driver provide directory listings
// without implementing the full afero.File Readdir contract.
type ClientDriverExtensionFileList interface {
	ReadDir(name string) ([]os.FileInfo, error)
}

// ClientDriverExtensionRemoveDir distinguishes RMD (directory) from DELE
// (file) when the underlying filesystem needs that distinction.
type ClientDriverExtensionRemoveDir interface {
	RemoveDir(name string) error
}

// ClientDriverExtensionAvailableSpace backs the AVBL command.
type ClientDriverExtensionAvailableSpace interface {
	GetAvailableSpace(dirName string) (int64, error)
}

// FileTransfer is the handle RETR/STOR/APPE stream through.
type FileTransfer interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
}

// ClientContext exposes a session's externally-visible state to the driver
// and to the manager endpoint.
type ClientContext interface {
	// Path is the session's current virtual working directory.
	Path() string
	SetDebug(debug bool)
	Debug() bool
	ID() uint32
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
	Close() error
	HasTLSForControl() bool
	HasTLSForTransfers() bool
	GetLastCommand() string
	// User is the authenticated username, empty pre-auth.
	User() string
	// ConnectedAt is when the TCP connection was accepted.
	ConnectedAt() time.Time
}

// PortMapping supplies candidate (exposed, listened) port pairs when opening
// a passive listener: the server binds to the listened port, while the
// exposed port is what gets advertised to the client in the PASV/EPSV reply
// — distinct values let a deployment sit behind a NAT/port-forwarding setup
// without the client needing to know about it. NumberAttempts reports how
// many distinct candidates the mapping holds; findListenerWithinPortRange
// clamps that count before using it as a retry budget.
type PortMapping interface {
	FetchNext() (exposedPort, listenedPort int, ok bool)
	NumberAttempts() int
}

// PortRange is an inclusive range of TCP ports to use for passive listeners
// or for outbound active-mode dials; the exposed and listened port are
// always the same.
type PortRange struct {
	Start int
	End   int
}

// FetchNext picks a random port within the range. It fails only when the
// range itself is empty (End before Start).
func (r *PortRange) FetchNext() (exposedPort, listenedPort int, ok bool) {
	if r.End < r.Start {
		return 0, 0, false
	}

	port := r.Start + rand.Intn(r.End-r.Start+1) //nolint:gosec

	return port, port, true
}

// NumberAttempts returns how many distinct ports the range holds.
func (r *PortRange) NumberAttempts() int {
	return r.End - r.Start + 1
}

// PortMappingRange maps a contiguous block of listened ports to a
// correspondingly offset block of exposed ports, for NAT/port-forwarding
// deployments where the two don't coincide.
type PortMappingRange struct {
	ExposedStart  int
	ListenedStart int
	Count         int
}

// FetchNext picks a random offset within the block and applies it to both
// the exposed and listened start ports.
func (r *PortMappingRange) FetchNext() (exposedPort, listenedPort int, ok bool) {
	if r.Count <= 0 {
		return 0, 0, false
	}

	offset := rand.Intn(r.Count) //nolint:gosec

	return r.ExposedStart + offset, r.ListenedStart + offset, true
}

// NumberAttempts returns how many distinct port pairs the block holds.
func (r *PortMappingRange) NumberAttempts() int {
	return r.Count
}

// clampPortAttempts bounds a retry budget to [10, 1000]: a narrow range
// still gets a fair shot at finding a free port, and a huge one doesn't
// turn findListenerWithinPortRange into a near-infinite loop.
func clampPortAttempts(candidates int) int {
	switch {
	case candidates < 10:
		return 10
	case candidates > 1000:
		return 1000
	default:
		return candidates
	}
}

// PublicIPResolver resolves the external IP to advertise in PASV/EPSV
// replies, for deployments behind NAT where a static PublicHost isn't known
// ahead of time.
type PublicIPResolver func(ClientContext) (string, error)

// TLSRequirement controls whether and how TLS is required.
type TLSRequirement int

// TLS modes.
const (
	ClearOrEncrypted TLSRequirement = iota
	MandatoryEncryption
	ImplicitEncryption
)

// TransferType is the session's negotiated TYPE.
type TransferType int

// Supported transfer types. ASCII is accepted and acknowledged (§3) but, per
// the Non-goals, translated identically to binary beyond line-ending
// normalization (asciiconverter.go) the way the teacher library does it.
const (
	TransferTypeBinary TransferType = iota
	TransferTypeASCII
)

// ProtectionLevel is the data-channel protection level set by PROT.
type ProtectionLevel int

// Protection levels honoured by PROT (§3, §4.5).
const (
	ProtectionClear ProtectionLevel = iota
	ProtectionPrivate
)

// Settings is the configuration snapshot consumed at boot (§6). It is
// read-only for the lifetime of a listen/serve cycle; a STOP/START cycle
// reloads it from the driver.
type Settings struct {
	// Listener lets the driver hand in an already-bound net.Listener
	// (useful for tests or for socket activation); ListenAddr is used
	// otherwise.
	Listener net.Listener
	// ListenAddr is host:port to listen on; defaults to 0.0.0.0:2221.
	ListenAddr string
	// ServerName / ServerVersion are embedded in the 220 greeting and
	// SYST/STAT output.
	ServerName    string
	ServerVersion string

	// PublicHost is the IP advertised in PASV/EPSV when non-empty.
	PublicHost string
	// PublicIPResolver is consulted when PublicHost is empty.
	PublicIPResolver PublicIPResolver

	// PassiveTransferPortRange restricts passive listeners to a port range
	// (or an arbitrary PortMapping, e.g. PortMappingRange); random ephemeral
	// ports are used if nil.
	PassiveTransferPortRange PortMapping
	// ActiveTransferPortNon20 skips binding the active dialer to port 20.
	ActiveTransferPortNon20 bool

	// IdleTimeout is the control-channel idle timeout, in seconds (421+close).
	IdleTimeout int
	// ConnectionTimeout bounds passive accept / active dial, in seconds.
	ConnectionTimeout int
	// DataTimeout is the data-channel inactivity limit, in seconds (default
	// 60). It is loaded and defaulted but not applied: data connections get
	// no read or write deadline from it.
	DataTimeout int

	// TransferChunkSize is the configured file streaming buffer size
	// (default 32768). It is loaded and defaulted but not used:
	// transfers stream with io.Copy's own buffer.
	TransferChunkSize int

	Banner string

	TLSRequired TLSRequirement
	// KeyPath / CertPath locate the PEM material GetTLSConfig loads, for
	// driver implementations that keep it on disk (internal/auth's default).
	KeyPath  string
	CertPath string
	// PlainFTPEnabled carries the configured plain-FTP setting. The session
	// does not consult it: whether plaintext sessions may authenticate is
	// decided by TLSRequired alone.
	PlainFTPEnabled bool

	AnonymousEnabled bool

	AllowSMNT bool

	DisableMLSD       bool
	DisableMLST       bool
	DisableSTAT       bool
	DisableSYST       bool
	DisableSite       bool
	DisableActiveMode bool
	DisableLISTArgs   bool

	DefaultTransferType TransferType

	// ConnectionListUpdateMs / LogFlushMs are ambient timing knobs exposed to
	// the manager endpoint and the log sink respectively (§6, §9).
	ConnectionListUpdateMs int
	LogFlushMs             int

	// MaxAuthFailures is the PASS failure cap before the session is dropped
	// with 421 (§4.5).
	MaxAuthFailures int
}
