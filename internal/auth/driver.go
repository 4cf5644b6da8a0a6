package auth

import (
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/spf13/afero"

	ftpserver "github.com/clockwork-project/cogwheelftp"
	"github.com/clockwork-project/cogwheelftp/internal/metrics"
	"github.com/clockwork-project/cogwheelftp/internal/vfs"
	"github.com/clockwork-project/cogwheelftp/log"
)

// Driver is the MainDriver implementation this repo ships: credentials come
// from a Store, filesystem views are internal/vfs.Rooted trees under each
// account's HomeDir, and TLS material comes from a CertSource.
type Driver struct {
	Settings *ftpserver.Settings
	Store    *Store
	Certs    *CertSource
	Logger   log.Logger
	Fs       afero.Fs // normally afero.NewOsFs(); overridable for tests
	Metrics  *metrics.Collector // optional; nil disables recording
}

// NewDriver wires a Store, a CertSource and a Settings snapshot into a
// MainDriver. fs is typically afero.NewOsFs(); tests may pass afero.NewMemMapFs().
func NewDriver(settings *ftpserver.Settings, store *Store, certs *CertSource, logger log.Logger, fs afero.Fs, collector *metrics.Collector) *Driver {
	if fs == nil {
		fs = afero.NewOsFs()
	}

	return &Driver{Settings: settings, Store: store, Certs: certs, Logger: logger, Fs: fs, Metrics: collector}
}

func (d *Driver) GetSettings() (*ftpserver.Settings, error) {
	return d.Settings, nil
}

func (d *Driver) ClientConnected(cc ftpserver.ClientContext) (string, error) {
	d.Logger.Info("client connected", "id", cc.ID(), "remote", cc.RemoteAddr().String())

	if d.Metrics != nil {
		d.Metrics.SessionOpened()
	}

	banner := d.Settings.Banner
	if banner == "" {
		banner = fmt.Sprintf("%s ready", d.Settings.ServerName)
	}

	return banner, nil
}

func (d *Driver) ClientDisconnected(cc ftpserver.ClientContext) {
	d.Logger.Info("client disconnected", "id", cc.ID(), "user", cc.User())

	if d.Metrics != nil {
		d.Metrics.SessionClosed()
	}
}

func (d *Driver) AuthUser(cc ftpserver.ClientContext, user, pass string) (ftpserver.ClientDriver, error) {
	record, err := d.Store.Verify(user, pass)
	if err != nil {
		d.Logger.Warn("authentication failed", "id", cc.ID(), "user", user, "err", err)

		if d.Metrics != nil {
			d.Metrics.RecordAuthentication(authOutcome(err))
		}

		return nil, err
	}

	if d.Metrics != nil {
		d.Metrics.RecordAuthentication("success")
	}

	home := record.HomeDir
	if home == "" {
		home = "/"
	}

	rooted, err := vfs.NewRooted(d.Fs, home)
	if err != nil {
		return nil, fmt.Errorf("rooting %s at %s: %w", user, home, err)
	}

	return rooted, nil
}

func (d *Driver) GetTLSConfig() (*tls.Config, error) {
	return d.Certs.GetTLSConfig()
}

// authOutcome maps a Verify error to a metrics label.
func authOutcome(err error) string {
	switch {
	case errors.Is(err, ftpserver.ErrNoSuchUser):
		return "no_such_user"
	case errors.Is(err, ftpserver.ErrUserDisabled):
		return "disabled"
	case errors.Is(err, ftpserver.ErrBadPassword):
		return "bad_password"
	default:
		return "error"
	}
}
