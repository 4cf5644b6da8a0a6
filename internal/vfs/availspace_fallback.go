//go:build windows
// +build windows

package vfs

// GetAvailableSpace has no portable implementation on this platform; the
// method exists, so ClientDriverExtensionAvailableSpace still resolves, but
// every call fails with errNotSupported (mirrors control_fallback.go's
// stance on SO_REUSEPORT not existing everywhere).
func (r *Rooted) GetAvailableSpace(dirName string) (int64, error) {
	return 0, errNotSupported
}
