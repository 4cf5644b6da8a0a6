package ftpserver

import (
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"strconv"
	"time"
)

func (c *clientHandler) handleSTOR(param string) error {
	c.transferFile(true, false, param, fmt.Sprintf("STOR %s", param))

	return nil
}

func (c *clientHandler) handleAPPE(param string) error {
	c.transferFile(true, true, param, fmt.Sprintf("APPE %s", param))

	return nil
}

func (c *clientHandler) handleRETR(param string) error {
	c.transferFile(false, false, param, fmt.Sprintf("RETR %s", param))

	return nil
}

// handleSTOU handles "STOU" (store unique): the server, not the client,
// picks the destination name, derived from the requested one by suffixing a
// counter until a name that doesn't already exist is found.
func (c *clientHandler) handleSTOU(param string) error {
	base := c.absPath(param)
	if base == "" || base == "/" {
		base = c.absPath("ftp.trans")
	}

	name := base

	for i := 0; ; i++ {
		if _, err := c.driver.Stat(name); os.IsNotExist(err) {
			break
		}

		name = fmt.Sprintf("%s.%d", base, i+1)
	}

	c.transferFile(true, false, name, fmt.Sprintf("STOU %s", name))

	return nil
}

// transferFile drives one RETR/STOR/APPE/STOU: open the file, honour REST,
// open the data connection, stream, close both ends, report the outcome.
func (c *clientHandler) transferFile(write, appendMode bool, param, info string) {
	path := c.absPath(param)

	fileFlag := os.O_RDONLY

	if write {
		fileFlag = os.O_WRONLY

		if appendMode {
			fileFlag |= os.O_APPEND
		} else {
			fileFlag |= os.O_CREATE

			if c.ctxRest == 0 {
				fileFlag |= os.O_TRUNC
			}
		}
	}

	file, err := c.driver.OpenFile(path, fileFlag, os.ModePerm)
	if err != nil {
		if !c.isCommandAborted() {
			c.writeMessage(getErrorCode(err, StatusActionNotTaken), fmt.Sprintf("Could not access file: %v", err))
		}

		c.ctxRest = 0

		return
	}

	if c.ctxRest != 0 {
		offset := c.ctxRest
		c.ctxRest = 0

		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			if !c.isCommandAborted() {
				c.writeMessage(StatusActionNotTaken, fmt.Sprintf("Could not seek file: %v", err))
			}

			c.closeUnchecked(file)

			return
		}
	}

	tr, err := c.TransferOpen(info)
	if err != nil {
		c.closeUnchecked(file)

		return
	}

	direction := "out"
	if write {
		direction = "in"
	}

	started := time.Now()
	if c.server.metrics != nil {
		c.server.metrics.TransferStarted()
	}

	written, err := c.doFileTransfer(tr, file, write)
	if errClose := file.Close(); errClose != nil && err == nil && write {
		err = errClose
	}

	if c.server.metrics != nil {
		c.server.metrics.TransferFinished(direction, written, started, err)
	}

	c.TransferClose(err)
}

func (c *clientHandler) doFileTransfer(tr net.Conn, file io.ReadWriter, write bool) (int64, error) {
	var in io.Reader
	var out io.Writer

	conversionMode := convertModeToCRLF

	if write {
		in, out = tr, file

		if runtime.GOOS != "windows" {
			conversionMode = convertModeToLF
		}
	} else {
		in, out = file, tr
	}

	if c.curTransType == TransferTypeASCII {
		in = newASCIIConverter(in, conversionMode)
	}

	written, copyErr := io.Copy(out, in)
	if copyErr != nil && !(copyErr == io.EOF && !write) {
		return written, copyErr
	}

	c.logger.Debug("stream copy finished", "writtenBytes", written)

	return written, nil
}

func (c *clientHandler) closeUnchecked(file io.Closer) {
	if err := file.Close(); err != nil {
		c.logger.Warn("problem closing a file", "err", err)
	}
}

func (c *clientHandler) handleDELE(param string) error {
	path := c.absPath(param)

	if err := c.driver.Remove(path); err != nil {
		return newFileAccessError("delete failed", err)
	}

	c.writeMessage(StatusFileOK, fmt.Sprintf("Removed file %s", path))

	return nil
}

func (c *clientHandler) handleRNFR(param string) error {
	path := c.absPath(param)

	if _, err := c.driver.Stat(path); err != nil {
		return newFileAccessError("rnfr failed", err)
	}

	c.ctxRnfr = path
	c.writeMessage(StatusFileActionPending, "Sure, give me a target")

	return nil
}

func (c *clientHandler) handleRNTO(param string) error {
	if c.ctxRnfr == "" {
		c.writeMessage(StatusBadCommandSequence, "RNFR is expected before RNTO")

		return nil
	}

	dst := c.absPath(param)
	src := c.ctxRnfr
	c.ctxRnfr = ""

	if err := c.driver.Rename(src, dst); err != nil {
		return newFileAccessError("rename failed", err)
	}

	c.writeMessage(StatusFileOK, "Rename successful")

	return nil
}

// handleSIZE handles "SIZE" (RFC 3659 §4). Computing the ASCII-translated
// size would require scanning the whole file, so SIZE is refused in ASCII
// mode, as RFC 3659 §4 anticipates.
func (c *clientHandler) handleSIZE(param string) error {
	if c.curTransType == TransferTypeASCII {
		c.writeMessage(StatusActionNotTaken, "SIZE not allowed in ASCII mode")

		return nil
	}

	path := c.absPath(param)

	info, err := c.driver.Stat(path)
	if err != nil {
		return newFileAccessError("size failed", err)
	}

	if info.IsDir() {
		c.writeMessage(StatusActionNotTaken, fmt.Sprintf("%s: is a directory", path))

		return nil
	}

	c.writeMessage(StatusFileStatus, fmt.Sprintf("%d", info.Size()))

	return nil
}

func (c *clientHandler) handleALLO(param string) error {
	size, err := strconv.Atoi(param)
	if err != nil {
		c.writeMessage(StatusSyntaxErrorParameters, fmt.Sprintf("Couldn't parse size: %v", err))

		return nil
	}

	allocator, ok := c.driver.(ClientDriverExtensionAllocate)
	if !ok {
		c.writeStatus(StatusOK)

		return nil
	}

	if err := allocator.AllocateSpace(size); err != nil {
		return newFileAccessError("allocate failed", err)
	}

	c.writeStatus(StatusOK)

	return nil
}

// handleREST handles "REST" (RFC 3659 §5): sets the byte offset the next
// STOR/RETR/APPE should seek to. Resuming in ASCII mode is refused since the
// byte offset wouldn't correspond to a consistent line position.
func (c *clientHandler) handleREST(param string) error {
	size, err := strconv.ParseInt(param, 10, 64)
	if err != nil {
		c.writeMessage(StatusSyntaxErrorParameters, fmt.Sprintf("Couldn't parse offset: %v", err))

		return nil
	}

	if c.curTransType == TransferTypeASCII {
		c.writeMessage(StatusSyntaxErrorParameters, "Resuming transfers not allowed in ASCII mode")

		return nil
	}

	c.ctxRest = size
	c.writeMessage(StatusFileActionPending, "OK")

	return nil
}

func (c *clientHandler) handleMDTM(param string) error {
	path := c.absPath(param)

	info, err := c.driver.Stat(path)
	if err != nil {
		return newFileAccessError("mdtm failed", err)
	}

	c.writeMessage(StatusFileStatus, info.ModTime().UTC().Format(dateFormatMLSD))

	return nil
}
