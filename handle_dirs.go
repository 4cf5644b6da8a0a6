package ftpserver

import (
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// supportedListArgs lists LIST arguments accepted and stripped before
// resolving the path; order matters, longer options must be checked first.
var supportedListArgs = []string{"-al", "-la", "-a", "-l"}

// absPath resolves param against the session's current working directory,
// lexically normalizing it (§4.1). It never touches the filesystem: escape
// defeat against symlinks happens inside the driver (internal/vfs), which
// sees only already-lexically-rooted paths.
func (c *clientHandler) absPath(p string) string {
	if strings.HasPrefix(p, "/") {
		return path.Clean(p)
	}

	return path.Clean(c.Path() + "/" + p)
}

func (c *clientHandler) handleCWD(param string) error {
	p := c.absPath(param)

	info, err := c.driver.Stat(p)
	if err != nil {
		return newFileAccessError("cwd failed", err)
	}

	if !info.IsDir() {
		c.writeMessage(StatusActionNotTaken, fmt.Sprintf("Can't change directory to %s: Not a Directory", p))

		return nil
	}

	c.SetPath(p)
	c.writeMessage(StatusFileOK, fmt.Sprintf("CD worked on %s", p))

	return nil
}

func (c *clientHandler) handleMKD(param string) error {
	p := c.absPath(param)

	if err := c.driver.Mkdir(p, 0o755); err != nil {
		return newFileAccessError("mkdir failed", err)
	}

	// RFC 959 p.63: embedded quotes in the pathname response are doubled.
	c.writeMessage(StatusPathCreated, fmt.Sprintf(`"%s" created`, quoteDoubling(p)))

	return nil
}

func (c *clientHandler) handleRMD(param string) error {
	p := c.absPath(param)

	var err error
	if rmd, ok := c.driver.(ClientDriverExtensionRemoveDir); ok {
		err = rmd.RemoveDir(p)
	} else {
		err = c.driver.Remove(p)
	}

	if err != nil {
		return newFileAccessError("rmdir failed", err)
	}

	c.writeMessage(StatusFileOK, fmt.Sprintf("Deleted dir %s", p))

	return nil
}

func (c *clientHandler) handleCDUP(param string) error {
	parent, _ := path.Split(c.Path())
	if parent != "/" && strings.HasSuffix(parent, "/") {
		parent = parent[:len(parent)-1]
	}

	if _, err := c.driver.Stat(parent); err != nil {
		return newFileAccessError("cdup failed", err)
	}

	c.SetPath(parent)
	c.writeMessage(StatusFileOK, fmt.Sprintf("CDUP worked on %s", parent))

	return nil
}

func (c *clientHandler) handlePWD(param string) error {
	c.writeMessage(StatusPathCreated, fmt.Sprintf(`"%s" is current directory.`, quoteDoubling(c.Path())))

	return nil
}

// stripListArgs drops a leading ls-style flag (-l, -a, ...) some clients
// still send with LIST, since this server always lists in long format.
func (c *clientHandler) stripListArgs(param string) string {
	lower := strings.ToLower(param)

	for _, arg := range supportedListArgs {
		if strings.HasPrefix(lower, arg) {
			rest := strings.TrimSpace(param[len(arg):])

			return rest
		}
	}

	return param
}

func (c *clientHandler) handleLIST(param string) error {
	if !c.server.settings.DisableLISTArgs {
		param = c.stripListArgs(param)
	}

	files, err := c.getFileList(param)
	if err != nil && err != io.EOF {
		return newFileAccessError("list failed", err)
	}

	tr, errTr := c.TransferOpen(fmt.Sprintf("LIST %s", param))
	if errTr != nil {
		return nil
	}

	err = c.dirTransferLIST(tr, files)
	c.TransferClose(err)

	return nil
}

func (c *clientHandler) handleNLST(param string) error {
	files, err := c.getFileList(param)
	if err != nil && err != io.EOF {
		return newFileAccessError("nlst failed", err)
	}

	tr, errTr := c.TransferOpen(fmt.Sprintf("NLST %s", param))
	if errTr != nil {
		return nil
	}

	err = c.dirTransferNLST(tr, files)
	c.TransferClose(err)

	return nil
}

func (c *clientHandler) dirTransferNLST(w io.Writer, files []os.FileInfo) error {
	for _, file := range files {
		if _, err := fmt.Fprintf(w, "%s\r\n", file.Name()); err != nil {
			return err
		}
	}

	return nil
}

func (c *clientHandler) handleMLSD(param string) error {
	if c.server.settings.DisableMLSD {
		c.writeMessage(StatusSyntaxErrorNotRecognised, "MLSD has been disabled")

		return nil
	}

	files, err := c.getFileList(param)
	if err != nil && err != io.EOF {
		return newFileAccessError("mlsd failed", err)
	}

	tr, errTr := c.TransferOpen(fmt.Sprintf("MLSD %s", param))
	if errTr != nil {
		return nil
	}

	err = c.dirTransferMLSD(tr, files)
	c.TransferClose(err)

	return nil
}

// handleMLST handles "MLST" (RFC 3659 §7): a single-file machine-parseable
// fact listing, sent over the control channel rather than a data channel.
func (c *clientHandler) handleMLST(param string) error {
	if c.server.settings.DisableMLST {
		c.writeMessage(StatusSyntaxErrorNotRecognised, "MLST has been disabled")

		return nil
	}

	p := c.absPath(param)

	info, err := c.driver.Stat(p)
	if err != nil {
		return newFileAccessError("mlst failed", err)
	}

	end := c.multilineAnswer(StatusFileStatus, "Listing "+p)
	defer end()

	var fact strings.Builder
	if err := c.writeMLSxOutput(&fact, info); err != nil {
		return newFileAccessError("mlst failed", err)
	}

	c.writeLine(" " + strings.TrimRight(fact.String(), "\r\n"))

	return nil
}

// handleSTATFile answers STAT with a path argument: a directory listing or
// a single file's stat line, written over the control channel (§4.5).
func (c *clientHandler) handleSTATFile(param string) error {
	p := c.absPath(param)

	info, err := c.driver.Stat(p)
	if err != nil {
		return newFileAccessError("stat failed", err)
	}

	if !info.IsDir() {
		c.writeMessage(StatusFileStatus, c.fileStat(info))

		return nil
	}

	files, err := c.getFileList(param)
	if err != nil {
		return newFileAccessError("stat failed", err)
	}

	end := c.multilineAnswer(StatusFileStatus, "Directory listing")
	defer end()

	for _, file := range files {
		c.writeLine(c.fileStat(file))
	}

	return nil
}

const (
	dateFormatStatTime      = "Jan _2 15:04"          // LIST date formatting, less than 6 months old
	dateFormatStatYear      = "Jan _2  2006"           // LIST date formatting, older than 6 months
	dateFormatStatOldSwitch = time.Hour * 24 * 30 * 6   // 6 months ago
	dateFormatMLSD          = "20060102150405"         // MLSD/MLST Modify= fact formatting
)

func (c *clientHandler) fileStat(file os.FileInfo) string {
	modTime := file.ModTime()

	dateFormat := dateFormatStatTime
	if c.connectedAt.Sub(modTime) > dateFormatStatOldSwitch {
		dateFormat = dateFormatStatYear
	}

	return fmt.Sprintf(
		"%s 1 ftp ftp %12d %s %s",
		file.Mode(),
		file.Size(),
		file.ModTime().Format(dateFormat),
		file.Name(),
	)
}

func (c *clientHandler) dirTransferLIST(w io.Writer, files []os.FileInfo) error {
	for _, file := range files {
		if _, err := fmt.Fprintf(w, "%s\r\n", c.fileStat(file)); err != nil {
			return err
		}
	}

	return nil
}

func (c *clientHandler) dirTransferMLSD(w io.Writer, files []os.FileInfo) error {
	for _, file := range files {
		if err := c.writeMLSxOutput(w, file); err != nil {
			return err
		}
	}

	return nil
}

func (c *clientHandler) writeMLSxOutput(w io.Writer, file os.FileInfo) error {
	listType := "file"
	if file.IsDir() {
		listType = "dir"
	}

	_, err := fmt.Fprintf(
		w,
		"Type=%s;Size=%d;Modify=%s; %s\r\n",
		listType,
		file.Size(),
		file.ModTime().Format(dateFormatMLSD),
		file.Name(),
	)

	return err
}

func (c *clientHandler) getFileList(param string) ([]os.FileInfo, error) {
	directoryPath := c.absPath(param)

	if fileList, ok := c.driver.(ClientDriverExtensionFileList); ok {
		return fileList.ReadDir(directoryPath)
	}

	directory, err := c.driver.Open(directoryPath)
	if err != nil {
		return nil, err
	}

	defer c.closeDirectory(directoryPath, directory)

	return directory.Readdir(-1)
}

func (c *clientHandler) closeDirectory(directoryPath string, directory afero.File) {
	if err := directory.Close(); err != nil {
		c.logger.Error("couldn't close directory", err, "directory", directoryPath)
	}
}
