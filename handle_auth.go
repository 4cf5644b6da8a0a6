package ftpserver

import "fmt"

// handleUSER handles the "USER" command (§4.5): it only records the
// candidate username and moves the session into authAwaitingPassword; actual
// authentication happens on PASS.
func (c *clientHandler) handleUSER(param string) error {
	if c.server.settings.TLSRequired == MandatoryEncryption && !c.HasTLSForControl() {
		c.writeMessage(StatusServiceNotAvailable, "TLS is required")

		return nil
	}

	if param == "" {
		c.writeMessage(StatusSyntaxErrorParameters, "USER needs a username")

		return nil
	}

	c.pendingUser = param
	c.authState = authAwaitingPassword

	if c.server.settings.AnonymousEnabled && param == "anonymous" {
		c.writeMessage(StatusUserOK, "Login with an e-mail address as password")

		return nil
	}

	c.writeMessage(StatusUserOK, "User name okay, need password")

	return nil
}

// handlePASS handles the "PASS" command: it authenticates against the
// MainDriver and, on success, receives the rooted ClientDriver that will
// serve the rest of the session. Three consecutive failures drop the
// connection with 421 (§4.5).
func (c *clientHandler) handlePASS(param string) error {
	if c.authState != authAwaitingPassword {
		c.writeMessage(StatusBadCommandSequence, "USER first")

		return nil
	}

	driver, err := c.server.driver.AuthUser(c, c.pendingUser, param)
	if err != nil || driver == nil {
		c.authFailures++

		if c.authFailures >= c.server.settings.MaxAuthFailures {
			c.writeMessage(StatusServiceNotAvailable, "Too many authentication failures, closing connection")
			c.authState = authAwaitingUser

			return c.Close()
		}

		c.writeMessage(StatusNotLoggedIn, fmt.Sprintf("Authentication failed: %v", err))
		c.authState = authAwaitingUser

		return nil
	}

	c.driver = driver
	c.authState = authAuthenticated
	c.setUser(c.pendingUser)
	c.writeMessage(StatusUserLoggedIn, "Password ok, continue")

	return nil
}

// handleACCT handles the "ACCT" command. Per-user accounting beyond the
// username/password pair is out of scope; ACCT is accepted as a no-op so
// clients that always send it don't break.
func (c *clientHandler) handleACCT(param string) error {
	c.writeStatus(StatusOK)

	return nil
}
