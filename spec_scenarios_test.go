package ftpserver

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/secsy/goftp"
	"github.com/stretchr/testify/require"

	"github.com/clockwork-project/cogwheelftp/internal/metrics"
	"github.com/clockwork-project/cogwheelftp/internal/registry"
)

// TestScenarioLoginPwdQuit covers S1: a successful login followed by PWD,
// whose reply must be exactly the canonical 257 text, and QUIT, whose reply
// code is checked.
func TestScenarioLoginPwdQuit(t *testing.T) {
	server := NewTestServer(t, false)
	conf := goftp.Config{User: authUser, Password: authPass}

	client, err := goftp.DialConfig(conf, server.Addr())
	require.NoError(t, err)

	defer func() { panicOnError(client.Close()) }()

	raw, err := client.OpenRawConn()
	require.NoError(t, err)

	defer func() { require.NoError(t, raw.Close()) }()

	rc, response, err := raw.SendCommand("PWD")
	require.NoError(t, err)
	require.Equal(t, StatusPathCreated, rc)
	require.Equal(t, `"/" is current directory.`, response)

	rc, _, err = raw.SendCommand("QUIT")
	require.NoError(t, err)
	require.Equal(t, StatusClosingControlConn, rc)
}

// TestScenarioPassiveListOfEmptyRoot covers S2: PASV then LIST of an empty
// root directory transfers no data bytes and still replies 150/226.
func TestScenarioPassiveListOfEmptyRoot(t *testing.T) {
	server := NewTestServer(t, false)
	conf := goftp.Config{User: authUser, Password: authPass}

	client, err := goftp.DialConfig(conf, server.Addr())
	require.NoError(t, err)

	defer func() { panicOnError(client.Close()) }()

	entries, err := client.ReadDir("/")
	require.NoError(t, err)
	require.Empty(t, entries)
}

// TestScenarioStorRetrRoundTrip covers S3 and invariant 7: bytes uploaded via
// STOR come back identical via RETR, and SIZE reports the right length.
func TestScenarioStorRetrRoundTrip(t *testing.T) {
	server := NewTestServer(t, false)
	conf := goftp.Config{User: authUser, Password: authPass, ActiveTransfers: true}
	server.settings.ActiveTransferPortNon20 = true

	client, err := goftp.DialConfig(conf, server.Addr())
	require.NoError(t, err)

	defer func() { panicOnError(client.Close()) }()

	payload := []byte{0x41, 0x42, 0x43}

	err = client.Store("hello.bin", bytes.NewReader(payload))
	require.NoError(t, err)

	var out bytes.Buffer
	_, err = client.Retrieve("hello.bin", &out)
	require.NoError(t, err)
	require.Equal(t, payload, out.Bytes())

	require.Equal(t, int64(3), fetchSize(t, client, "hello.bin"))
}

// fetchSize issues a raw SIZE command and parses the byte count out of the
// 213 reply (S3/invariant 8's "SIZE matches" assertion).
func fetchSize(t *testing.T, client *goftp.Client, name string) int64 {
	t.Helper()

	raw, err := client.OpenRawConn()
	require.NoError(t, err)

	defer func() { require.NoError(t, raw.Close()) }()

	rc, response, err := raw.SendCommand("SIZE " + name)
	require.NoError(t, err)
	require.Equal(t, StatusFileStatus, rc, response)

	size, err := strconv.ParseInt(response, 10, 64)
	require.NoError(t, err, "malformed SIZE reply: %q", response)

	return size
}

// TestScenarioRestResumeRoundTrip covers invariant 8 (S4's round-trip half,
// without the literal mid-transfer ABOR): a partial upload, resumed from the
// truncation point via REST+APPE, reproduces the original file exactly.
func TestScenarioRestResumeRoundTrip(t *testing.T) {
	server := NewTestServer(t, false)
	conf := goftp.Config{User: authUser, Password: authPass}

	client, err := goftp.DialConfig(conf, server.Addr())
	require.NoError(t, err)

	defer func() { panicOnError(client.Close()) }()

	original := createTemporaryFile(t, 1024)

	const splitAt = 600

	first := bytes.NewReader(mustReadAll(t, original)[:splitAt])
	err = client.Store("big.bin", first)
	require.NoError(t, err)

	raw, err := client.OpenRawConn()
	require.NoError(t, err)

	defer func() { require.NoError(t, raw.Close()) }()

	rc, response, err := raw.SendCommand("REST 600")
	require.NoError(t, err)
	require.Equal(t, StatusFileActionPending, rc, response)

	remainder := bytes.NewReader(mustReadAll(t, original)[splitAt:])

	dcGetter, err := raw.PrepareDataConn()
	require.NoError(t, err)

	rc, response, err = raw.SendCommand("APPE big.bin")
	require.NoError(t, err)
	require.Equal(t, StatusFileStatusOK, rc, response)

	dc, err := dcGetter()
	require.NoError(t, err)

	_, err = io.Copy(dc, remainder)
	require.NoError(t, err)
	require.NoError(t, dc.Close())

	rc, _, err = raw.ReadResponse()
	require.NoError(t, err)
	require.Equal(t, StatusClosingDataConn, rc)

	require.Equal(t, int64(1024), fetchSize(t, client, "big.bin"))
}

func mustReadAll(t *testing.T, f interface {
	io.ReadSeeker
}) []byte {
	t.Helper()

	_, err := f.Seek(0, io.SeekStart)
	require.NoError(t, err)

	data, err := io.ReadAll(f)
	require.NoError(t, err)

	return data
}

// TestScenarioRenameOrdering covers S5 and invariant 4: RNTO without a prior
// RNFR is 503; RNFR followed by an unrelated command (NOOP) invalidates the
// pending rename, so the following RNTO is also 503.
func TestScenarioRenameOrdering(t *testing.T) {
	server := NewTestServer(t, false)
	conf := goftp.Config{User: authUser, Password: authPass}

	client, err := goftp.DialConfig(conf, server.Addr())
	require.NoError(t, err)

	defer func() { panicOnError(client.Close()) }()

	ftpUpload(t, client, createTemporaryFile(t, 8), "x")

	raw, err := client.OpenRawConn()
	require.NoError(t, err)

	defer func() { require.NoError(t, raw.Close()) }()

	rc, _, err := raw.SendCommand("RNTO y")
	require.NoError(t, err)
	require.Equal(t, StatusBadCommandSequence, rc)

	rc, _, err = raw.SendCommand("RNFR x")
	require.NoError(t, err)
	require.Equal(t, StatusFileActionPending, rc)

	rc, _, err = raw.SendCommand("NOOP")
	require.NoError(t, err)
	require.Equal(t, StatusOK, rc)

	rc, _, err = raw.SendCommand("RNTO y")
	require.NoError(t, err)
	require.Equal(t, StatusBadCommandSequence, rc)
}

// TestInvariantRestClearedByUnrelatedCommand covers invariant 5's second
// clause: REST's offset is cleared not only once consumed, but also by any
// intervening command that isn't the transfer it was meant for.
func TestInvariantRestClearedByUnrelatedCommand(t *testing.T) {
	server := NewTestServer(t, false)
	conf := goftp.Config{User: authUser, Password: authPass}

	client, err := goftp.DialConfig(conf, server.Addr())
	require.NoError(t, err)

	defer func() { panicOnError(client.Close()) }()

	ftpUpload(t, client, createTemporaryFile(t, 16), "untouched.bin")

	raw, err := client.OpenRawConn()
	require.NoError(t, err)

	defer func() { require.NoError(t, raw.Close()) }()

	rc, _, err := raw.SendCommand("REST 100")
	require.NoError(t, err)
	require.Equal(t, StatusFileActionPending, rc)

	rc, response, err := raw.SendCommand("PWD")
	require.NoError(t, err)
	require.Equal(t, StatusPathCreated, rc, response)

	// a RETR right after an unrelated command must read from the start, not
	// from the now-invalidated offset.
	var out bytes.Buffer
	_, err = client.Retrieve("untouched.bin", &out)
	require.NoError(t, err)
	require.Equal(t, 16, out.Len())
}

// TestInvariantPreAuthCommandsRejected covers invariant 1: before USER/PASS
// succeed, no Full-tier command yields anything but 530.
func TestInvariantPreAuthCommandsRejected(t *testing.T) {
	server := NewTestServer(t, false)

	for _, command := range []string{"PWD", "CWD /", "LIST", "RETR x", "MKD d"} {
		conn, err := net.DialTimeout("tcp", server.Addr(), 5*time.Second)
		require.NoError(t, err)

		reader := bufio.NewReader(conn)

		_, err = reader.ReadString('\n') // greeting
		require.NoError(t, err)

		rc, msg := sendRawCommand(t, conn, reader, command)
		require.Equal(t, StatusNotLoggedIn, rc, "%s should be rejected pre-auth: %s", command, msg)

		require.NoError(t, conn.Close())
	}
}

// sendRawCommand writes a bare command over conn and parses the three-digit
// status code from the first line of the reply.
func sendRawCommand(t *testing.T, conn net.Conn, reader *bufio.Reader, command string) (int, string) {
	t.Helper()

	_, err := conn.Write([]byte(command + "\r\n"))
	require.NoError(t, err)

	line, err := reader.ReadString('\n')
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(line), 3)

	code, err := strconv.Atoi(line[:3])
	require.NoError(t, err, "malformed reply: %q", line)

	return code, line
}

// TestRegistryAndMetricsWiring exercises invariant-adjacent wiring: a live
// session is reflected in the server's Registry, and executed commands are
// recorded against a plugged-in MetricsRecorder.
func TestRegistryAndMetricsWiring(t *testing.T) {
	server := NewTestServer(t, false)

	reg := registry.New()
	server.SetRegistry(reg)

	collector := metrics.New()
	server.SetMetrics(collector)

	conf := goftp.Config{User: authUser, Password: authPass}
	client, err := goftp.DialConfig(conf, server.Addr())
	require.NoError(t, err)

	raw, err := client.OpenRawConn()
	require.NoError(t, err)

	rc, response, err := raw.SendCommand("PWD")
	require.NoError(t, err)
	require.Equal(t, StatusPathCreated, rc, response)
	require.NoError(t, raw.Close())

	require.Eventually(t, func() bool {
		return reg.Count() == 1
	}, time.Second, 10*time.Millisecond)

	snapshot := reg.Snapshot()
	require.Len(t, snapshot, 1)
	require.Equal(t, authUser, snapshot[0].User)

	require.NoError(t, client.Close())

	require.Eventually(t, func() bool {
		return reg.Count() == 0
	}, time.Second, 10*time.Millisecond)

	families, err := collector.Registry.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}
