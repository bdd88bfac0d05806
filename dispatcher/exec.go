package dispatcher

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"hsync/syncconfig"
)

const (
	// DefaultStatusTimeout bounds how long the dispatcher waits for the
	// next stdout status line or child exit before concluding a conduit
	// has hung; SPC traffic does not restart it. Spec §9 documents the original's
	// unbounded select() as a known weakness and suggests this value.
	DefaultStatusTimeout = 30 * time.Second
	// DefaultSPCReadTimeout bounds one poll of the SPC socket's read
	// state (spec §9's suggested value).
	DefaultSPCReadTimeout = 1 * time.Second
)

// maxHeaderNameLen and maxHeaderLineLen enforce spec §4.8's header size
// limits.
const (
	maxHeaderNameLen = 32
	maxHeaderLineLen = 255
)

// buildHeaderLines renders the system-issued headers (spec §4.8 step 3)
// followed by the conduit's user-supplied headers, in a stable order so
// output is reproducible across runs.
func buildHeaderLines(hdr HeaderContext, db *DBContext, flavor syncconfig.Flavor, spcFD int, runID string, prefs []syncconfig.PreferenceRef, prefLens map[syncconfig.PreferenceRef]int, userHeaders map[string]string) ([]string, error) {
	var lines []string
	add := func(name, value string) error {
		if len(name) > maxHeaderNameLen {
			return errors.Errorf("dispatcher: header name %q exceeds %d chars", name, maxHeaderNameLen)
		}
		line := fmt.Sprintf("%s: %s", name, value)
		if len(line) > maxHeaderLineLen {
			return errors.Errorf("dispatcher: header line %q exceeds %d chars", name, maxHeaderLineLen)
		}
		lines = append(lines, line)
		return nil
	}

	if err := add("Daemon", hdr.Daemon); err != nil {
		return nil, err
	}
	if runID != "" {
		if err := add("Hsync-Run-Id", runID); err != nil {
			return nil, err
		}
	}
	if err := add("Version", hdr.Version); err != nil {
		return nil, err
	}
	if flavor == syncconfig.FlavorSync && hdr.SyncType != "" {
		if err := add("SyncType", hdr.SyncType); err != nil {
			return nil, err
		}
	}
	if hdr.Snum != "" {
		if err := add("PDA-Snum", hdr.Snum); err != nil {
			return nil, err
		}
	}
	if err := add("PDA-Username", hdr.Username); err != nil {
		return nil, err
	}
	if err := add("PDA-UID", fmt.Sprintf("%d", hdr.UID)); err != nil {
		return nil, err
	}
	if hdr.Directory != "" {
		if err := add("PDA-Directory", hdr.Directory); err != nil {
			return nil, err
		}
	}
	if db != nil && db.Info != nil {
		if err := add("InputDB", db.InputDB); err != nil {
			return nil, err
		}
		if err := add("OutputDB", db.OutputDB); err != nil {
			return nil, err
		}
	}
	for _, p := range prefs {
		value := fmt.Sprintf("%d/%d/%d", p.Creator, p.ID, prefLens[p])
		if err := add("Preference", value); err != nil {
			return nil, err
		}
	}
	if spcFD >= 0 {
		if err := add("SPCPipe", fmt.Sprintf("%d", spcFD)); err != nil {
			return nil, err
		}
	}
	if err := add("PDA-DLP-major", fmt.Sprintf("%d", hdr.DLPMajor)); err != nil {
		return nil, err
	}
	if err := add("PDA-DLP-minor", fmt.Sprintf("%d", hdr.DLPMinor)); err != nil {
		return nil, err
	}

	// User headers last, in a stable (sorted) order — the config layer
	// hands them over as a map, which has no inherent order of its own.
	names := make([]string, 0, len(userHeaders))
	for name := range userHeaders {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := add(name, userHeaders[name]); err != nil {
			return nil, err
		}
	}

	return lines, nil
}

// spawnedConduit is a running external conduit process: its pipes, its
// status channel, and (for sync-flavored runs) its SPC socket.
type spawnedConduit struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	status    <-chan StatusLine
	statusEOF <-chan struct{}
	spcConn   net.Conn
	waitErr   chan error
}

// spawn forks/execs an external conduit with argv [path, "conduit",
// flavor] (spec §4.8 step 2), wires its stdout to a line-reading
// goroutine, and — when spcEnabled — creates a unix socketpair and
// passes its child half as an inherited fd (announced later via the
// SPCPipe header).
func spawn(path, workDir string, flavor syncconfig.Flavor, spcEnabled bool) (*spawnedConduit, int, error) {
	cmd := exec.Command(path, "conduit", string(flavor))
	cmd.Dir = workDir
	// Own process group so terminate() can reach any grandchildren the
	// conduit forks (spec §4.8 Termination "beyond just SIGCHLD"), not
	// just the immediate child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, -1, errors.Wrap(err, "dispatcher: conduit stdin pipe")
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, -1, errors.Wrap(err, "dispatcher: conduit stdout pipe")
	}

	spcFD := -1
	var spcConn net.Conn
	var childFile *os.File
	if spcEnabled {
		fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		if err != nil {
			return nil, -1, errors.Wrap(err, "dispatcher: spc socketpair")
		}
		parentFile := os.NewFile(uintptr(fds[0]), "spc-parent")
		childFile = os.NewFile(uintptr(fds[1]), "spc-child")
		spcConn, err = net.FileConn(parentFile)
		if err != nil {
			return nil, -1, errors.Wrap(err, "dispatcher: spc fileconn")
		}
		parentFile.Close()
		cmd.ExtraFiles = []*os.File{childFile}
		spcFD = 3 // first ExtraFiles entry always lands at fd 3
	}

	if err := cmd.Start(); err != nil {
		if childFile != nil {
			childFile.Close()
		}
		return nil, -1, errors.Wrap(err, "dispatcher: conduit start")
	}
	if childFile != nil {
		childFile.Close() // child's dup stays open in the subprocess
	}

	statusCh := make(chan StatusLine, 16)
	eofCh := make(chan struct{})
	go func() {
		defer close(eofCh)
		defer close(statusCh)
		scanner := bufio.NewScanner(stdoutPipe)
		for scanner.Scan() {
			statusCh <- ParseStatusLine(scanner.Text())
		}
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	sc := &spawnedConduit{
		cmd:       cmd,
		stdin:     stdin,
		status:    statusCh,
		statusEOF: eofCh,
		spcConn:   spcConn,
		waitErr:   waitCh,
	}
	return sc, spcFD, nil
}

func (s *spawnedConduit) writeStdin(headers []string, prefPayloads [][]byte) error {
	defer s.stdin.Close()
	w := bufio.NewWriter(s.stdin)
	for _, line := range headers {
		if _, err := fmt.Fprintf(w, "%s\n", line); err != nil {
			return errors.Wrap(err, "dispatcher: write header")
		}
	}
	if _, err := w.WriteString("\n"); err != nil {
		return errors.Wrap(err, "dispatcher: write header terminator")
	}
	for _, payload := range prefPayloads {
		if _, err := w.Write(payload); err != nil {
			return errors.Wrap(err, "dispatcher: write preference payload")
		}
	}
	return errors.Wrap(w.Flush(), "dispatcher: flush conduit stdin")
}

// terminate sends SIGTERM to the conduit's whole process group (spec
// §4.8 Termination), so a conduit that forked its own helper processes
// doesn't leave them running. Setpgid above makes the child's pid its
// own pgid, so signaling -pid reaches the whole group; falls back to
// signaling the lone pid if the group signal is refused (e.g. already
// reaped).
func (s *spawnedConduit) terminate() {
	if s.cmd.Process == nil {
		return
	}
	pid := s.cmd.Process.Pid
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
	}
}
