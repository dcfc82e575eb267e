package port

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrNoListener is returned by FindListenerPID when no process is
// listening on the requested port. Callers use errors.Is to distinguish
// "nothing to kill" from inspection failures.
var ErrNoListener = errors.New("no process is listening on the port")

// tcpStateListen is the kernel's hex code for a TCP socket in LISTEN
// state, as printed in the `st` column of /proc/net/tcp.
const tcpStateListen = "0A"

// Inspector resolves which process owns a listening TCP port.
//
// The procRoot field exists so tests can point the inspector at a fake
// /proc tree; production code always uses the real one via NewInspector.
type Inspector struct {
	procRoot string
}

// NewInspector creates an Inspector reading from the real /proc.
func NewInspector() *Inspector {
	return &Inspector{procRoot: "/proc"}
}

// FindListenerPID returns the PID of the process listening on the given
// TCP port, on either the IPv4 or IPv6 stack.
//
// The resolution runs in two phases, mirroring what `lsof -i :PORT` does:
//  1. Scan /proc/net/tcp and /proc/net/tcp6 for sockets in LISTEN state
//     whose local port matches, collecting their socket inode numbers.
//  2. Walk /proc/<pid>/fd for every process and readlink each descriptor;
//     a link target of "socket:[<inode>]" identifies the owner.
//
// Phase 2 silently skips processes we cannot inspect (permission denied
// on other users' /proc entries); if the owning process belongs to
// another user, the scan finds the inode but no PID and reports that
// explicitly.
func (in *Inspector) FindListenerPID(tcpPort int) (int, error) {
	inodes, err := in.listenInodes(tcpPort)
	if err != nil {
		return 0, err
	}
	if len(inodes) == 0 {
		return 0, fmt.Errorf("port %d: %w", tcpPort, ErrNoListener)
	}

	pid, err := in.findInodeOwner(inodes)
	if err != nil {
		return 0, err
	}
	if pid == 0 {
		return 0, fmt.Errorf("port %d has a listener but its process is not visible (owned by another user?)", tcpPort)
	}
	return pid, nil
}

// ProcessName returns the short command name of a process from
// /proc/<pid>/comm, for display in `berth free-port` output.
func (in *Inspector) ProcessName(pid int) string {
	data, err := os.ReadFile(filepath.Join(in.procRoot, strconv.Itoa(pid), "comm"))
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(data))
}

// listenInodes collects socket inodes for LISTEN-state sockets on the
// given port from both the IPv4 and IPv6 tables. A missing table (e.g.
// IPv6 disabled) is not an error.
func (in *Inspector) listenInodes(tcpPort int) ([]uint64, error) {
	var inodes []uint64
	for _, table := range []string{"net/tcp", "net/tcp6"} {
		f, err := os.Open(filepath.Join(in.procRoot, table))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", table, err)
		}
		found, perr := parseListenInodes(f, tcpPort)
		_ = f.Close()
		if perr != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", table, perr)
		}
		inodes = append(inodes, found...)
	}
	return inodes, nil
}

// parseListenInodes scans one /proc/net/tcp-format table for LISTEN
// sockets bound to the given port and returns their inode numbers.
//
// Row format (whitespace-separated, after the header line):
//
//	sl local_address rem_address st tx:rx tr:tm retrnsmt uid timeout inode ...
//
// local_address is "HEXADDR:HEXPORT"; we only need the port half, so the
// address family (IPv4 vs IPv6 hex width) is irrelevant here.
func parseListenInodes(r io.Reader, tcpPort int) ([]uint64, error) {
	var inodes []uint64

	scanner := bufio.NewScanner(r)
	first := true
	for scanner.Scan() {
		if first {
			// Skip the header line.
			first = false
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}

		if fields[3] != tcpStateListen {
			continue
		}

		local := fields[1]
		colon := strings.LastIndex(local, ":")
		if colon < 0 {
			continue
		}
		portHex := local[colon+1:]
		parsedPort, err := strconv.ParseUint(portHex, 16, 16)
		if err != nil {
			continue
		}
		if int(parsedPort) != tcpPort {
			continue
		}

		inode, err := strconv.ParseUint(fields[9], 10, 64)
		if err != nil {
			continue
		}
		inodes = append(inodes, inode)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return inodes, nil
}

// findInodeOwner walks every /proc/<pid>/fd directory looking for a
// descriptor whose readlink target matches one of the socket inodes.
// Returns 0 if no visible process owns any of the inodes.
func (in *Inspector) findInodeOwner(inodes []uint64) (int, error) {
	targets := make(map[string]bool, len(inodes))
	for _, inode := range inodes {
		targets[fmt.Sprintf("socket:[%d]", inode)] = true
	}

	entries, err := os.ReadDir(in.procRoot)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s: %w", in.procRoot, err)
	}

	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			// Not a process directory (e.g. /proc/meminfo).
			continue
		}

		fdDir := filepath.Join(in.procRoot, entry.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			// Permission denied for other users' processes, or the
			// process exited mid-scan. Either way, skip it.
			continue
		}

		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			if targets[link] {
				return pid, nil
			}
		}
	}

	return 0, nil
}
