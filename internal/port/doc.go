// Package port implements host port scanning and listener inspection for
// the berth CLI.
//
// The Scanner answers "is this port free?" by asking the OS directly via
// net.Listen / net.ListenPacket, which needs no elevated permissions and
// no external commands.
//
// The inspection half answers the runbook's recovery question — "which
// process is stuck on this port?" — by correlating listening sockets from
// /proc/net/tcp{,6} with process file descriptors under /proc/<pid>/fd.
// This is the same join `lsof -i :PORT` performs, done natively.
package port
