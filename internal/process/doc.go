// Package process supervises long-running child processes.
//
// The bridge uses it to run slcand, which attaches a serial CAN adapter as
// a SocketCAN interface. A Manager provides:
//   - Start/stop with SIGTERM to the process group, then SIGKILL
//   - Readiness polling after the first start (ReadyFunc)
//   - Watchdog health checks; three failures in a row kill the process
//   - Restart with exponential backoff, reset after a stable run
//   - Line-by-line capture of stdout/stderr into the logger
//
// Example usage:
//
//	mgr := process.NewManager(process.Config{
//	    Name:             "slcand",
//	    Binary:           "/usr/bin/slcand",
//	    Args:             []string{"-o", "-c", "-F", "-s6", "/dev/ttyACM0", "slcan0"},
//	    RestartOnFailure: true,
//	    RestartDelay:     5 * time.Second,
//	})
//
//	if err := mgr.Start(ctx); err != nil {
//	    return err
//	}
//	defer mgr.Stop()
package process
