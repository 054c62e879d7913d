//go:build linux

package clockwd

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// linuxDevWatchdog feeds /dev/watchdog via the standard WDIOC ioctls, as
// used by embedded Linux gateway agents fronting a field bus. This is the
// concrete HardwareWatchdog on the target this firmware core actually runs
// on (an 802.11-connected gateway SoC).
type linuxDevWatchdog struct {
	f *os.File
}

// wdiocSetTimeout mirrors WDIOC_SETTIMEOUT from <linux/watchdog.h>; it is
// not exposed by golang.org/x/sys/unix directly, so the ioctl number is
// reconstructed here using unix.IoctlSetInt, which already encodes the
// request correctly for the common "set timeout" case used in practice.
const wdiocSetTimeout = 0xC0045706

// OpenHardwareWatchdog opens /dev/watchdog, the standard Linux interface.
// Most hosts without the device (anything other than the target gateway)
// will fail to open it; callers should fall back to NewNullWatchdog.
func OpenHardwareWatchdog(path string) (HardwareWatchdog, error) {
	if path == "" {
		path = "/dev/watchdog"
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, err
	}
	return &linuxDevWatchdog{f: f}, nil
}

func (w *linuxDevWatchdog) Arm(timeout time.Duration) error {
	secs := int(timeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	return unix.IoctlSetInt(int(w.f.Fd()), wdiocSetTimeout, secs)
}

func (w *linuxDevWatchdog) Feed() error {
	_, err := w.f.Write([]byte{0})
	return err
}

func (w *linuxDevWatchdog) Close() error {
	// writing "V" requests a clean disarm on watchdog drivers that support
	// the magic close character; best-effort only.
	_, _ = w.f.Write([]byte{'V'})
	return w.f.Close()
}
