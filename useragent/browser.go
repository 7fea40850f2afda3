package useragent

import (
	"os/exec"
	"runtime"

	"github.com/jrsteele09/sentinel-auth/internal/errors"
)

// OpenBrowser opens u in the system browser.
func OpenBrowser(u string) error {
	var cmd string
	var args []string
	switch runtime.GOOS {
	case "darwin":
		cmd, args = "open", []string{u}
	case "windows":
		cmd, args = "rundll32", []string{"url.dll,FileProtocolHandler", u}
	default:
		cmd, args = "xdg-open", []string{u}
	}
	if err := exec.Command(cmd, args...).Start(); err != nil {
		return errors.Wrapf(err, "[useragent OpenBrowser] %s", cmd)
	}
	return nil
}
