package app

import (
	"net"
	"os"
	"path/filepath"
	"strings"
)

const powerSupplyDir = "/sys/class/power_supply"

// hostConditions answers the platform's processing requirements from the
// host. When a probe fails the requirement counts as met, so an unreadable
// sysfs never starves missions.
type hostConditions struct {
	powerDir string
	links    func() ([]link, error)
}

type link struct {
	up, loopback bool
	addrs        int
}

func newHostConditions() hostConditions {
	return hostConditions{powerDir: powerSupplyDir, links: systemLinks}
}

func systemLinks() ([]link, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]link, 0, len(ifs))
	for _, ifc := range ifs {
		l := link{up: ifc.Flags&net.FlagUp != 0, loopback: ifc.Flags&net.FlagLoopback != 0}
		if addrs, err := ifc.Addrs(); err == nil {
			l.addrs = len(addrs)
		}
		out = append(out, l)
	}
	return out, nil
}

// NetworkAvailable reports whether any non-loopback interface is up with an
// address.
func (h hostConditions) NetworkAvailable() bool {
	links, err := h.links()
	if err != nil {
		return true
	}
	for _, l := range links {
		if l.up && !l.loopback && l.addrs > 0 {
			return true
		}
	}
	return false
}

// ExternalPower reports whether a mains or USB supply is online. Hosts that
// list no such supply are assumed to be on mains.
func (h hostConditions) ExternalPower() bool {
	entries, err := os.ReadDir(h.powerDir)
	if err != nil {
		return true
	}
	external := false
	for _, e := range entries {
		dir := filepath.Join(h.powerDir, e.Name())
		switch readTrim(filepath.Join(dir, "type")) {
		case "Mains", "USB":
			external = true
			if readTrim(filepath.Join(dir, "online")) == "1" {
				return true
			}
		}
	}
	return !external
}

func readTrim(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
