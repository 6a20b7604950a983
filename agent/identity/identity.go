// Package identity derives a stable machine id and the hardware facts a client
// registers with.
package identity

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"go_fleet/internal/fsutil"
)

// Facts describe the machine as sent on registration
type Facts struct {
	Hostname    string
	IPAddress   string
	OSVersion   string
	Arch        string
	CPUCores    int
	MemoryBytes int64
}

// Probe collects the machine facts. Missing facts are left zero.
func Probe() Facts {
	hostname, _ := os.Hostname()
	return Facts{
		Hostname:    hostname,
		IPAddress:   primaryIP(),
		OSVersion:   osVersion(),
		Arch:        runtime.GOARCH,
		CPUCores:    runtime.NumCPU(),
		MemoryBytes: totalMemory(),
	}
}

// Fingerprint returns the machine id: a blake3 digest of the hostname, the sorted
// hardware addresses and the platform. It survives restarts and reinstalls of the client.
func Fingerprint() string {
	hostname, _ := os.Hostname()
	return fingerprint(hostname, hardwareAddrs(), runtime.GOOS, runtime.GOARCH)
}

func fingerprint(hostname string, macs []string, goos, goarch string) string {
	sorted := append([]string(nil), macs...)
	sort.Strings(sorted)

	h := blake3.New()
	h.Write([]byte(strings.ToLower(hostname)))
	for _, mac := range sorted {
		h.Write([]byte{0})
		h.Write([]byte(strings.ToLower(mac)))
	}
	h.Write([]byte{0})
	h.Write([]byte(goos + "/" + goarch))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// virtualPrefixes name interfaces created at runtime by container, bridge and VPN
// software. Their addresses come and go and must not feed the machine id.
var virtualPrefixes = []string{
	"docker", "veth", "br-", "virbr", "vnet", "tun", "tap", "wg", "zt",
	"vmnet", "vboxnet", "cni", "flannel", "cali", "kube", "lxc", "utun", "awdl", "llw",
}

// hardwareAddrs lists the MACs of physical looking interfaces
func hardwareAddrs() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	return physicalAddrs(ifaces)
}

// physicalAddrs keeps interfaces with a burned-in address. Loopback, virtual and
// locally administered addresses are skipped. Link state is ignored so a cable pull
// does not change the id.
func physicalAddrs(ifaces []net.Interface) []string {
	var macs []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		if iface.HardwareAddr[0]&0x02 != 0 || isVirtual(iface.Name) {
			continue
		}
		macs = append(macs, iface.HardwareAddr.String())
	}
	return macs
}

func isVirtual(name string) bool {
	name = strings.ToLower(name)
	for _, prefix := range virtualPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// MachineID returns the id stored at path, creating it from Fingerprint on first
// use. Once written the id no longer follows hardware changes.
func MachineID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read machine id: %w", err)
	}

	id := Fingerprint()
	if err := fsutil.WriteFile(path, []byte(id+"\n"), 0644); err != nil {
		return "", fmt.Errorf("failed to persist machine id: %w", err)
	}
	return id, nil
}

// primaryIP returns the first non-loopback IPv4 address
func primaryIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}
