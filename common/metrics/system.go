package metrics

import (
	"bufio"
	"os"
	"runtime"
	"strings"
	"sync"
)

// SystemInfo describes the host a pipeline process runs on. It feeds the
// mediapipe_build_info gauge so transcode latencies can be compared across
// hardware.
type SystemInfo struct {
	OS               string `json:"os"`
	OSVersion        string `json:"os_version"`
	Arch             string `json:"arch"`
	Hostname         string `json:"hostname"`
	CPULogical       int    `json:"cpu_logical"`
	GoVersion        string `json:"go_version"`
	InContainer      bool   `json:"in_container"`
	ContainerRuntime string `json:"container_runtime,omitempty"`
}

// GetSystemInfo returns host information captured on first use
var GetSystemInfo = sync.OnceValue(captureSystemInfo)

func captureSystemInfo() *SystemInfo {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	runtimeName := detectContainer()
	return &SystemInfo{
		OS:               runtime.GOOS,
		OSVersion:        osVersion(),
		Arch:             runtime.GOARCH,
		Hostname:         hostname,
		CPULogical:       runtime.NumCPU(),
		GoVersion:        runtime.Version(),
		InContainer:      runtimeName != "",
		ContainerRuntime: runtimeName,
	}
}

// marker files checked before falling back to the init cgroup
var containerMarkers = []struct{ path, runtime string }{
	{"/.dockerenv", "docker"},
	{"/run/.containerenv", "podman"},
	{"/var/run/secrets/kubernetes.io", "kubernetes"},
}

// cgroup substrings, most specific first
var cgroupMarkers = []struct{ substr, runtime string }{
	{"kubepods", "kubernetes"},
	{"docker", "docker"},
	{"containerd", "containerd"},
	{"libpod", "podman"},
}

func detectContainer() string {
	for _, m := range containerMarkers {
		if _, err := os.Stat(m.path); err == nil {
			return m.runtime
		}
	}
	data, err := os.ReadFile("/proc/1/cgroup")
	if err != nil {
		return ""
	}
	cgroup := string(data)
	for _, m := range cgroupMarkers {
		if strings.Contains(cgroup, m.substr) {
			return m.runtime
		}
	}
	return ""
}

func osVersion() string {
	if runtime.GOOS != "linux" {
		return runtime.GOOS
	}
	f, err := os.Open("/etc/os-release")
	if err != nil {
		return "linux"
	}
	defer f.Close()
	return parseOSRelease(bufio.NewScanner(f))
}

// parseOSRelease prefers PRETTY_NAME, then NAME plus VERSION
func parseOSRelease(sc *bufio.Scanner) string {
	fields := map[string]string{}
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if ok {
			fields[k] = strings.Trim(v, `"'`)
		}
	}
	switch {
	case fields["PRETTY_NAME"] != "":
		return fields["PRETTY_NAME"]
	case fields["NAME"] != "":
		return strings.TrimSpace(fields["NAME"] + " " + fields["VERSION"])
	default:
		return "linux"
	}
}
