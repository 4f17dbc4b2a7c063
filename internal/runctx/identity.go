package runctx

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"evobench-jobs/internal/tempfile"

	"gopkg.in/yaml.v3"
)

// RunIdentity is the per-run identifying context recorded alongside a
// completed run's output, used to decide whether two runs are comparable
// enough to appear in the same summary/trend table: different CPU models
// or compiler versions produce timings that should not be averaged
// together.
type RunIdentity struct {
	Host        string `yaml:"host"`
	CPUModel    string `yaml:"cpu_model"`
	CoreCount   int    `yaml:"core_count"`
	OSRelease   string `yaml:"os_release"`
	CompilerVer string `yaml:"compiler_version"`
}

// Comparable reports whether two runs' identities are similar enough to
// be aggregated in the same summary or trend table: same CPU model, same
// core count, same compiler version. Host and OS release are recorded for
// diagnostics but don't by themselves disqualify a comparison.
func (r RunIdentity) Comparable(other RunIdentity) bool {
	return r.CPUModel == other.CPUModel &&
		r.CoreCount == other.CoreCount &&
		r.CompilerVer == other.CompilerVer
}

// identityFile is the per-run sidecar name RunIdentity persists under.
const identityFile = "run_identity.yaml"

// CollectIdentity gathers this host's identity. Fields that cannot be
// determined on the current platform are left empty rather than failing
// the run. CompilerVer is not collected here and is always empty.
func CollectIdentity() RunIdentity {
	id := RunIdentity{CoreCount: runtime.NumCPU()}
	if host, err := os.Hostname(); err == nil {
		id.Host = host
	}
	id.CPUModel = cpuModel()
	if rel, err := os.ReadFile("/proc/sys/kernel/osrelease"); err == nil {
		id.OSRelease = strings.TrimSpace(string(rel))
	}
	return id
}

// cpuModel reads the first "model name" line of /proc/cpuinfo, empty on
// platforms without one.
func cpuModel() string {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return ""
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "model name") {
			continue
		}
		if i := strings.IndexByte(line, ':'); i >= 0 {
			return strings.TrimSpace(line[i+1:])
		}
	}
	return ""
}

// WriteIdentity persists id as dir's run-identity sidecar.
func WriteIdentity(dir string, id RunIdentity) error {
	data, err := yaml.Marshal(id)
	if err != nil {
		return fmt.Errorf("runctx: encoding run identity: %w", err)
	}
	path := filepath.Join(dir, identityFile)
	if err := tempfile.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("runctx: writing %s: %w", path, err)
	}
	return nil
}

// ReadIdentity loads the run-identity sidecar recorded in dir.
func ReadIdentity(dir string) (RunIdentity, error) {
	data, err := os.ReadFile(filepath.Join(dir, identityFile))
	if err != nil {
		return RunIdentity{}, fmt.Errorf("runctx: reading run identity: %w", err)
	}
	var id RunIdentity
	if err := yaml.Unmarshal(data, &id); err != nil {
		return RunIdentity{}, fmt.Errorf("runctx: decoding run identity: %w", err)
	}
	return id, nil
}
