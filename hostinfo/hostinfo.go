// Package hostinfo probes the local host and assembles the descriptor
// recorded in a trial's immutable header: CPU and GPU inventory, platform,
// selected environment variables and the user.
package hostinfo

import (
	"context"
	"encoding/xml"
	"os"
	"os/exec"
	"os/user"
	"runtime"
	"sort"
	"strings"

	"goa.design/clue/log"

	"github.com/Epistimio/kleio/store"
)

// EngineVersion is recorded in the platform section of the host descriptor.
const EngineVersion = "0.2.0"

// Fetch assembles the host descriptor. Probe failures degrade to empty
// sections; a host without nvidia-smi simply has no GPUs.
func Fetch(ctx context.Context, envVars []string) store.Document {
	return store.Document{
		"cpus":     fetchCPUs(ctx),
		"gpus":     fetchGPUs(ctx),
		"platform": fetchPlatform(),
		"env_vars": fetchEnvVars(envVars),
		"user":     fetchUser(),
	}
}

func fetchCPUs(ctx context.Context) store.Document {
	out, err := exec.CommandContext(ctx, "lscpu").Output()
	if err != nil {
		log.Debug(ctx, log.KV{K: "msg", V: "lscpu probe failed"}, log.KV{K: "err", V: err})
		return store.Document{}
	}
	return parseLscpu(string(out))
}

// parseLscpu splits "key: value" lines. CPU MHz is dropped: it varies with
// frequency scaling and would make the host hash unstable.
func parseLscpu(output string) store.Document {
	info := store.Document{}
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" || key == "CPU MHz" {
			continue
		}
		info[key] = strings.TrimSpace(parts[1])
	}
	return info
}

type nvidiaSMILog struct {
	DriverVersion string      `xml:"driver_version"`
	GPUs          []nvidiaGPU `xml:"gpu"`
}

type nvidiaGPU struct {
	ID              string `xml:"id,attr"`
	ProductName     string `xml:"product_name"`
	PersistenceMode string `xml:"persistence_mode"`
	FBMemoryUsage   struct {
		Total string `xml:"total"`
	} `xml:"fb_memory_usage"`
}

func fetchGPUs(ctx context.Context) store.Document {
	out, err := exec.CommandContext(ctx, "nvidia-smi", "-q", "-x").Output()
	if err != nil {
		return store.Document{}
	}
	gpus, err := parseNvidiaSMI(out)
	if err != nil {
		log.Debug(ctx, log.KV{K: "msg", V: "nvidia-smi parse failed"}, log.KV{K: "err", V: err})
		return store.Document{}
	}
	return gpus
}

// parseNvidiaSMI extracts the GPU inventory from nvidia-smi -q -x output.
// Dots in PCI bus ids become commas so the keys survive dotted-path queries.
func parseNvidiaSMI(data []byte) (store.Document, error) {
	var smi nvidiaSMILog
	if err := xml.Unmarshal(data, &smi); err != nil {
		return nil, err
	}
	info := store.Document{}
	if smi.DriverVersion != "" {
		info["driver_version"] = smi.DriverVersion
	}
	for _, gpu := range smi.GPUs {
		key := strings.ReplaceAll(gpu.ID, ".", ",")
		info[key] = store.Document{
			"model":            gpu.ProductName,
			"total_memory":     gpu.FBMemoryUsage.Total,
			"persistence_mode": gpu.PersistenceMode == "Enabled",
		}
	}
	return info, nil
}

func fetchPlatform() store.Document {
	hostname, _ := os.Hostname()
	return store.Document{
		"kleio_version": EngineVersion,
		"system":        runtime.GOOS,
		"machine":       runtime.GOARCH,
		"node":          hostname,
		"num_cpu":       runtime.NumCPU(),
		"go_version":    runtime.Version(),
	}
}

// fetchEnvVars records the configured variables plus the ones the engine
// always tracks. Unset variables are recorded as nil so a variable appearing
// later changes the host hash.
func fetchEnvVars(configured []string) store.Document {
	names := append([]string{"CLUSTER", "KLEIO_DATABASE_FILE_DIR"}, configured...)
	sort.Strings(names)
	vars := store.Document{}
	for _, name := range names {
		if v, ok := os.LookupEnv(name); ok {
			vars[name] = v
		} else {
			vars[name] = nil
		}
	}
	return vars
}

func fetchUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
