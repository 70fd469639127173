// Package benchconfig holds the immutable per-phase configuration and its
// JSON whitelist wire encoding used by PREPAREPHASE.
package benchconfig

import (
	"encoding/json"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/iobench/internal/errs"
	"github.com/cuemby/iobench/internal/phase"
)

// S3Config carries the S3-related settings: endpoint, region, bucket, static
// access/secret key pair, and multipart part size. Mutated only between phases, like the
// rest of BenchConfig.
type S3Config struct {
	Endpoint      string `json:"endpoint,omitempty"`
	Region        string `json:"region,omitempty"`
	Bucket        string `json:"bucket,omitempty"`
	AccessKey     string `json:"accessKey,omitempty"`
	SecretKey     string `json:"secretKey,omitempty"`
	PartSizeBytes int64  `json:"partSizeBytes,omitempty"`
}

// Config is the immutable per-phase configuration shared by master and
// services. It is set at master startup and re-derived on each service from
// the master's config payload in every PREPAREPHASE; mutated only between
// phases, never during.
type Config struct {
	TargetPaths     []string      `json:"targetPaths"`
	Iterations      int           `json:"iterations"`
	TimeLimitSecs   int           `json:"timeLimitSecs"`
	NextPhaseDelay  time.Duration `json:"-"`
	RotateHostsNum  int           `json:"rotateHostsNum"`
	Hosts           []string      `json:"-"`
	ServicePort     int           `json:"servicePort"`
	Label           string        `json:"label,omitempty"`
	DryRun          bool          `json:"dryRun"`
	NumDirs         int           `json:"numDirs"`
	NumFiles        int           `json:"numFiles"`
	FileSizeBytes   int64         `json:"fileSizeBytes"`
	UseNetBench     bool          `json:"useNetBench"`
	S3              *S3Config     `json:"s3,omitempty"`
	Selection       *phase.Selection `json:"-"`
	RunSyncPhase    bool          `json:"runSyncPhase"`
	RunDropCaches   bool          `json:"runDropCachesPhase"`
	ProtocolVersion string        `json:"-"`
	StartTime       time.Time     `json:"-"`
}

// nextPhaseDelaySecs / timeLimitSecs round-trip as plain integer seconds on
// the wire; NextPhaseDelay is derived from the raw int after unmarshalling.
type wireConfig struct {
	TargetPaths        []string  `json:"targetPaths"`
	Iterations         int       `json:"iterations"`
	TimeLimitSecs      int       `json:"timeLimitSecs"`
	NextPhaseDelaySecs int       `json:"nextPhaseDelaySecs"`
	RotateHostsNum     int       `json:"rotateHostsNum"`
	ServicePort        int       `json:"servicePort"`
	Label              string    `json:"label,omitempty"`
	DryRun             bool      `json:"dryRun"`
	NumDirs            int       `json:"numDirs"`
	NumFiles           int       `json:"numFiles"`
	FileSizeBytes      int64     `json:"fileSizeBytes"`
	UseNetBench        bool      `json:"useNetBench"`
	S3                 *S3Config `json:"s3,omitempty"`
	RunSyncPhase       bool      `json:"runSyncPhase"`
	RunDropCachesPhase bool      `json:"runDropCachesPhase"`

	// EnabledPhases lists the wire codes of phases to run, letting the
	// sender control ordering-independent enable flags without leaking the
	// canonical order onto the wire.
	EnabledPhases []int `json:"enabledPhases"`
}

// MarshalForWire encodes the config for transmission to a service's
// PREPAREPHASE endpoint. Only whitelisted fields cross the wire: Hosts,
// ProtocolVersion and StartTime stay master-local, while Selection travels as
// the enabledPhases wire codes and NextPhaseDelay as whole seconds.
func (c *Config) MarshalForWire() ([]byte, error) {
	wc := wireConfig{
		TargetPaths:        c.TargetPaths,
		Iterations:         c.Iterations,
		TimeLimitSecs:      c.TimeLimitSecs,
		NextPhaseDelaySecs: int(c.NextPhaseDelay / time.Second),
		RotateHostsNum:     c.RotateHostsNum,
		ServicePort:        c.ServicePort,
		Label:              c.Label,
		DryRun:             c.DryRun,
		NumDirs:            c.NumDirs,
		NumFiles:           c.NumFiles,
		FileSizeBytes:      c.FileSizeBytes,
		UseNetBench:        c.UseNetBench,
		S3:                 c.S3,
		RunSyncPhase:       c.RunSyncPhase,
		RunDropCachesPhase: c.RunDropCaches,
	}
	if c.Selection != nil {
		for _, p := range c.Selection.Ordered() {
			wc.EnabledPhases = append(wc.EnabledPhases, int(p))
		}
	}
	return json.Marshal(wc)
}

// UnmarshalFromWire decodes a PREPAREPHASE JSON body into a Config. Unknown
// keys are ignored (json.Unmarshal's default behavior); required keys are
// enforced explicitly below.
func UnmarshalFromWire(body []byte) (*Config, error) {
	var wc wireConfig
	if err := json.Unmarshal(body, &wc); err != nil {
		return nil, errs.NewProtocolError("malformed config JSON: %v", err)
	}

	if len(wc.TargetPaths) == 0 {
		return nil, errs.NewProtocolError("missing required field: targetPaths")
	}
	if wc.Iterations <= 0 {
		wc.Iterations = 1
	}

	sel := phase.NewSelection()
	for _, code := range wc.EnabledPhases {
		p, ok := phase.ParseBenchPhase(code)
		if !ok {
			return nil, errs.NewProtocolError("unknown bench phase code: %d", code)
		}
		sel.Enable(p)
	}

	return &Config{
		TargetPaths:    wc.TargetPaths,
		Iterations:     wc.Iterations,
		TimeLimitSecs:  wc.TimeLimitSecs,
		NextPhaseDelay: time.Duration(wc.NextPhaseDelaySecs) * time.Second,
		RotateHostsNum: wc.RotateHostsNum,
		ServicePort:    wc.ServicePort,
		Label:          wc.Label,
		DryRun:         wc.DryRun,
		NumDirs:        wc.NumDirs,
		NumFiles:       wc.NumFiles,
		FileSizeBytes:  wc.FileSizeBytes,
		UseNetBench:    wc.UseNetBench,
		S3:             wc.S3,
		Selection:      sel,
		RunSyncPhase:   wc.RunSyncPhase,
		RunDropCaches:  wc.RunDropCachesPhase,
	}, nil
}

// HostsFile is the YAML shape accepted by the CLI's --hosts-file flag: a
// flat list of service hosts, loaded in addition to any --hosts given
// directly so a fleet can be checked into a config file rather than typed
// out on every invocation.
type HostsFile struct {
	Hosts []string `yaml:"hosts"`
}

// LoadHostsFile reads and parses a --hosts-file.
func LoadHostsFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.NewConfigError("reading hosts file %s: %v", path, err)
	}
	var hf HostsFile
	if err := yaml.Unmarshal(data, &hf); err != nil {
		return nil, errs.NewConfigError("parsing hosts file %s: %v", path, err)
	}
	return hf.Hosts, nil
}
