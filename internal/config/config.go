// Package config binds the statspipe CLI flags and key=value config
// file. CLI flags that were explicitly set override values from the
// file, matching txstatsd's OptionsGlue precedence.
package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every recognized daemon option, plus the sink/router
// options that support multi-destination routing.
type Config struct {
	CarbonCacheHost string
	CarbonCachePort int
	ListenPort      int
	FlushInterval   time.Duration
	InstanceName    string
	Percentiles     []int
	ReservoirSize   int
	ReservoirAlpha  float64

	Sinks        []string
	VirtualNodes int
	MetricsAddr  string

	CPUProfile   bool
	MemProfile   bool
	BlockProfile bool
}

func defaults() Config {
	return Config{
		CarbonCacheHost: "localhost",
		CarbonCachePort: 2003,
		ListenPort:      8125,
		FlushInterval:   10000 * time.Millisecond,
		InstanceName:    "",
		Percentiles:     []int{90},
		ReservoirSize:   1028,
		ReservoirAlpha:  0.015,
		VirtualNodes:    100,
	}
}

// Parse binds flags on fs (typically flag.CommandLine), parses args,
// and merges in any key=value config file named by -config, with CLI
// flags that were explicitly passed taking precedence over the file.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := defaults()

	var (
		configFile        string
		flushIntervalMs   int64
		percentilesCSV    string
		sinksCSV          string
	)

	fs.StringVar(&configFile, "config", "", "Path to a key=value config file")
	fs.StringVar(&cfg.CarbonCacheHost, "carbon-cache-host", cfg.CarbonCacheHost, "Hostname of downstream sink")
	fs.IntVar(&cfg.CarbonCachePort, "carbon-cache-port", cfg.CarbonCachePort, "TCP port of downstream sink")
	fs.IntVar(&cfg.ListenPort, "listen-port", cfg.ListenPort, "UDP ingest port")
	fs.Int64Var(&flushIntervalMs, "flush-interval", cfg.FlushInterval.Milliseconds(), "Flush period, milliseconds")
	fs.StringVar(&cfg.InstanceName, "instance-name", cfg.InstanceName, "Prefix prepended to self-metrics")
	fs.StringVar(&percentilesCSV, "percentiles", "90", "Comma-separated integers in [1,99]")
	fs.IntVar(&cfg.ReservoirSize, "reservoir-size", cfg.ReservoirSize, "Reservoir capacity for histograms")
	fs.Float64Var(&cfg.ReservoirAlpha, "reservoir-alpha", cfg.ReservoirAlpha, "Decay factor alpha")
	fs.StringVar(&sinksCSV, "sinks", "", "Comma-separated host:port sink list (overrides carbon-cache-host/port)")
	fs.IntVar(&cfg.VirtualNodes, "virtual-nodes", cfg.VirtualNodes, "Virtual nodes per sink on the hash ring")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "Address to expose self-metrics as Prometheus, empty disables")
	fs.BoolVar(&cfg.CPUProfile, "cpuprofile", false, "Enable CPU profiling")
	fs.BoolVar(&cfg.MemProfile, "memprofile", false, "Enable memory profiling")
	fs.BoolVar(&cfg.BlockProfile, "blockprofile", false, "Enable block profiling")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	raw := map[string]string{
		"carbon-cache-host": cfg.CarbonCacheHost,
		"carbon-cache-port": strconv.Itoa(cfg.CarbonCachePort),
		"listen-port":       strconv.Itoa(cfg.ListenPort),
		"flush-interval":    strconv.FormatInt(flushIntervalMs, 10),
		"instance-name":     cfg.InstanceName,
		"percentiles":       percentilesCSV,
		"reservoir-size":    strconv.Itoa(cfg.ReservoirSize),
		"reservoir-alpha":   strconv.FormatFloat(cfg.ReservoirAlpha, 'g', -1, 64),
		"sinks":             sinksCSV,
		"virtual-nodes":     strconv.Itoa(cfg.VirtualNodes),
		"metrics-addr":      cfg.MetricsAddr,
	}

	if configFile != "" {
		fileVals, err := godotenv.Read(configFile)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
		for key, val := range fileVals {
			if explicit[key] {
				continue
			}
			raw[key] = val
		}
	}

	cfg.CarbonCacheHost = raw["carbon-cache-host"]
	cfg.InstanceName = raw["instance-name"]
	cfg.MetricsAddr = raw["metrics-addr"]
	percentilesCSV = raw["percentiles"]
	sinksCSV = raw["sinks"]

	var err error
	if cfg.CarbonCachePort, err = strconv.Atoi(raw["carbon-cache-port"]); err != nil {
		return nil, fmt.Errorf("invalid carbon-cache-port: %w", err)
	}
	if cfg.ListenPort, err = strconv.Atoi(raw["listen-port"]); err != nil {
		return nil, fmt.Errorf("invalid listen-port: %w", err)
	}
	flushMs, err := strconv.ParseInt(raw["flush-interval"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid flush-interval: %w", err)
	}
	cfg.FlushInterval = time.Duration(flushMs) * time.Millisecond
	if cfg.ReservoirSize, err = strconv.Atoi(raw["reservoir-size"]); err != nil {
		return nil, fmt.Errorf("invalid reservoir-size: %w", err)
	}
	if cfg.ReservoirAlpha, err = strconv.ParseFloat(raw["reservoir-alpha"], 64); err != nil {
		return nil, fmt.Errorf("invalid reservoir-alpha: %w", err)
	}
	if cfg.VirtualNodes, err = strconv.Atoi(raw["virtual-nodes"]); err != nil {
		return nil, fmt.Errorf("invalid virtual-nodes: %w", err)
	}

	cfg.Percentiles, err = parsePercentiles(percentilesCSV)
	if err != nil {
		return nil, err
	}

	if sinksCSV != "" {
		for _, s := range strings.Split(sinksCSV, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				cfg.Sinks = append(cfg.Sinks, s)
			}
		}
	}
	if len(cfg.Sinks) == 0 {
		cfg.Sinks = []string{fmt.Sprintf("%s:%d", cfg.CarbonCacheHost, cfg.CarbonCachePort)}
	}

	if cfg.FlushInterval <= 0 {
		return nil, fmt.Errorf("flush-interval must be positive")
	}
	if cfg.ReservoirSize <= 0 {
		return nil, fmt.Errorf("reservoir-size must be positive")
	}
	if cfg.ReservoirAlpha <= 0 {
		return nil, fmt.Errorf("reservoir-alpha must be positive")
	}

	return &cfg, nil
}

func parsePercentiles(csv string) ([]int, error) {
	var out []int
	for _, tok := range strings.Split(csv, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		p, err := strconv.Atoi(tok)
		if err != nil {
			return nil, fmt.Errorf("invalid percentile %q: %w", tok, err)
		}
		if p < 1 || p > 99 {
			return nil, fmt.Errorf("percentile %d out of range [1,99]", p)
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		out = []int{90}
	}
	return out, nil
}
