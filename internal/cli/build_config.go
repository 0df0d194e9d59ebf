package cli

import (
	"strconv"
	"strings"

	"github.com/ctdl/dget/internal/config"
	"github.com/ctdl/dget/internal/engine"
)

// buildEngineConfig merges the persisted config file with command-line flag
// overrides into an engine.Configuration. Flags always win over the file;
// the file always wins over the engine's own built-in defaults.
func buildEngineConfig(fileCfg *config.Config, extraHeaders map[string]string) engine.Configuration {
	cfg := engine.Configuration{
		NumConnections:     fileCfg.NumConnections,
		MaxSpeed:           fileCfg.MaxSpeed,
		MaxRedirect:        fileCfg.MaxRedirect,
		IOTimeout:          fileCfg.ParsedIOTimeout(),
		ConnectionTimeout:  fileCfg.ParsedConnectionTimeout(),
		Insecure:           fileCfg.Insecure,
		NoClobber:          fileCfg.NoClobber,
		HTTPProxy:          fileCfg.Proxy,
		FTPProxy:           fileCfg.FTPProxy,
		NoProxyList:        fileCfg.NoProxy,
		UserAgent:          fileCfg.UserAgent,
		AddHeaders:         mergeHeaders(fileCfg.AddHeaders, extraHeaders),
		CheckpointInterval: fileCfg.ParsedCheckpointInterval(),
		MaxRetries:         fileCfg.MaxRetries,
	}

	switch fileCfg.AddressFamily {
	case "4":
		cfg.Family = engine.FamilyV4
	case "6":
		cfg.Family = engine.FamilyV6
	}

	if flagConnections > 0 {
		cfg.NumConnections = flagConnections
	}
	if flagMaxSpeed != "" {
		if v, err := parseByteRate(flagMaxSpeed); err == nil {
			cfg.MaxSpeed = v
		}
	}
	if flagProxy != "" {
		cfg.HTTPProxy = flagProxy
	}
	if flagFTPProxy != "" {
		cfg.FTPProxy = flagFTPProxy
	}
	if len(flagNoProxy) > 0 {
		cfg.NoProxyList = flagNoProxy
	}
	if flagUserAgent != "" {
		cfg.UserAgent = flagUserAgent
	}
	if flagInsecure {
		cfg.Insecure = true
	}
	if flagNoClobber {
		cfg.NoClobber = true
	}
	if flagMaxRedirect > 0 {
		cfg.MaxRedirect = flagMaxRedirect
	}
	if flagIPv6 {
		cfg.Family = engine.FamilyV6
	} else if flagIPv4 {
		cfg.Family = engine.FamilyV4
	}
	cfg.Verbose = !flagQuiet

	return cfg
}

func mergeHeaders(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// parseByteRate parses a rate string such as "500K" or "2M" into bytes/s.
func parseByteRate(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	mult := int64(1)
	switch last := s[len(s)-1]; last {
	case 'k', 'K':
		mult = 1024
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}

