// Package config holds the process-wide settings for a CQKD node.
//
// Settings are loaded once at startup from environment variables and then
// threaded explicitly through constructors; nothing in this package is
// mutated after Load returns.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Settings is the immutable configuration for one CQKD process.
type Settings struct {
	// DHT configuration
	DHTPort        int
	BootstrapNodes string
	NodeID         string
	DHTKSize       int

	// Node configuration
	RoleTimeout time.Duration

	// Protocol configuration
	KeyLengthMultiplier     float64
	RequiredNodesMultiplier int
	KeyLengthBits           int
	SessionID               string
	BobAddress              string

	// Channel security
	EnableChannelEncryption bool

	// Logging
	LogLevel  string
	LogFormat string

	// Adaptive Kademlia
	EnableAdaptiveKademlia bool
	SmallThreshold         int
	MediumThreshold        int
	LargeThreshold         int
	XLargeThreshold        int
	BaseAlpha              int
	BaseK                  int
	BaseQueryTimeout       time.Duration
	AlphaScalingFactor     float64
	KScalingFactor         float64
	MaxAlpha               int
	MaxK                   int
	MaxQueryTimeout        time.Duration
	MaxDiscoveryTimeout    time.Duration

	// Node cache
	CacheMaxSize         int
	CacheTTL             time.Duration
	CacheRefreshInterval time.Duration

	// Health check
	EnableHealthCheck          bool
	HealthBatchSize            int
	HealthConcurrentBatches    int
	HealthFastTimeout          time.Duration
	HealthMediumTimeout        time.Duration
	HealthDeepTimeout          time.Duration
	HealthFastInterval         time.Duration
	HealthMediumInterval       time.Duration
	HealthDeepInterval         time.Duration
	HealthFailureThreshold     int
	HealthMinAvailabilityScore float64
	HealthPriorityRoles        []string

	// Bootstrap pool
	BootstrapStrategy          string
	BootstrapSelectionStrategy string
	BootstrapHealthInterval    time.Duration
	BootstrapFailureThreshold  int
	BootstrapConnectionTimeout time.Duration
	BootstrapSmallNodes        int
	BootstrapMediumNodes       int
	BootstrapLargeNodes        int
	BootstrapXLargeNodes       int
}

// Load reads all recognised environment variables and returns the settings,
// applying defaults for anything unset.
func Load() (*Settings, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("DHT_PORT", 5678)
	v.SetDefault("BOOTSTRAP_NODES", "")
	v.SetDefault("NODE_ID", "")
	v.SetDefault("DHT_KSIZE", 25)
	v.SetDefault("ROLE_TIMEOUT_SECONDS", 300)
	v.SetDefault("KEY_LENGTH_MULTIPLIER", 2.5)
	v.SetDefault("REQUIRED_NODES_MULTIPLIER", 5)
	v.SetDefault("KEY_LENGTH_BITS", 32)
	v.SetDefault("SESSION_ID", "")
	v.SetDefault("BOB_DHT_ADDRESS", "")
	v.SetDefault("ENABLE_CHANNEL_ENCRYPTION", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("ENABLE_ADAPTIVE_KADEMLIA", true)
	v.SetDefault("SMALL_NETWORK_THRESHOLD", 15)
	v.SetDefault("MEDIUM_NETWORK_THRESHOLD", 50)
	v.SetDefault("LARGE_NETWORK_THRESHOLD", 100)
	v.SetDefault("XLARGE_NETWORK_THRESHOLD", 500)
	v.SetDefault("BASE_ALPHA", 3)
	v.SetDefault("BASE_K", 20)
	v.SetDefault("BASE_QUERY_TIMEOUT", 5.0)
	v.SetDefault("ALPHA_SCALING_FACTOR", 1.5)
	v.SetDefault("K_SCALING_FACTOR", 1.3)
	v.SetDefault("MAX_ALPHA", 8)
	v.SetDefault("MAX_K", 40)
	v.SetDefault("MAX_QUERY_TIMEOUT", 20.0)
	v.SetDefault("MAX_DISCOVERY_TIMEOUT", 180)

	v.SetDefault("CACHE_MAX_SIZE", 10000)
	v.SetDefault("CACHE_TTL_SECONDS", 600)
	v.SetDefault("CACHE_REFRESH_SECONDS", 300)

	v.SetDefault("ENABLE_HEALTH_CHECK", true)
	v.SetDefault("HEALTH_CHECK_BATCH_SIZE", 20)
	v.SetDefault("HEALTH_CHECK_CONCURRENT_BATCHES", 3)
	v.SetDefault("HEALTH_CHECK_FAST_TIMEOUT", 1.0)
	v.SetDefault("HEALTH_CHECK_MEDIUM_TIMEOUT", 2.0)
	v.SetDefault("HEALTH_CHECK_DEEP_TIMEOUT", 5.0)
	v.SetDefault("HEALTH_CHECK_FAST_INTERVAL", 60)
	v.SetDefault("HEALTH_CHECK_MEDIUM_INTERVAL", 300)
	v.SetDefault("HEALTH_CHECK_DEEP_INTERVAL", 900)
	v.SetDefault("HEALTH_CHECK_FAILURE_THRESHOLD", 3)
	v.SetDefault("HEALTH_CHECK_MIN_AVAILABILITY_SCORE", 0.3)
	v.SetDefault("HEALTH_CHECK_PRIORITY_ROLES", "QSG,BG")

	v.SetDefault("BOOTSTRAP_STRATEGY", "adaptive")
	v.SetDefault("BOOTSTRAP_SELECTION_STRATEGY", "round_robin")
	v.SetDefault("BOOTSTRAP_HEALTH_CHECK_INTERVAL", 30)
	v.SetDefault("BOOTSTRAP_FAILURE_THRESHOLD", 3)
	v.SetDefault("BOOTSTRAP_CONNECTION_TIMEOUT", 5.0)
	v.SetDefault("BOOTSTRAP_SMALL_NODES", 2)
	v.SetDefault("BOOTSTRAP_MEDIUM_NODES", 3)
	v.SetDefault("BOOTSTRAP_LARGE_NODES", 4)
	v.SetDefault("BOOTSTRAP_XLARGE_NODES", 6)

	bobAddr := v.GetString("BOB_DHT_ADDRESS")
	if bobAddr == "" {
		bobAddr = v.GetString("BOB_ADDRESS")
	}

	s := &Settings{
		DHTPort:        v.GetInt("DHT_PORT"),
		BootstrapNodes: v.GetString("BOOTSTRAP_NODES"),
		NodeID:         v.GetString("NODE_ID"),
		DHTKSize:       v.GetInt("DHT_KSIZE"),

		RoleTimeout: time.Duration(v.GetInt("ROLE_TIMEOUT_SECONDS")) * time.Second,

		KeyLengthMultiplier:     v.GetFloat64("KEY_LENGTH_MULTIPLIER"),
		RequiredNodesMultiplier: v.GetInt("REQUIRED_NODES_MULTIPLIER"),
		KeyLengthBits:           v.GetInt("KEY_LENGTH_BITS"),
		SessionID:               v.GetString("SESSION_ID"),
		BobAddress:              bobAddr,

		EnableChannelEncryption: v.GetBool("ENABLE_CHANNEL_ENCRYPTION"),

		LogLevel:  v.GetString("LOG_LEVEL"),
		LogFormat: v.GetString("LOG_FORMAT"),

		EnableAdaptiveKademlia: v.GetBool("ENABLE_ADAPTIVE_KADEMLIA"),
		SmallThreshold:         v.GetInt("SMALL_NETWORK_THRESHOLD"),
		MediumThreshold:        v.GetInt("MEDIUM_NETWORK_THRESHOLD"),
		LargeThreshold:         v.GetInt("LARGE_NETWORK_THRESHOLD"),
		XLargeThreshold:        v.GetInt("XLARGE_NETWORK_THRESHOLD"),
		BaseAlpha:              v.GetInt("BASE_ALPHA"),
		BaseK:                  v.GetInt("BASE_K"),
		BaseQueryTimeout:       secondsf(v.GetFloat64("BASE_QUERY_TIMEOUT")),
		AlphaScalingFactor:     v.GetFloat64("ALPHA_SCALING_FACTOR"),
		KScalingFactor:         v.GetFloat64("K_SCALING_FACTOR"),
		MaxAlpha:               v.GetInt("MAX_ALPHA"),
		MaxK:                   v.GetInt("MAX_K"),
		MaxQueryTimeout:        secondsf(v.GetFloat64("MAX_QUERY_TIMEOUT")),
		MaxDiscoveryTimeout:    time.Duration(v.GetInt("MAX_DISCOVERY_TIMEOUT")) * time.Second,

		CacheMaxSize:         v.GetInt("CACHE_MAX_SIZE"),
		CacheTTL:             time.Duration(v.GetInt("CACHE_TTL_SECONDS")) * time.Second,
		CacheRefreshInterval: time.Duration(v.GetInt("CACHE_REFRESH_SECONDS")) * time.Second,

		EnableHealthCheck:          v.GetBool("ENABLE_HEALTH_CHECK"),
		HealthBatchSize:            v.GetInt("HEALTH_CHECK_BATCH_SIZE"),
		HealthConcurrentBatches:    v.GetInt("HEALTH_CHECK_CONCURRENT_BATCHES"),
		HealthFastTimeout:          secondsf(v.GetFloat64("HEALTH_CHECK_FAST_TIMEOUT")),
		HealthMediumTimeout:        secondsf(v.GetFloat64("HEALTH_CHECK_MEDIUM_TIMEOUT")),
		HealthDeepTimeout:          secondsf(v.GetFloat64("HEALTH_CHECK_DEEP_TIMEOUT")),
		HealthFastInterval:         time.Duration(v.GetInt("HEALTH_CHECK_FAST_INTERVAL")) * time.Second,
		HealthMediumInterval:       time.Duration(v.GetInt("HEALTH_CHECK_MEDIUM_INTERVAL")) * time.Second,
		HealthDeepInterval:         time.Duration(v.GetInt("HEALTH_CHECK_DEEP_INTERVAL")) * time.Second,
		HealthFailureThreshold:     v.GetInt("HEALTH_CHECK_FAILURE_THRESHOLD"),
		HealthMinAvailabilityScore: v.GetFloat64("HEALTH_CHECK_MIN_AVAILABILITY_SCORE"),
		HealthPriorityRoles:        splitCSV(v.GetString("HEALTH_CHECK_PRIORITY_ROLES")),

		BootstrapStrategy:          v.GetString("BOOTSTRAP_STRATEGY"),
		BootstrapSelectionStrategy: v.GetString("BOOTSTRAP_SELECTION_STRATEGY"),
		BootstrapHealthInterval:    time.Duration(v.GetInt("BOOTSTRAP_HEALTH_CHECK_INTERVAL")) * time.Second,
		BootstrapFailureThreshold:  v.GetInt("BOOTSTRAP_FAILURE_THRESHOLD"),
		BootstrapConnectionTimeout: secondsf(v.GetFloat64("BOOTSTRAP_CONNECTION_TIMEOUT")),
		BootstrapSmallNodes:        v.GetInt("BOOTSTRAP_SMALL_NODES"),
		BootstrapMediumNodes:       v.GetInt("BOOTSTRAP_MEDIUM_NODES"),
		BootstrapLargeNodes:        v.GetInt("BOOTSTRAP_LARGE_NODES"),
		BootstrapXLargeNodes:       v.GetInt("BOOTSTRAP_XLARGE_NODES"),
	}

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) validate() error {
	if s.DHTPort < 1 || s.DHTPort > 65535 {
		return fmt.Errorf("invalid DHT_PORT %d", s.DHTPort)
	}
	if s.KeyLengthMultiplier < 1.0 {
		return fmt.Errorf("KEY_LENGTH_MULTIPLIER must be >= 1.0, got %v", s.KeyLengthMultiplier)
	}
	if s.RequiredNodesMultiplier < 1 {
		return fmt.Errorf("REQUIRED_NODES_MULTIPLIER must be >= 1, got %d", s.RequiredNodesMultiplier)
	}
	if s.BaseAlpha < 1 || s.BaseK < 1 {
		return fmt.Errorf("BASE_ALPHA and BASE_K must be >= 1")
	}
	return nil
}

// BootstrapNodesList parses BOOTSTRAP_NODES ("host:port,host:port") into
// host/port pairs. Malformed entries are skipped with a warning.
func (s *Settings) BootstrapNodesList() []HostPort {
	var out []HostPort
	for _, entry := range strings.Split(s.BootstrapNodes, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(entry)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "BootstrapNodesList",
				"entry":    entry,
			}).Warn("Skipping malformed bootstrap node entry")
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			logrus.WithFields(logrus.Fields{
				"function": "BootstrapNodesList",
				"entry":    entry,
			}).Warn("Skipping bootstrap node with invalid port")
			continue
		}
		out = append(out, HostPort{Host: host, Port: port})
	}
	return out
}

// HostPort is a resolved bootstrap seed address.
type HostPort struct {
	Host string
	Port int
}

func (hp HostPort) String() string {
	return net.JoinHostPort(hp.Host, strconv.Itoa(hp.Port))
}

// ConfigureLogging applies LOG_LEVEL and LOG_FORMAT to the global logger.
func (s *Settings) ConfigureLogging() {
	level, err := logrus.ParseLevel(strings.ToLower(s.LogLevel))
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if strings.EqualFold(s.LogFormat, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func secondsf(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
