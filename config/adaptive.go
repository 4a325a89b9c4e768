package config

import (
	"time"

	"github.com/sirupsen/logrus"
)

// NetworkCategory classifies the network by node count.
type NetworkCategory string

const (
	NetworkSmall  NetworkCategory = "small"
	NetworkMedium NetworkCategory = "medium"
	NetworkLarge  NetworkCategory = "large"
	NetworkXLarge NetworkCategory = "xlarge"
)

// KademliaParams are the lookup parameters chosen for a given network size.
type KademliaParams struct {
	Alpha            int
	K                int
	QueryTimeout     time.Duration
	DiscoveryTimeout time.Duration
	NetworkSize      int
	Category         NetworkCategory
	AdaptiveEnabled  bool
}

// HealthParams are the health-check parameters chosen for a given network size.
type HealthParams struct {
	Enabled           bool
	NetworkSize       int
	Category          NetworkCategory
	FastTimeout       time.Duration
	MediumTimeout     time.Duration
	DeepTimeout       time.Duration
	FastInterval      time.Duration
	MediumInterval    time.Duration
	DeepInterval      time.Duration
	BatchSize         int
	ConcurrentBatches int
	FailureThreshold  int
	MinScore          float64
	PriorityRoles     []string
}

// NetworkCategoryFor buckets a node count against the configured thresholds.
func (s *Settings) NetworkCategoryFor(networkSize int) NetworkCategory {
	switch {
	case networkSize <= s.SmallThreshold:
		return NetworkSmall
	case networkSize <= s.MediumThreshold:
		return NetworkMedium
	case networkSize <= s.LargeThreshold:
		return NetworkLarge
	default:
		return NetworkXLarge
	}
}

// AdaptiveKademliaParams computes lookup parameters scaled to the network
// size. With adaptivity disabled every value pins to its configured base.
func (s *Settings) AdaptiveKademliaParams(networkSize int) KademliaParams {
	if !s.EnableAdaptiveKademlia {
		return KademliaParams{
			Alpha:            s.BaseAlpha,
			K:                s.BaseK,
			QueryTimeout:     s.BaseQueryTimeout,
			DiscoveryTimeout: s.MaxDiscoveryTimeout,
			NetworkSize:      networkSize,
			Category:         s.NetworkCategoryFor(networkSize),
			AdaptiveEnabled:  false,
		}
	}

	p := KademliaParams{
		NetworkSize:     networkSize,
		Category:        s.NetworkCategoryFor(networkSize),
		AdaptiveEnabled: true,
	}

	switch p.Category {
	case NetworkSmall:
		p.Alpha = s.BaseAlpha
		p.K = s.BaseK
		p.QueryTimeout = s.BaseQueryTimeout
		p.DiscoveryTimeout = 60 * time.Second
	case NetworkMedium:
		p.Alpha = minInt(s.MaxAlpha, scaleInt(s.BaseAlpha, s.AlphaScalingFactor))
		p.K = minInt(s.MaxK, scaleInt(s.BaseK, s.KScalingFactor))
		p.QueryTimeout = minDuration(s.MaxQueryTimeout, scaleDuration(s.BaseQueryTimeout, 1.6))
		p.DiscoveryTimeout = 90 * time.Second
	case NetworkLarge:
		p.Alpha = minInt(s.MaxAlpha, scaleInt(s.BaseAlpha, s.AlphaScalingFactor*2))
		p.K = minInt(s.MaxK, scaleInt(s.BaseK, s.KScalingFactor*1.5))
		p.QueryTimeout = minDuration(s.MaxQueryTimeout, scaleDuration(s.BaseQueryTimeout, 2.4))
		p.DiscoveryTimeout = 120 * time.Second
	default:
		p.Alpha = s.MaxAlpha
		p.K = s.MaxK
		p.QueryTimeout = s.MaxQueryTimeout
		p.DiscoveryTimeout = s.MaxDiscoveryTimeout
	}

	logrus.WithFields(logrus.Fields{
		"function":     "AdaptiveKademliaParams",
		"network_size": networkSize,
		"category":     p.Category,
		"alpha":        p.Alpha,
		"k":            p.K,
	}).Debug("Computed adaptive Kademlia parameters")

	return p
}

// AdaptiveHealthParams computes health-check batching and intervals scaled
// to the network size.
func (s *Settings) AdaptiveHealthParams(networkSize int) HealthParams {
	p := HealthParams{
		Enabled:          s.EnableHealthCheck,
		NetworkSize:      networkSize,
		Category:         s.NetworkCategoryFor(networkSize),
		FastTimeout:      s.HealthFastTimeout,
		MediumTimeout:    s.HealthMediumTimeout,
		DeepTimeout:      s.HealthDeepTimeout,
		FailureThreshold: s.HealthFailureThreshold,
		MinScore:         s.HealthMinAvailabilityScore,
		PriorityRoles:    s.HealthPriorityRoles,
	}
	if !p.Enabled {
		p.BatchSize = s.HealthBatchSize
		p.ConcurrentBatches = s.HealthConcurrentBatches
		p.FastInterval = s.HealthFastInterval
		p.MediumInterval = s.HealthMediumInterval
		p.DeepInterval = s.HealthDeepInterval
		return p
	}

	switch p.Category {
	case NetworkSmall:
		p.BatchSize = minInt(s.HealthBatchSize, maxInt(networkSize, 1))
		p.ConcurrentBatches = 1
		p.FastInterval = s.HealthFastInterval
		p.MediumInterval = s.HealthMediumInterval
		p.DeepInterval = s.HealthDeepInterval
	case NetworkMedium:
		p.BatchSize = s.HealthBatchSize
		p.ConcurrentBatches = 2
		p.FastInterval = scaleDuration(s.HealthFastInterval, 1.5)
		p.MediumInterval = scaleDuration(s.HealthMediumInterval, 1.2)
		p.DeepInterval = s.HealthDeepInterval
	case NetworkLarge:
		p.BatchSize = scaleInt(s.HealthBatchSize, 1.5)
		p.ConcurrentBatches = s.HealthConcurrentBatches
		p.FastInterval = scaleDuration(s.HealthFastInterval, 2)
		p.MediumInterval = scaleDuration(s.HealthMediumInterval, 1.5)
		p.DeepInterval = scaleDuration(s.HealthDeepInterval, 1.2)
	default:
		p.BatchSize = scaleInt(s.HealthBatchSize, 2)
		p.ConcurrentBatches = s.HealthConcurrentBatches
		p.FastInterval = scaleDuration(s.HealthFastInterval, 3)
		p.MediumInterval = scaleDuration(s.HealthMediumInterval, 2)
		p.DeepInterval = scaleDuration(s.HealthDeepInterval, 1.5)
	}
	return p
}

// BootstrapScale describes the seed-pool sizing for a given worker count.
type BootstrapScale struct {
	Scale              NetworkCategory
	WorkerCount        int
	MaxBootstrapNodes  int
	WorkerPerBootstrap float64
	RatioStatus        string
}

// BootstrapScaleFor sizes the bootstrap seed pool from the worker count.
// The ratio status flags deployments where too many workers share one seed.
func (s *Settings) BootstrapScaleFor(workerCount int) BootstrapScale {
	var scale NetworkCategory
	var maxNodes int
	switch {
	case workerCount <= s.SmallThreshold:
		scale, maxNodes = NetworkSmall, s.BootstrapSmallNodes
	case workerCount <= s.MediumThreshold:
		scale, maxNodes = NetworkMedium, s.BootstrapMediumNodes
	case workerCount <= 200:
		scale, maxNodes = NetworkLarge, s.BootstrapLargeNodes
	default:
		scale, maxNodes = NetworkXLarge, s.BootstrapXLargeNodes
	}

	ratio := float64(workerCount)
	if maxNodes > 0 {
		ratio = float64(workerCount) / float64(maxNodes)
	}
	status := "OK"
	if ratio > 50 {
		status = "CRITICAL"
	} else if ratio > 25 {
		status = "WARNING"
	}

	return BootstrapScale{
		Scale:              scale,
		WorkerCount:        workerCount,
		MaxBootstrapNodes:  maxNodes,
		WorkerPerBootstrap: ratio,
		RatioStatus:        status,
	}
}

// MaxBootstrapNodesForStrategy resolves the BOOTSTRAP_STRATEGY value to a
// seed-pool cap; "adaptive" means no fixed cap.
func (s *Settings) MaxBootstrapNodesForStrategy() int {
	switch s.BootstrapStrategy {
	case "small":
		return s.BootstrapSmallNodes
	case "medium":
		return s.BootstrapMediumNodes
	case "large":
		return s.BootstrapLargeNodes
	case "xlarge":
		return s.BootstrapXLargeNodes
	default:
		return 0
	}
}

// scaleInt truncates the scaled value toward zero. The small epsilon keeps
// float dirt (100*1.15 = 114.99999999999999) from dropping an exact product
// to the previous integer.
func scaleInt(base int, factor float64) int {
	return int(float64(base)*factor + 1e-9)
}

func scaleDuration(base time.Duration, factor float64) time.Duration {
	return time.Duration(float64(base) * factor)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
