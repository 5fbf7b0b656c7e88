// Package config implements attribute evaluation for the LVIO core: the
// enumerated tunables, validated and defaulted the way viam-cartographer's
// config.Config validates and defaults its own attributes.
package config

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Config describes how to configure a Core.
type Config struct {
	NumFeatures                  int     `json:"num_features"`
	NumFeaturesInit              int     `json:"num_features_init"`
	NumFeaturesTracking          int     `json:"num_features_tracking"`
	NumFeaturesBad               int     `json:"num_features_bad"`
	NumFeaturesNeededForKeyframe int     `json:"num_features_needed_for_keyframe"`
	WindowSize                   float64 `json:"window_size"`
	UpdateWeights                *bool   `json:"update_weights"`
	NumThreads                   int     `json:"num_threads"`
}

var (
	errNumFeaturesMustBePositive = errors.New("\"num_features\" must be positive")
	errThresholdsMustBeOrdered   = errors.New("\"num_features_tracking\" must be >= \"num_features_bad\" >= \"num_features_needed_for_keyframe\"")
)

// Validate checks the configuration is internally consistent. path is the
// config subtree path, reported in validation errors the way
// viam-cartographer's config.Validate reports them.
func (c *Config) Validate(path string) error {
	if c.NumFeatures <= 0 {
		return errors.Wrapf(errNumFeaturesMustBePositive, "%s.num_features", path)
	}
	if c.NumFeaturesInit <= 0 {
		return errors.Errorf("%s.num_features_init must be positive", path)
	}
	if c.NumFeaturesTracking < c.NumFeaturesBad || c.NumFeaturesBad < c.NumFeaturesNeededForKeyframe {
		return errors.Wrapf(errThresholdsMustBeOrdered, path)
	}
	if c.WindowSize <= 0 {
		return errors.Errorf("%s.window_size must be positive", path)
	}
	if c.NumThreads < 0 {
		return errors.Errorf("%s.num_threads cannot be negative", path)
	}
	return nil
}

// Default tunables, used by GetOptionalParameters when a field is unset.
const (
	DefaultNumFeatures                  = 200
	DefaultNumFeaturesInit              = 100
	DefaultNumFeaturesTracking          = 80
	DefaultNumFeaturesBad               = 30
	DefaultNumFeaturesNeededForKeyframe = 30
	DefaultWindowSize                   = 10.0 // seconds
	DefaultNumThreads                   = 4
)

// GetOptionalParameters fills in zero-valued optional fields with the
// package defaults, logging each substitution, and returns the effective
// configuration. This mirrors viam-cartographer's GetOptionalParameters
// idiom of defaulting-with-logging rather than silently defaulting.
func GetOptionalParameters(c *Config, logger *zap.SugaredLogger) Config {
	out := *c

	if out.NumFeatures == 0 {
		logger.Debugf("no num_features given, setting to default value of %d", DefaultNumFeatures)
		out.NumFeatures = DefaultNumFeatures
	}
	if out.NumFeaturesInit == 0 {
		logger.Debugf("no num_features_init given, setting to default value of %d", DefaultNumFeaturesInit)
		out.NumFeaturesInit = DefaultNumFeaturesInit
	}
	if out.NumFeaturesTracking == 0 {
		logger.Debugf("no num_features_tracking given, setting to default value of %d", DefaultNumFeaturesTracking)
		out.NumFeaturesTracking = DefaultNumFeaturesTracking
	}
	if out.NumFeaturesBad == 0 {
		logger.Debugf("no num_features_bad given, setting to default value of %d", DefaultNumFeaturesBad)
		out.NumFeaturesBad = DefaultNumFeaturesBad
	}
	if out.NumFeaturesNeededForKeyframe == 0 {
		logger.Debugf("no num_features_needed_for_keyframe given, setting to default value of %d", DefaultNumFeaturesNeededForKeyframe)
		out.NumFeaturesNeededForKeyframe = DefaultNumFeaturesNeededForKeyframe
	}
	if out.WindowSize == 0 {
		logger.Debugf("no window_size given, setting to default value of %.1f", DefaultWindowSize)
		out.WindowSize = DefaultWindowSize
	}
	if out.NumThreads == 0 {
		logger.Debugf("no num_threads given, setting to default value of %d", DefaultNumThreads)
		out.NumThreads = DefaultNumThreads
	}
	return out
}

// UpdateWeightsEnabled reports the effective update_weights value. The flag
// is plumbed through but always resolves to identity weighting in the
// absence of an adaptive-weight subsystem; callers should not branch on it
// expecting different residual weights yet, only on its presence for
// forward compatibility.
func (c *Config) UpdateWeightsEnabled() bool {
	return c.UpdateWeights != nil && *c.UpdateWeights
}
