package config

import (
	"testing"

	"go.uber.org/zap"
	"go.viam.com/test"
)

func validConfig() Config {
	return Config{
		NumFeatures:                  200,
		NumFeaturesInit:              100,
		NumFeaturesTracking:          80,
		NumFeaturesBad:               30,
		NumFeaturesNeededForKeyframe: 30,
		WindowSize:                   10,
		NumThreads:                   4,
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		c := validConfig()
		test.That(t, c.Validate("core"), test.ShouldBeNil)
	})

	t.Run("zero num_features", func(t *testing.T) {
		c := validConfig()
		c.NumFeatures = 0
		test.That(t, c.Validate("core"), test.ShouldNotBeNil)
	})

	t.Run("zero num_features_init", func(t *testing.T) {
		c := validConfig()
		c.NumFeaturesInit = 0
		test.That(t, c.Validate("core"), test.ShouldNotBeNil)
	})

	t.Run("thresholds out of order", func(t *testing.T) {
		c := validConfig()
		c.NumFeaturesBad = 5
		c.NumFeaturesNeededForKeyframe = 50
		test.That(t, c.Validate("core"), test.ShouldNotBeNil)
	})

	t.Run("non-positive window size", func(t *testing.T) {
		c := validConfig()
		c.WindowSize = 0
		test.That(t, c.Validate("core"), test.ShouldNotBeNil)
	})

	t.Run("negative num_threads", func(t *testing.T) {
		c := validConfig()
		c.NumThreads = -1
		test.That(t, c.Validate("core"), test.ShouldNotBeNil)
	})
}

func TestGetOptionalParametersFillsDefaults(t *testing.T) {
	logger := zap.NewNop().Sugar()
	c := Config{}

	got := GetOptionalParameters(&c, logger)

	test.That(t, got.NumFeatures, test.ShouldEqual, DefaultNumFeatures)
	test.That(t, got.NumFeaturesInit, test.ShouldEqual, DefaultNumFeaturesInit)
	test.That(t, got.WindowSize, test.ShouldEqual, DefaultWindowSize)
	test.That(t, got.NumThreads, test.ShouldEqual, DefaultNumThreads)
}

func TestGetOptionalParametersPreservesSetFields(t *testing.T) {
	logger := zap.NewNop().Sugar()
	c := Config{NumFeatures: 500}

	got := GetOptionalParameters(&c, logger)

	test.That(t, got.NumFeatures, test.ShouldEqual, 500)
	test.That(t, got.NumThreads, test.ShouldEqual, DefaultNumThreads)
}

func TestUpdateWeightsEnabledDefaultsFalse(t *testing.T) {
	c := Config{}
	test.That(t, c.UpdateWeightsEnabled(), test.ShouldBeFalse)

	enabled := true
	c.UpdateWeights = &enabled
	test.That(t, c.UpdateWeightsEnabled(), test.ShouldBeTrue)
}
