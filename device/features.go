package device

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gogpu/gputypes"
)

// ErrUnknownFeature is returned for a feature name ParseFeatures does not know.
var ErrUnknownFeature = errors.New("device: unknown feature")

// allFeatures lists every HAL feature bit, lowest first.
var allFeatures = func() []gputypes.Feature {
	var out []gputypes.Feature
	for f := gputypes.FeatureDepthClipControl; f <= gputypes.FeatureSubgroupBarrier; f <<= 1 {
		out = append(out, f)
	}
	return out
}()

// ParseFeatures converts feature names to a feature set. Names match
// gputypes.Feature.String case-insensitively, and dashes or underscores are
// ignored, so "timestamp-query", "TIMESTAMP_QUERY" and "TimestampQuery" are
// the same feature.
func ParseFeatures(names []string) (gputypes.Features, error) {
	var set gputypes.Features
	for _, name := range names {
		f, ok := lookupFeature(name)
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrUnknownFeature, name)
		}
		set.Insert(f)
	}
	return set, nil
}

// FeatureNames returns the names of the features in set, lowest bit first.
func FeatureNames(set gputypes.Features) []string {
	var names []string
	for _, f := range allFeatures {
		if set.Contains(f) {
			names = append(names, f.String())
		}
	}
	return names
}

func lookupFeature(name string) (gputypes.Feature, bool) {
	key := normalizeFeature(name)
	for _, f := range allFeatures {
		if normalizeFeature(f.String()) == key {
			return f, true
		}
	}
	return 0, false
}

func normalizeFeature(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("-", "", "_", "").Replace(s)
}
