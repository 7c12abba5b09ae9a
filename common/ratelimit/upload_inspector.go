package ratelimit

import (
	"strings"
)

// UploadTier represents the rate limit tier based on how expensive an
// upload is to process
type UploadTier string

const (
	TierLight    UploadTier = "light"    // Images and audio under 50MB
	TierStandard UploadTier = "standard" // Video, or anything 50MB-500MB
	TierHeavy    UploadTier = "heavy"    // Anything over 500MB
)

const (
	standardThreshold = 50 << 20
	heavyThreshold    = 500 << 20
)

// UploadProfile contains the analysis of one upload
type UploadProfile struct {
	Tier      UploadTier // Determined tier
	IsVideo   bool       // Whether the declared type is video
	SizeBytes int64      // Declared size, 0 when unknown
}

// InspectUpload determines an upload's tier from its declared mime type
// and size. Both come from the client, so this is an admission estimate,
// not a classification.
func InspectUpload(declaredMime string, size int64) UploadProfile {
	profile := UploadProfile{
		IsVideo:   strings.HasPrefix(strings.ToLower(declaredMime), "video/"),
		SizeBytes: size,
	}
	profile.Tier = determineTier(profile.IsVideo, size)
	return profile
}

// determineTier returns the appropriate tier for a size and kind
func determineTier(isVideo bool, size int64) UploadTier {
	switch {
	case size > heavyThreshold:
		return TierHeavy
	case isVideo || size > standardThreshold:
		return TierStandard
	default:
		return TierLight
	}
}
