package services

import (
	"fmt"

	"camrelay/internal/core/domain"
)

// QualityService maps quality tiers to fixed encoder settings. Quality is
// chosen per source when its relay starts, never per viewer.
type QualityService struct {
	profiles    map[domain.QualityTier]domain.QualityProfile
	defaultTier domain.QualityTier
}

func NewQualityService(defaultTier domain.QualityTier) *QualityService {
	qs := &QualityService{
		profiles: map[domain.QualityTier]domain.QualityProfile{
			domain.QualityLow: {
				Tier:    domain.QualityLow,
				Width:   640,
				Height:  480,
				FPS:     15,
				CRF:     28,
				Bitrate: 500,
				BufSize: 1000,
			},
			domain.QualityMedium: {
				Tier:    domain.QualityMedium,
				Width:   1280,
				Height:  720,
				FPS:     25,
				CRF:     23,
				Bitrate: 1500,
				BufSize: 3000,
			},
			domain.QualityHigh: {
				Tier:    domain.QualityHigh,
				Width:   1920,
				Height:  1080,
				FPS:     30,
				CRF:     20,
				Bitrate: 3000,
				BufSize: 6000,
			},
		},
		defaultTier: domain.QualityMedium,
	}
	if _, ok := qs.profiles[defaultTier]; ok {
		qs.defaultTier = defaultTier
	}
	return qs
}

func (qs *QualityService) Profile(tier domain.QualityTier) (domain.QualityProfile, error) {
	p, ok := qs.profiles[tier]
	if !ok {
		return domain.QualityProfile{}, fmt.Errorf("%w: unknown quality tier %q", domain.ErrValidation, tier)
	}
	return p, nil
}

// ProfileFor returns the profile configured for the source, falling back to
// the default tier when the source does not name one.
func (qs *QualityService) ProfileFor(source *domain.Source) domain.QualityProfile {
	if p, ok := qs.profiles[source.Quality]; ok {
		return p
	}
	return qs.profiles[qs.defaultTier]
}

func (qs *QualityService) DefaultTier() domain.QualityTier {
	return qs.defaultTier
}
