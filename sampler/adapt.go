package sampler

import (
	"math"

	"openbt/communication"

	"github.com/rs/zerolog/log"
)

const targetAcceptance = 0.44

// Adapt rescales the perturb width and the gamma proposal width by the acceptance rate
// observed since the previous call over the target rate, then starts a new window.
func (s *Sampler) Adapt() {
	if rate := s.stats.Delta(communication.Perturb).Rate(); !math.IsNaN(rate) {
		s.pertWidth = clamp(s.pertWidth*rate/targetAcceptance, 0.01, 1)
	}
	if s.randomPath {
		if rate := s.stats.Delta(communication.Gamma).Rate(); !math.IsNaN(rate) {
			s.gammaWidth = clamp(s.gammaWidth*rate/targetAcceptance, 0.001, 0.5)
		}
	}
	if s.invalidCount > 0 {
		s.log.Warn().Int("sweep", s.sweep).Msgf("%d proposals were invalid since the last adaptation", s.invalidCount)
		s.invalidCount = 0
	}
	s.stats.Mark()
	log.Info().Msgf("adapted after sweep %d: perturb width %.4f, gamma width %.4f", s.sweep, s.pertWidth, s.gammaWidth)
}

func (s *Sampler) GammaWidth() float64 {
	return s.gammaWidth
}

func clamp(x, lo, hi float64) float64 {
	return math.Min(math.Max(x, lo), hi)
}
