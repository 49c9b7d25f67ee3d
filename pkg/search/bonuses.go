package search

import (
	"strings"

	"github.com/tribridrag/tribrid/pkg/config"
)

// applyBonuses adjusts fused scores in place and re-sorts. Bonuses are
// configured as additive percentages and converted to multiplicative
// factors (factor = 1 + bonus), so a -0.25 vendor penalty multiplies by
// 0.75. Filename boosts recorded by the sparse leg always carry through;
// the layer matrix, path boosts, and vendor penalties only apply when
// layer bonuses are enabled.
func applyBonuses(matches []ChunkMatch, plan *Plan) {
	scoring := plan.Settings.Scoring
	for i := range matches {
		m := &matches[i]
		factor := 1.0

		if b, ok := m.Metadata["filename_boost"].(float64); ok && b > 1 {
			factor *= b
		}

		if scoring.LayerBonusesEnabled && m.FilePath != "" {
			if plan.Intent != "" {
				if layer := layerFor(m.FilePath, scoring.PathLayers); layer != "" {
					if bonus, ok := scoring.LayerMatrix[plan.Intent][layer]; ok {
						factor *= 1 + bonus
					}
				}
			}
			for _, pb := range scoring.PathBoosts {
				if strings.HasPrefix(m.FilePath, pb.Prefix) {
					factor *= 1 + pb.Bonus
				}
			}
			if isVendorPath(m.FilePath, scoring.VendorPrefixes) {
				factor *= 1 + scoring.VendorPenalty
			}
		}

		if factor != 1.0 {
			m.Score *= factor
			m.setMeta("bonus_factor", factor)
		}
	}
	sortMatches(matches)
}

// layerFor maps a file path to its architectural layer; first matching
// prefix rule wins.
func layerFor(filePath string, rules []config.PathLayerRule) string {
	for _, r := range rules {
		if strings.HasPrefix(filePath, r.Prefix) {
			return r.Layer
		}
	}
	return ""
}

func isVendorPath(filePath string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(filePath, p) || strings.Contains(filePath, "/"+p) {
			return true
		}
	}
	return false
}
