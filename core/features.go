// Copyright 2025 The binrunner Authors
// This file is part of the binrunner library.
//
// The binrunner library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The binrunner library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the binrunner library. If not, see <http://www.gnu.org/licenses/>.

package core

// FeatureCount is the width of the model input vector.
const FeatureCount = 12

// FeatureNames lists the model features in canonical order. The
// predictor service was trained against exactly this ordering, so
// FeatureVector.Array must never be reordered without retraining.
var FeatureNames = [FeatureCount]string{
	"volume_30m",
	"volume_1h",
	"volume_2h",
	"volume_4h",
	"volume_24h",
	"fees_30m",
	"fees_1h",
	"fees_24h",
	"fee_efficiency_1h",
	"liquidity",
	"apr",
	"volume_to_liquidity",
}

// FeatureVector is one pool snapshot in model input form.
type FeatureVector struct {
	Volume30m         float64 `json:"volume_30m"`
	Volume1h          float64 `json:"volume_1h"`
	Volume2h          float64 `json:"volume_2h"`
	Volume4h          float64 `json:"volume_4h"`
	Volume24h         float64 `json:"volume_24h"`
	Fees30m           float64 `json:"fees_30m"`
	Fees1h            float64 `json:"fees_1h"`
	Fees24h           float64 `json:"fees_24h"`
	FeeEfficiency1h   float64 `json:"fee_efficiency_1h"`
	Liquidity         float64 `json:"liquidity"`
	APR               float64 `json:"apr"`
	VolumeToLiquidity float64 `json:"volume_to_liquidity"`
}

// ExtractFeatures builds the model input for one pool. The derived
// ratios divide by max(liquidity, 1) so near-empty pools stay finite;
// the trained model expects exactly this clamping.
func ExtractFeatures(p *Pool) FeatureVector {
	liq := p.LiquidityUSD
	if liq < 1 {
		liq = 1
	}
	return FeatureVector{
		Volume30m:         p.Volume30m,
		Volume1h:          p.Volume1h,
		Volume2h:          p.Volume2h,
		Volume4h:          p.Volume4h,
		Volume24h:         p.Volume24h,
		Fees30m:           p.Fees30m,
		Fees1h:            p.Fees1h,
		Fees24h:           p.Fees24h,
		FeeEfficiency1h:   p.Fees1h / liq,
		Liquidity:         p.LiquidityUSD,
		APR:               p.APR,
		VolumeToLiquidity: p.Volume1h / liq,
	}
}

// Array returns the features in canonical order, ready for the
// predictor request body.
func (f FeatureVector) Array() []float64 {
	return []float64{
		f.Volume30m,
		f.Volume1h,
		f.Volume2h,
		f.Volume4h,
		f.Volume24h,
		f.Fees30m,
		f.Fees1h,
		f.Fees24h,
		f.FeeEfficiency1h,
		f.Liquidity,
		f.APR,
		f.VolumeToLiquidity,
	}
}
