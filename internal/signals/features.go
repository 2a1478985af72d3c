package signals

import (
	"bytes"
	"math"
	"strconv"
)

// #region features
// Features builds the gate feature vector for one draft token.
func Features(m Metrics, draft string) Vector {
	return Vector{m.Margin, m.Max, m.Second, float64(len(draft))}
}

// #endregion features

// #region normalization
// ComputeNorm returns the population mean and standard deviation per dimension.
// An empty set yields zero vectors. A dimension with zero spread gets std 1 so
// normalization only centers it.
func ComputeNorm(X []Vector) (mean, std Vector) {
	if len(X) == 0 {
		return mean, std
	}
	n := float64(len(X))
	for _, row := range X {
		for i, v := range row {
			mean[i] += v
		}
	}
	for i := range mean {
		mean[i] /= n
	}
	var variance Vector
	for _, row := range X {
		for i, v := range row {
			d := v - mean[i]
			variance[i] += d * d
		}
	}
	for i := range std {
		std[i] = math.Sqrt(variance[i] / n)
		if std[i] == 0 {
			std[i] = 1
		}
	}
	return mean, std
}

// NormalizeVector applies (x - mean) / std. A non-positive std leaves the raw value.
func NormalizeVector(x, mean, std Vector) Vector {
	var out Vector
	for i := range x {
		if std[i] > 0 {
			out[i] = (x[i] - mean[i]) / std[i]
		} else {
			out[i] = x[i]
		}
	}
	return out
}

// Normalize applies NormalizeVector to every row.
func Normalize(X []Vector, mean, std Vector) []Vector {
	out := make([]Vector, len(X))
	for i, row := range X {
		out[i] = NormalizeVector(row, mean, std)
	}
	return out
}

// #endregion normalization

// #region side-channel
// ParseMetricsLine parses "NR|token|max|second|margin". Lines with fewer than
// five fields, any unparsable number, or any non-finite value are rejected.
func ParseMetricsLine(line []byte) (Metrics, bool) {
	text := bytes.TrimSpace(bytes.ToValidUTF8(line, []byte("\uFFFD")))
	if !bytes.HasPrefix(text, []byte(MetricsPrefix)) {
		return Metrics{}, false
	}
	parts := bytes.Split(text, []byte("|"))
	if len(parts) < 5 {
		return Metrics{}, false
	}
	var vals [4]float64
	for i := range vals {
		v, err := strconv.ParseFloat(string(bytes.TrimSpace(parts[i+1])), 64)
		if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
			return Metrics{}, false
		}
		vals[i] = v
	}
	return Metrics{Token: vals[0], Max: vals[1], Second: vals[2], Margin: vals[3]}, true
}

// #endregion side-channel
