// Package evaluation measures retrieval quality of the scorer against judged queries.
package evaluation

import (
	"math"
	"sort"
)

// QueryResult holds the ranked chunk IDs returned for one query and which of
// the session's chunks were judged relevant.
type QueryResult struct {
	QueryID   string   `json:"query_id"`
	Query     string   `json:"query"`
	Category  string   `json:"category,omitempty"`
	Retrieved []string `json:"retrieved"`
	Relevant  []string `json:"relevant"`
	LatencyMs int64    `json:"latency_ms"`
}

// Metrics are averaged over queries at a cutoff K.
type Metrics struct {
	K         int     `json:"k"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	HitRate   float64 `json:"hit_rate"`
	MRR       float64 `json:"mrr"`
	NDCG      float64 `json:"ndcg"`
	MAP       float64 `json:"map"`

	MeanLatencyMs float64 `json:"mean_latency_ms"`
	P95LatencyMs  float64 `json:"p95_latency_ms"`

	Queries int `json:"queries"`
	Hits    int `json:"queries_with_hits"`
}

// Calculate computes metrics at cutoff k.
func Calculate(results []QueryResult, k int) Metrics {
	m := Metrics{K: k, Queries: len(results)}
	if len(results) == 0 || k <= 0 {
		return m
	}

	latencies := make([]float64, 0, len(results))
	for _, qr := range results {
		relevant := make(map[string]bool, len(qr.Relevant))
		for _, id := range qr.Relevant {
			relevant[id] = true
		}
		top := qr.Retrieved
		if len(top) > k {
			top = top[:k]
		}

		found := 0
		for _, id := range top {
			if relevant[id] {
				found++
			}
		}
		if found > 0 {
			m.Hits++
			m.HitRate++
		}
		m.Precision += float64(found) / float64(k)
		if len(relevant) > 0 {
			m.Recall += float64(found) / float64(len(relevant))
		}

		m.MRR += reciprocalRank(top, relevant)
		m.NDCG += ndcg(top, len(relevant), relevant)
		m.MAP += averagePrecision(top, relevant)
		latencies = append(latencies, float64(qr.LatencyMs))
	}

	n := float64(len(results))
	m.Precision /= n
	m.Recall /= n
	m.HitRate /= n
	m.MRR /= n
	m.NDCG /= n
	m.MAP /= n
	m.MeanLatencyMs = mean(latencies)
	m.P95LatencyMs = percentile(latencies, 95)
	return m
}

func reciprocalRank(ranked []string, relevant map[string]bool) float64 {
	for i, id := range ranked {
		if relevant[id] {
			return 1 / float64(i+1)
		}
	}
	return 0
}

// ndcg uses binary gains.
func ndcg(ranked []string, numRelevant int, relevant map[string]bool) float64 {
	var dcg, ideal float64
	for i, id := range ranked {
		if relevant[id] {
			dcg += 1 / math.Log2(float64(i+2))
		}
	}
	for i := 0; i < min(numRelevant, len(ranked)); i++ {
		ideal += 1 / math.Log2(float64(i+2))
	}
	if ideal == 0 {
		return 0
	}
	return dcg / ideal
}

func averagePrecision(ranked []string, relevant map[string]bool) float64 {
	if len(relevant) == 0 {
		return 0
	}
	var sum float64
	hits := 0
	for i, id := range ranked {
		if relevant[id] {
			hits++
			sum += float64(hits) / float64(i+1)
		}
	}
	return sum / float64(min(len(relevant), len(ranked)))
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// percentile interpolates linearly between the closest ranks.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	index := p / 100 * float64(len(sorted)-1)
	lower, upper := int(math.Floor(index)), int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	w := index - float64(lower)
	return sorted[lower]*(1-w) + sorted[upper]*w
}
