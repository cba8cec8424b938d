package auction

import "sort"

// Bid is one node's normalized offer inside an auction. Incoming
// job_bid messages and claim-derived synthetic bids both land here.
type Bid struct {
	JobID         string  `json:"job_id"`
	NodeID        string  `json:"node_id"`
	Score         float64 `json:"score"`
	StakeAmount   float64 `json:"stake_amount"`
	EstimatedTime float64 `json:"estimated_time"`
	Timestamp     float64 `json:"timestamp"`
	// Synthetic marks bids reconstructed from an observed job_claim
	// rather than received as a job_bid.
	Synthetic bool `json:"synthetic,omitempty"`
}

// bidSet accumulates bids for one auction, deduplicated by node id.
type bidSet map[string]*Bid

// add keeps at most one bid per node, preferring the higher score. The
// scores are exact: they were rounded to four decimals by the sender
// and travel as-is, so byte-equal inputs compare equal everywhere.
func (s bidSet) add(b *Bid) {
	cur, ok := s[b.NodeID]
	if !ok || b.Score > cur.Score {
		s[b.NodeID] = b
	}
}

func (s bidSet) list() []*Bid {
	out := make([]*Bid, 0, len(s))
	for _, b := range s {
		out = append(out, b)
	}
	return out
}

// determineWinner picks the auction winner from a bid set. Every node
// runs this over the same union of bids and must reach the same answer:
// highest score first, ties broken by the lexicographically smallest
// node id. Returns nil when no bids were placed.
func determineWinner(bids []*Bid) *Bid {
	if len(bids) == 0 {
		return nil
	}
	sorted := make([]*Bid, len(bids))
	copy(sorted, bids)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].NodeID < sorted[j].NodeID
	})
	return sorted[0]
}
