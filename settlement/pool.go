package settlement

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"lukechampine.com/blake3"

	"github.com/lightning-goats/cl-hive-sub002/store"
)

// Pool weighting coefficients (spec §4.8): routing volume dominates, then
// capacity, then uptime.
const (
	WeightCapacity = 0.30
	WeightVolume   = 0.60
	WeightUptime   = 0.10
)

// Computer derives the canonical pool for a period from persisted fee
// reports and the active member roster.
type Computer struct {
	Store *store.Store
}

// Pool is the canonical, bit-reproducible outcome of a period's settlement
// math: every honest node recomputing from the same inputs must reach the
// same Shares and DataHash (spec's settlement-determinism invariant).
type Pool struct {
	PeriodID  string
	TotalMsat uint64
	Shares    map[string]uint64
	DataHash  string
}

// Compute builds the canonical pool for periodID over activeMembers,
// falling back to zero contribution for any member with no FEE_REPORT on
// file for the period.
func (c *Computer) Compute(ctx context.Context, periodID string, activeMembers []string) (*Pool, error) {
	var reports []store.FeeReport
	err := c.Store.Tx(ctx, func(tx *store.Tx) error {
		var err error
		reports, err = tx.FeeReportsForPeriod(periodID)
		return err
	})
	if err != nil {
		return nil, err
	}

	byReporter := make(map[string]store.FeeReport, len(reports))
	for _, r := range reports {
		byReporter[r.Reporter] = r
	}

	members := make([]string, len(activeMembers))
	copy(members, activeMembers)
	sort.Strings(members)

	var totalCapacity, totalVolume, totalUptime, totalFees float64
	for _, m := range members {
		r := byReporter[m]
		totalCapacity += float64(r.CapacityMsat)
		totalVolume += float64(r.RoutingVolume)
		totalUptime += float64(r.UptimeSeconds)
		totalFees += float64(r.AmountMsat)
	}

	weights := make(map[string]float64, len(members))
	var weightSum float64
	for _, m := range members {
		r := byReporter[m]
		w := WeightCapacity*safeShare(float64(r.CapacityMsat), totalCapacity) +
			WeightVolume*safeShare(float64(r.RoutingVolume), totalVolume) +
			WeightUptime*safeShare(float64(r.UptimeSeconds), totalUptime)
		weights[m] = w
		weightSum += w
	}

	poolTotal := uint64(totalFees)
	shares := make(map[string]uint64, len(members))
	var allocated uint64
	type remainder struct {
		nodeID string
		frac   float64
	}
	var remainders []remainder
	for _, m := range members {
		normalized := 0.0
		if weightSum > 0 {
			normalized = weights[m] / weightSum
		}
		exact := normalized * float64(poolTotal)
		whole := uint64(exact)
		shares[m] = whole
		allocated += whole
		remainders = append(remainders, remainder{nodeID: m, frac: exact - float64(whole)})
	}

	// Distribute the rounding remainder to the lowest node_ids first, for a
	// deterministic, restart-stable allocation every honest node reproduces
	// identically.
	sort.Slice(remainders, func(i, j int) bool {
		return remainders[i].nodeID < remainders[j].nodeID
	})
	leftover := poolTotal - allocated
	for i := uint64(0); i < leftover && int(i) < len(remainders); i++ {
		shares[remainders[i].nodeID]++
	}

	hash, err := canonicalDataHash(periodID, poolTotal, shares)
	if err != nil {
		return nil, err
	}

	return &Pool{PeriodID: periodID, TotalMsat: poolTotal, Shares: shares, DataHash: hash}, nil
}

func safeShare(part, total float64) float64 {
	if total == 0 {
		return 0
	}
	return part / total
}

// canonicalDataHash hashes the period, total, and every (node_id, share)
// pair in sorted node_id order so the digest is independent of map
// iteration order and identical across every honest recomputation.
func canonicalDataHash(periodID string, total uint64, shares map[string]uint64) (string, error) {
	nodeIDs := make([]string, 0, len(shares))
	for id := range shares {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	type entry struct {
		NodeID string `json:"node_id"`
		Amount uint64 `json:"amount_msat"`
	}
	canonical := struct {
		PeriodID string  `json:"period_id"`
		Total    uint64  `json:"total_msat"`
		Shares   []entry `json:"shares"`
	}{PeriodID: periodID, Total: total}
	for _, id := range nodeIDs {
		canonical.Shares = append(canonical.Shares, entry{NodeID: id, Amount: shares[id]})
	}

	blob, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("settlement: marshal canonical pool: %w", err)
	}
	sum := blake3.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}
