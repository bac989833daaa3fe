package main

// Consensus evaluation is a pure function of two snapshots: the active
// participant set and the vote ledger. Every caller recomputes from
// scratch rather than maintaining incremental state, so concurrent
// evaluations always converge on the same answer; exactly-once match
// creation is enforced separately by the store's uniqueness constraint.

// likedBy returns the set of participant IDs from active that have at
// least one 'like' vote for the restaurant. The ledger may hold repeat
// votes for the same pair; a participant is counted at most once.
func likedBy(active []Participant, votes []Vote, restaurantID string) map[string]bool {
	activeIDs := make(map[string]bool, len(active))
	for _, p := range active {
		activeIDs[p.ID] = true
	}

	liked := make(map[string]bool)
	for _, v := range votes {
		if v.RestaurantID != restaurantID || v.VoteType != VoteLike {
			continue
		}
		if activeIDs[v.ParticipantID] {
			liked[v.ParticipantID] = true
		}
	}
	return liked
}

// consensusReached reports whether every active participant has liked
// the restaurant. A solo room never reaches consensus: with nobody to
// agree with, a single participant's like is not a match.
func consensusReached(active []Participant, votes []Vote, restaurantID string) bool {
	if len(active) < 2 {
		return false
	}
	return len(likedBy(active, votes, restaurantID)) == len(active)
}

// likedRestaurants returns, in first-liked order, every restaurant with
// at least one like in the ledger, keyed by the denormalized display
// data from its earliest like vote. Used when the active set changes and
// all prior likes need re-evaluation.
func likedRestaurants(votes []Vote) []Restaurant {
	seen := make(map[string]bool)
	var out []Restaurant
	for _, v := range votes {
		if v.VoteType != VoteLike || seen[v.RestaurantID] {
			continue
		}
		seen[v.RestaurantID] = true
		out = append(out, Restaurant{
			ID:     v.RestaurantID,
			Name:   v.RestaurantName,
			Image:  v.RestaurantImage,
			Rating: v.RestaurantRating,
		})
	}
	return out
}
