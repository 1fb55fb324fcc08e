package oracle

// sortByScore orders ids in place so that scores is non-decreasing,
// keeping the two arrays paired. Equal scores may land in either relative
// order; ties only matter to assignment fairness through the score itself.
func sortByScore(ids []KeyHash, scores []uint64) error {
	if len(ids) != len(scores) {
		return ErrLengthMismatch
	}
	quickSortPaired(ids, scores, 0, len(ids)-1)
	return nil
}

func quickSortPaired(ids []KeyHash, scores []uint64, lo, hi int) {
	if lo >= hi {
		return
	}
	pivot := scores[(lo+hi)/2]
	i, j := lo, hi
	for i <= j {
		for scores[i] < pivot {
			i++
		}
		for scores[j] > pivot {
			j--
		}
		if i <= j {
			scores[i], scores[j] = scores[j], scores[i]
			ids[i], ids[j] = ids[j], ids[i]
			i++
			j--
		}
	}
	quickSortPaired(ids, scores, lo, j)
	quickSortPaired(ids, scores, i, hi)
}
