package operator

import "github.com/flowforge/taskproc/internal/value"

// eachCombinations enumerates the cross product of the expanded
// each-parameter element lists, calling fn once per combination with one
// element chosen from every list. The last list varies fastest, so
// combinations appear in the order their elements arrived. No lists at
// all yields a single empty combination; any empty list yields none.
func eachCombinations(lists [][]value.Value, fn func(choice []value.Value)) {
	if len(lists) == 0 {
		fn(nil)
		return
	}
	for _, l := range lists {
		if len(l) == 0 {
			return
		}
	}

	idx := make([]int, len(lists))
	for {
		choice := make([]value.Value, len(lists))
		for i, l := range lists {
			choice[i] = l[idx[i]]
		}
		fn(choice)

		k := len(idx) - 1
		for ; k >= 0; k-- {
			idx[k]++
			if idx[k] < len(lists[k]) {
				break
			}
			idx[k] = 0
		}
		if k < 0 {
			return
		}
	}
}
