package vision

import (
	"sort"

	"detectserver/internal/model"
)

// IoU returns the intersection over union of two boxes, 0 when the union is
// empty.
func IoU(a, b model.Box) float32 {
	ix := min(a.XMax, b.XMax) - max(a.XMin, b.XMin)
	iy := min(a.YMax, b.YMax) - max(a.YMin, b.YMin)
	if ix <= 0 || iy <= 0 {
		return 0
	}
	inter := ix * iy
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// NMS runs greedy non-maximum suppression independently per class.
//
// Within a class, candidates are stably sorted by descending confidence, so
// equal scores keep their input order. A box survives iff its IoU with every
// box already kept is strictly below iouThreshold. Class groups are
// concatenated in order of the first appearance of each class in dets.
func NMS(dets []model.Detection, iouThreshold float32) []model.Detection {
	if len(dets) == 0 {
		return []model.Detection{}
	}

	var order []int
	groups := make(map[int][]model.Detection)
	for _, d := range dets {
		if _, seen := groups[d.ClassID]; !seen {
			order = append(order, d.ClassID)
		}
		groups[d.ClassID] = append(groups[d.ClassID], d)
	}

	out := make([]model.Detection, 0, len(dets))
	for _, class := range order {
		out = append(out, suppress(groups[class], iouThreshold)...)
	}
	return out
}

func suppress(group []model.Detection, iouThreshold float32) []model.Detection {
	sort.SliceStable(group, func(i, j int) bool {
		return group[i].Confidence > group[j].Confidence
	})

	kept := make([]model.Detection, 0, len(group))
	for _, cand := range group {
		keep := true
		for _, k := range kept {
			if IoU(cand.Box, k.Box) >= iouThreshold {
				keep = false
				break
			}
		}
		if keep {
			kept = append(kept, cand)
		}
	}
	return kept
}
