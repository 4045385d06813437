package vision

import (
	"fmt"
	"sort"

	"detectserver/internal/apperr"
	"detectserver/internal/model"
	"detectserver/internal/tensor"
)

// Options tune one decode call.
type Options struct {
	ConfThreshold float32 `json:"conf"`
	IoUThreshold  float32 `json:"iou"`
	// GlobalRank sorts the final list by confidence instead of keeping the
	// per-class grouping.
	GlobalRank bool `json:"global_rank"`
	// MaxDetections caps the result; 0 means unlimited.
	MaxDetections int `json:"max_detections"`
}

// Validate checks that both thresholds lie in [0,1].
func (o Options) Validate() error {
	if o.ConfThreshold < 0 || o.ConfThreshold > 1 {
		return fmt.Errorf("confidence threshold %v outside [0,1]", o.ConfThreshold)
	}
	if o.IoUThreshold < 0 || o.IoUThreshold > 1 {
		return fmt.Errorf("IoU threshold %v outside [0,1]", o.IoUThreshold)
	}
	if o.MaxDetections < 0 {
		return fmt.Errorf("max detections must not be negative")
	}
	return nil
}

// candidate is a box in model input pixels before transform inversion.
type candidate struct {
	x1, y1, x2, y2 float32
	conf           float32
	class          int
}

// Decoder turns raw model outputs into detections in original-image pixels.
type Decoder struct {
	format Format
	labels Labels
	// normalized is set for models that emit coordinates in [0,1].
	normalized bool
}

// NewDecoder returns a decoder bound to one output format.
func NewDecoder(format Format, labels Labels, normalizedBoxes bool) *Decoder {
	return &Decoder{format: format, labels: labels, normalized: normalizedBoxes}
}

// Format returns the output format tag.
func (d *Decoder) Format() Format {
	return d.format
}

// Labels returns the class names used for detections.
func (d *Decoder) Labels() Labels {
	return d.labels
}

// Decode filters, maps back and suppresses the raw candidates. A malformed
// output returns a DecodeError; nothing is silently truncated. An output with
// a zero dimension carries no candidates and decodes to an empty list.
func (d *Decoder) Decode(raw *tensor.RawOutput, tr Transform, opts Options) ([]model.Detection, error) {
	if err := raw.Validate(); err != nil {
		return nil, apperr.Decode("invalid model output", err)
	}

	shape := raw.Shape
	if len(shape) == 2 {
		shape = []int64{1, shape[0], shape[1]}
	}
	if len(shape) != 3 || shape[0] != 1 {
		return nil, apperr.Decode(fmt.Sprintf("%s output must be [1, a, b], got %v", d.format, raw.Shape), nil)
	}
	rows, cols := int(shape[1]), int(shape[2])
	if rows == 0 || cols == 0 {
		return []model.Detection{}, nil
	}

	// Known labels fix the class count the model was exported with.
	nc := d.labels.Len()

	var cands []candidate
	var err error
	switch d.format {
	case FormatYOLOv8:
		cands, err = decodeYOLOv8(raw.Data, rows, cols, nc, opts.ConfThreshold)
	case FormatYOLOv5:
		cands, err = decodeYOLOv5(raw.Data, rows, cols, nc, opts.ConfThreshold)
	case FormatEnd2End:
		cands, err = decodeEnd2End(raw.Data, rows, cols, nc, opts.ConfThreshold)
	default:
		err = fmt.Errorf("unsupported format %q", d.format)
	}
	if err != nil {
		return nil, apperr.Decode(fmt.Sprintf("cannot decode %s output %v", d.format, raw.Shape), err)
	}

	dets := make([]model.Detection, 0, len(cands))
	for _, c := range cands {
		if d.normalized {
			s := float32(tr.Target)
			c.x1, c.y1, c.x2, c.y2 = c.x1*s, c.y1*s, c.x2*s, c.y2*s
		}
		box := d.toOriginal(c, tr)
		if box.Area() <= 0 {
			continue
		}
		dets = append(dets, model.Detection{
			Label:      d.labels.Name(c.class),
			ClassID:    c.class,
			Confidence: c.conf,
			Box:        box,
		})
	}

	dets = NMS(dets, opts.IoUThreshold)

	if opts.GlobalRank {
		sort.SliceStable(dets, func(i, j int) bool {
			return dets[i].Confidence > dets[j].Confidence
		})
	}
	if opts.MaxDetections > 0 && len(dets) > opts.MaxDetections {
		dets = dets[:opts.MaxDetections]
	}
	return dets, nil
}

// toOriginal removes padding and scale, then clips to the image bounds.
func (d *Decoder) toOriginal(c candidate, tr Transform) model.Box {
	w, h := float32(tr.SrcWidth), float32(tr.SrcHeight)
	scale := float32(tr.Scale)
	px, py := float32(tr.PadX), float32(tr.PadY)

	return model.Box{
		XMin: clampF((c.x1-px)/scale, 0, w),
		YMin: clampF((c.y1-py)/scale, 0, h),
		XMax: clampF((c.x2-px)/scale, 0, w),
		YMax: clampF((c.y2-py)/scale, 0, h),
	}
}

// decodeYOLOv8 reads a channel-major [4+nc, N] block. A positive nc must
// match the channel count.
func decodeYOLOv8(data []float32, channels, anchors, nc int, conf float32) ([]candidate, error) {
	if channels <= 4 {
		return nil, fmt.Errorf("expected at least 5 channels, got %d", channels)
	}
	numClasses := channels - 4
	if nc > 0 && numClasses != nc {
		return nil, fmt.Errorf("output has %d class channels, model has %d classes", numClasses, nc)
	}

	var out []candidate
	for i := 0; i < anchors; i++ {
		best, bestScore := 0, data[4*anchors+i]
		for c := 1; c < numClasses; c++ {
			if s := data[(4+c)*anchors+i]; s > bestScore {
				best, bestScore = c, s
			}
		}
		score := clampF(bestScore, 0, 1)
		if score < conf {
			continue
		}
		x1, y1, x2, y2 := xywhToXYXY(data[i], data[anchors+i], data[2*anchors+i], data[3*anchors+i])
		out = append(out, candidate{x1: x1, y1: y1, x2: x2, y2: y2, conf: score, class: best})
	}
	return out, nil
}

// decodeYOLOv5 reads a row-major [N, 5+nc] block. Confidence is objectness
// times the best class score.
func decodeYOLOv5(data []float32, anchors, width, nc int, conf float32) ([]candidate, error) {
	if width <= 5 {
		return nil, fmt.Errorf("expected at least 6 values per row, got %d", width)
	}
	if nc > 0 && width-5 != nc {
		return nil, fmt.Errorf("output rows have %d class scores, model has %d classes", width-5, nc)
	}

	var out []candidate
	for i := 0; i < anchors; i++ {
		row := data[i*width : (i+1)*width]
		obj := row[4]
		if obj < conf {
			continue
		}
		scores := row[5:]
		best := argmax(scores)
		score := clampF(obj*scores[best], 0, 1)
		if score < conf {
			continue
		}
		x1, y1, x2, y2 := xywhToXYXY(row[0], row[1], row[2], row[3])
		out = append(out, candidate{x1: x1, y1: y1, x2: x2, y2: y2, conf: score, class: best})
	}
	return out, nil
}

// decodeEnd2End reads [N, 6] rows of x1, y1, x2, y2, score, class. With a
// positive nc every kept class id must be below it.
func decodeEnd2End(data []float32, rows, width, nc int, conf float32) ([]candidate, error) {
	if width != 6 {
		return nil, fmt.Errorf("expected 6 values per row, got %d", width)
	}

	var out []candidate
	for i := 0; i < rows; i++ {
		row := data[i*6 : i*6+6]
		score := clampF(row[4], 0, 1)
		if score < conf {
			continue
		}
		class := int(row[5])
		if class < 0 {
			return nil, fmt.Errorf("row %d has negative class id %v", i, row[5])
		}
		if nc > 0 && class >= nc {
			return nil, fmt.Errorf("row %d has class id %d, model has %d classes", i, class, nc)
		}
		out = append(out, candidate{x1: row[0], y1: row[1], x2: row[2], y2: row[3], conf: score, class: class})
	}
	return out, nil
}

func xywhToXYXY(cx, cy, w, h float32) (float32, float32, float32, float32) {
	return cx - w/2, cy - h/2, cx + w/2, cy + h/2
}

func argmax(f []float32) int {
	r, m := 0, f[0]
	for i, v := range f {
		if v > m {
			m = v
			r = i
		}
	}
	return r
}

// clampF maps NaN to lo so it can never pass a threshold.
func clampF(v, lo, hi float32) float32 {
	if v != v {
		return lo
	}
	return min(hi, max(lo, v))
}
