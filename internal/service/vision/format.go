package vision

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"detectserver/internal/runtime"
)

// Format tags the raw output layout of a detection model.
type Format string

const (
	// FormatAuto picks the format from the model output shape and metadata.
	FormatAuto Format = "auto"
	// FormatYOLOv8 is the anchor-free head: [1, 4+nc, N], channel-major,
	// xywh boxes, no objectness.
	FormatYOLOv8 Format = "yolov8"
	// FormatYOLOv5 is the anchor-based head: [1, N, 5+nc], row-major, xywh
	// boxes followed by objectness and class scores.
	FormatYOLOv5 Format = "yolov5"
	// FormatEnd2End is an NMS-free export: [1, N, 6] rows of
	// x1, y1, x2, y2, score, class.
	FormatEnd2End Format = "end2end"
)

// ParseFormat accepts a format name; empty means auto.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return FormatAuto, nil
	case "yolov8", "v8", "yolo11", "anchor-free":
		return FormatYOLOv8, nil
	case "yolov5", "v5", "yolov7":
		return FormatYOLOv5, nil
	case "end2end", "e2e", "yolov10", "nms-free":
		return FormatEnd2End, nil
	}
	return "", fmt.Errorf("unknown decoder format %q", s)
}

// SelectFormat decides once, at load time, how the model output is laid out.
// numClasses may be 0 when no labels are known.
func SelectFormat(info runtime.ModelInfo, override string, numClasses int) (Format, error) {
	f, err := ParseFormat(override)
	if err != nil {
		return "", err
	}
	if f != FormatAuto {
		return f, nil
	}

	if strings.EqualFold(info.Metadata["end2end"], "true") {
		return FormatEnd2End, nil
	}

	shape := info.OutputShape
	if len(shape) == 2 {
		shape = append([]int64{1}, shape...)
	}
	if len(shape) != 3 {
		return "", fmt.Errorf("cannot infer decoder format from output shape %v; set DECODER_FORMAT", info.OutputShape)
	}
	rows, cols := shape[1], shape[2]

	if numClasses > 0 {
		switch {
		case rows == int64(4+numClasses):
			return FormatYOLOv8, nil
		case cols == int64(5+numClasses):
			return FormatYOLOv5, nil
		case cols == 6:
			return FormatEnd2End, nil
		}
	}

	switch {
	case rows > 0 && cols > 0 && rows < cols:
		return FormatYOLOv8, nil
	case cols == 6:
		return FormatEnd2End, nil
	case cols > 5:
		return FormatYOLOv5, nil
	}
	return "", fmt.Errorf("cannot infer decoder format from output shape %v; set DECODER_FORMAT", info.OutputShape)
}

// Labels maps class ids to names. Unknown ids get a "class<N>" name.
type Labels struct {
	names map[int]string
}

// NewLabels builds Labels from an ordered list.
func NewLabels(names []string) Labels {
	m := make(map[int]string, len(names))
	for i, n := range names {
		m[i] = n
	}
	return Labels{names: m}
}

// Name returns the label for a class id.
func (l Labels) Name(classID int) string {
	if name, ok := l.names[classID]; ok && name != "" {
		return name
	}
	return fmt.Sprintf("class%d", classID)
}

// Len returns the number of classes implied by the highest known id.
func (l Labels) Len() int {
	n := 0
	for id := range l.names {
		if id+1 > n {
			n = id + 1
		}
	}
	return n
}

// ResolveLabels prefers the names embedded in the model metadata, then the
// labels file, then numbered placeholders.
func ResolveLabels(info runtime.ModelInfo, labelsPath string) (Labels, string, error) {
	if raw, ok := info.Metadata["names"]; ok {
		if names := ParseClassNames(raw); len(names) > 0 {
			return Labels{names: names}, "model metadata", nil
		}
	}
	if labelsPath != "" {
		names, err := LoadLabels(labelsPath)
		if err != nil {
			return Labels{}, "", err
		}
		return NewLabels(names), labelsPath, nil
	}
	return Labels{names: map[int]string{}}, "none", nil
}

// ParseClassNames parses the ultralytics "names" metadata entry, a Python
// dict literal such as {0: 'person', 1: 'bicycle'}. Malformed entries are
// skipped.
func ParseClassNames(raw string) map[int]string {
	result := make(map[int]string)
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "{")
	raw = strings.TrimSuffix(raw, "}")

	var entries []string
	var cur strings.Builder
	inQuote := false
	var quoteChar byte
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		switch {
		case !inQuote && (ch == '\'' || ch == '"'):
			inQuote = true
			quoteChar = ch
			cur.WriteByte(ch)
		case inQuote && ch == quoteChar:
			inQuote = false
			cur.WriteByte(ch)
		case !inQuote && ch == ',':
			entries = append(entries, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(ch)
		}
	}
	if cur.Len() > 0 {
		entries = append(entries, cur.String())
	}

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		colon := strings.Index(entry, ":")
		if colon < 0 {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSpace(entry[:colon]))
		if err != nil {
			continue
		}
		result[id] = strings.Trim(strings.TrimSpace(entry[colon+1:]), "'\"")
	}
	return result
}

// LoadLabels reads one class name per line. Blank trailing lines are ignored.
func LoadLabels(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open labels file: %w", err)
	}
	defer f.Close()

	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		labels = append(labels, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read labels file: %w", err)
	}
	for len(labels) > 0 && labels[len(labels)-1] == "" {
		labels = labels[:len(labels)-1]
	}
	return labels, nil
}
