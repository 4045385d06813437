package vision

import (
	"reflect"
	"testing"

	"detectserver/internal/model"
)

func box(x1, y1, x2, y2 float32) model.Box {
	return model.Box{XMin: x1, YMin: y1, XMax: x2, YMax: y2}
}

func det(class int, conf float32, b model.Box) model.Detection {
	return model.Detection{Label: NewLabels([]string{"cat", "dog"}).Name(class), ClassID: class, Confidence: conf, Box: b}
}

func TestIoU(t *testing.T) {
	tests := []struct {
		name     string
		a, b     model.Box
		expected float32
	}{
		{"identical", box(0, 0, 10, 10), box(0, 0, 10, 10), 1},
		{"disjoint", box(0, 0, 10, 10), box(20, 20, 30, 30), 0},
		{"touching edges", box(0, 0, 10, 10), box(10, 0, 20, 10), 0},
		{"three fifths", box(100, 100, 200, 200), box(125, 100, 225, 200), 0.6},
		{"contained", box(0, 0, 10, 10), box(0, 0, 5, 10), 0.5},
		{"degenerate", box(5, 5, 5, 5), box(5, 5, 5, 5), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IoU(tt.a, tt.b); !approx(got, tt.expected) {
				t.Errorf("IoU = %v, expected %v", got, tt.expected)
			}
			if got := IoU(tt.b, tt.a); !approx(got, tt.expected) {
				t.Errorf("IoU is not symmetric: %v", got)
			}
		})
	}
}

func TestNMS_KeepsHigherConfidence(t *testing.T) {
	low := det(0, 0.4, box(125, 100, 225, 200))
	high := det(0, 0.9, box(100, 100, 200, 200))

	got := NMS([]model.Detection{low, high}, 0.45)

	if len(got) != 1 || got[0].Confidence != 0.9 {
		t.Fatalf("Expected only the 0.9 box, got %+v", got)
	}
}

func TestNMS_ThresholdIsStrict(t *testing.T) {
	a := det(0, 0.9, box(100, 100, 200, 200))
	b := det(0, 0.8, box(125, 100, 225, 200)) // IoU exactly 0.6

	if got := NMS([]model.Detection{a, b}, 0.6); len(got) != 1 {
		t.Errorf("IoU equal to threshold should suppress, got %d boxes", len(got))
	}
	if got := NMS([]model.Detection{a, b}, 0.61); len(got) != 2 {
		t.Errorf("IoU below threshold should keep both, got %d boxes", len(got))
	}
}

func TestNMS_ClassesAreIndependent(t *testing.T) {
	cat := det(0, 0.9, box(0, 0, 100, 100))
	dog := det(1, 0.8, box(0, 0, 100, 100))

	got := NMS([]model.Detection{cat, dog}, 0.45)
	if len(got) != 2 {
		t.Fatalf("Overlapping boxes of different classes must both survive, got %+v", got)
	}
}

func TestNMS_GroupOrderFollowsFirstAppearance(t *testing.T) {
	input := []model.Detection{
		det(1, 0.5, box(0, 0, 10, 10)),
		det(0, 0.99, box(50, 50, 60, 60)),
		det(1, 0.7, box(100, 100, 110, 110)),
	}

	got := NMS(input, 0.45)

	want := []int{1, 1, 0}
	for i, d := range got {
		if d.ClassID != want[i] {
			t.Fatalf("Position %d has class %d, expected order %v (got %+v)", i, d.ClassID, want, got)
		}
	}
	if got[0].Confidence != 0.7 {
		t.Errorf("Within a class the higher confidence should come first, got %v", got[0].Confidence)
	}
}

func TestNMS_TiesKeepInputOrder(t *testing.T) {
	first := det(0, 0.5, box(0, 0, 100, 100))
	second := det(0, 0.5, box(10, 0, 110, 100))

	got := NMS([]model.Detection{first, second}, 0.45)
	if len(got) != 1 || got[0].Box != first.Box {
		t.Errorf("Expected the earlier candidate to win the tie, got %+v", got)
	}
}

func TestNMS_Idempotent(t *testing.T) {
	input := []model.Detection{
		det(0, 0.9, box(100, 100, 200, 200)),
		det(0, 0.4, box(125, 100, 225, 200)),
		det(1, 0.6, box(0, 0, 50, 50)),
		det(0, 0.3, box(300, 300, 350, 350)),
		det(1, 0.65, box(5, 5, 55, 55)),
		det(1, 0.2, box(400, 0, 450, 40)),
	}

	once := NMS(input, 0.45)
	twice := NMS(append([]model.Detection(nil), once...), 0.45)

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("NMS is not idempotent:\nonce:  %+v\ntwice: %+v", once, twice)
	}
}

func TestNMS_Empty(t *testing.T) {
	got := NMS(nil, 0.45)
	if got == nil || len(got) != 0 {
		t.Errorf("Expected empty non-nil slice, got %#v", got)
	}
}
