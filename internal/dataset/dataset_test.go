package dataset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"go.uber.org/zap"

	"github.com/example/sigverify/internal/apperrors"
	"github.com/example/sigverify/internal/imageloader"
)

func syntheticDataset(genuine, forged int) *Dataset {
	ds := &Dataset{Genuine: genuine, Forged: forged}
	for i := 0; i < genuine; i++ {
		ds.Samples = append(ds.Samples, Sample{Label: Genuine, Source: fmt.Sprintf("g-%d", i)})
	}
	for i := 0; i < forged; i++ {
		ds.Samples = append(ds.Samples, Sample{Label: Forged, Source: fmt.Sprintf("f-%d", i)})
	}
	return ds
}

var defaultRatios = Ratios{Train: 0.70, Validation: 0.15, Test: 0.15}

func countGenuine(samples []Sample) int {
	n := 0
	for _, s := range samples {
		if s.Label == Genuine {
			n++
		}
	}
	return n
}

func TestSplitIsDisjointAndComplete(t *testing.T) {
	for _, sizes := range [][2]int{{20, 20}, {37, 11}, {100, 143}, {9, 30}} {
		ds := syntheticDataset(sizes[0], sizes[1])
		splits, err := Split(ds, defaultRatios, 42)
		if err != nil {
			t.Fatalf("%v: unexpected error: %v", sizes, err)
		}
		total := len(splits.Train) + len(splits.Validation) + len(splits.Test)
		if total != len(ds.Samples) {
			t.Fatalf("%v: split sizes sum to %d, want %d", sizes, total, len(ds.Samples))
		}
		seen := make(map[string]string)
		for name, part := range map[string][]Sample{"train": splits.Train, "validation": splits.Validation, "test": splits.Test} {
			for _, s := range part {
				if prev, dup := seen[s.Source]; dup {
					t.Fatalf("%v: sample %s in both %s and %s", sizes, s.Source, prev, name)
				}
				seen[s.Source] = name
			}
		}
	}
}

func TestSplitPreservesClassRatio(t *testing.T) {
	for _, sizes := range [][2]int{{40, 40}, {120, 60}, {33, 97}, {500, 250}} {
		ds := syntheticDataset(sizes[0], sizes[1])
		overall := float64(ds.Genuine) / float64(len(ds.Samples))
		splits, err := Split(ds, defaultRatios, 42)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for name, part := range map[string][]Sample{"train": splits.Train, "validation": splits.Validation, "test": splits.Test} {
			expected := overall * float64(len(part))
			got := float64(countGenuine(part))
			if math.Abs(got-expected) > 2 {
				t.Fatalf("%v %s: %v genuine, expected about %.2f", sizes, name, got, expected)
			}
		}
	}
}

func TestSplitSizesFollowRatios(t *testing.T) {
	ds := syntheticDataset(100, 100)
	splits, err := Split(ds, defaultRatios, 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(splits.Train) != 140 || len(splits.Validation) != 30 || len(splits.Test) != 30 {
		t.Fatalf("unexpected sizes train=%d val=%d test=%d", len(splits.Train), len(splits.Validation), len(splits.Test))
	}
}

func TestSplitIsDeterministicForSeed(t *testing.T) {
	ds := syntheticDataset(50, 31)
	a, err := Split(ds, defaultRatios, 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := Split(ds, defaultRatios, 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(a.TrainIndex, b.TrainIndex) || !reflect.DeepEqual(a.ValidationIndex, b.ValidationIndex) || !reflect.DeepEqual(a.TestIndex, b.TestIndex) {
		t.Fatal("same seed produced different assignments")
	}

	c, err := Split(ds, defaultRatios, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reflect.DeepEqual(a.TrainIndex, c.TrainIndex) {
		t.Fatal("different seeds produced identical train assignment")
	}
}

func TestSplitTooSmall(t *testing.T) {
	ds := syntheticDataset(1, 1)
	if _, err := Split(ds, defaultRatios, 42); !errors.Is(err, ErrSplitTooSmall) {
		t.Fatalf("expected ErrSplitTooSmall, got %v", err)
	}
}

func writePNG(t *testing.T, path string, shade uint8) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	img := image.NewGray(image.Rect(0, 0, 12, 6))
	for i := range img.Pix {
		img.Pix[i] = shade
	}
	img.SetGray(0, 0, color.Gray{Y: 255 - shade})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestScanDirectoryProbesFolderConventions(t *testing.T) {
	root := t.TempDir()
	writePNG(t, filepath.Join(root, "u01", "genuine", "images", "a.png"), 10)
	writePNG(t, filepath.Join(root, "u01", "genuine", "ignored.png"), 10)
	writePNG(t, filepath.Join(root, "u01", "skilled forgery", "b.png"), 200)
	writePNG(t, filepath.Join(root, "u02", "genuine_images", "c.PNG"), 10)
	writePNG(t, filepath.Join(root, "u02", "forged_images", "d.jpg"), 200)
	if err := os.WriteFile(filepath.Join(root, "u02", "forged_images", "notes.txt"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	writePNG(t, filepath.Join(root, "u03", "genuine", "e.png"), 10)

	m, err := ScanDirectory(root, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.Identities) != 3 {
		t.Fatalf("expected 3 identities, got %d", len(m.Identities))
	}
	u1 := m.Identities[0]
	if len(u1.Genuine) != 1 || filepath.Base(u1.Genuine[0]) != "a.png" {
		t.Fatalf("u01 genuine should come from genuine/images, got %v", u1.Genuine)
	}
	if len(u1.Forged) != 1 || filepath.Base(u1.Forged[0]) != "b.png" {
		t.Fatalf("u01 forged unexpected: %v", u1.Forged)
	}
	u2 := m.Identities[1]
	if len(u2.Genuine) != 1 || len(u2.Forged) != 1 {
		t.Fatalf("u02 unexpected: %+v", u2)
	}
	if len(m.Identities[2].Forged) != 0 {
		t.Fatalf("u03 should have no forged samples: %+v", m.Identities[2])
	}
}

func TestAssembleSkipsMissingCategoriesAndBadFiles(t *testing.T) {
	root := t.TempDir()
	var m Manifest
	for u := 0; u < 3; u++ {
		id := Identity{Name: fmt.Sprintf("u%d", u)}
		for i := 0; i < 4; i++ {
			p := filepath.Join(root, id.Name, "g", fmt.Sprintf("%d.png", i))
			writePNG(t, p, 20)
			id.Genuine = append(id.Genuine, p)
		}
		if u != 2 {
			for i := 0; i < 3; i++ {
				p := filepath.Join(root, id.Name, "f", fmt.Sprintf("%d.png", i))
				writePNG(t, p, 220)
				id.Forged = append(id.Forged, p)
			}
		}
		m.Identities = append(m.Identities, id)
	}
	corrupt := filepath.Join(root, "u0", "g", "corrupt.png")
	if err := os.WriteFile(corrupt, []byte("not a png"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	m.Identities[0].Genuine = append(m.Identities[0].Genuine, corrupt)

	ds, err := NewAssembler(imageloader.New(8), zap.NewNop()).Assemble(context.Background(), &m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ds.Genuine != 12 || ds.Forged != 6 || len(ds.Samples) != 18 {
		t.Fatalf("unexpected counts genuine=%d forged=%d total=%d", ds.Genuine, ds.Forged, len(ds.Samples))
	}
	for i, s := range ds.Samples {
		want := Genuine
		if i >= ds.Genuine {
			want = Forged
		}
		if s.Label != want {
			t.Fatalf("sample %d: expected %s, got %s", i, want, s.Label)
		}
		if s.Image.Size != 8 {
			t.Fatalf("sample %d has size %d", i, s.Image.Size)
		}
	}
}

func TestAssembleFailsWhenClassEmpty(t *testing.T) {
	root := t.TempDir()
	p := filepath.Join(root, "g.png")
	writePNG(t, p, 30)
	m := &Manifest{Identities: []Identity{{Name: "solo", Genuine: []string{p}}}}

	_, err := NewAssembler(imageloader.New(8), zap.NewNop()).Assemble(context.Background(), m)
	var emptyErr *apperrors.DatasetEmptyError
	if !errors.As(err, &emptyErr) {
		t.Fatalf("expected DatasetEmptyError, got %v", err)
	}
	if emptyErr.Genuine != 1 || emptyErr.Forged != 0 {
		t.Fatalf("unexpected counts: %+v", emptyErr)
	}
}

func TestManifestRoundTripResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	m := &Manifest{Identities: []Identity{{Name: "u1", Genuine: []string{"u1/g.png"}, Forged: []string{"u1/f.png"}}}}
	path := filepath.Join(dir, "manifest.yaml")
	if err := m.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := loaded.Identities[0].Genuine[0]; got != filepath.Join(dir, "u1", "g.png") {
		t.Fatalf("relative path not resolved: %s", got)
	}
}

func TestManifestValidateRejectsDuplicates(t *testing.T) {
	m := &Manifest{Identities: []Identity{
		{Name: "a", Genuine: []string{"x.png"}},
		{Name: "b", Forged: []string{"x.png"}},
	}}
	if err := m.Validate(); err == nil {
		t.Fatal("expected duplicate file error")
	}
	if err := (&Manifest{}).Validate(); err != nil {
		t.Fatalf("empty manifest is structurally valid: %v", err)
	}
}

func TestAssembleEmptyRootIsDatasetEmpty(t *testing.T) {
	m, err := ScanDirectory(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = NewAssembler(imageloader.New(8), zap.NewNop()).Assemble(context.Background(), m)
	if apperrors.KindOf(err) != apperrors.KindDatasetEmpty {
		t.Fatalf("expected dataset_empty, got %v", err)
	}
	var emptyErr *apperrors.DatasetEmptyError
	if !errors.As(err, &emptyErr) || emptyErr.Genuine != 0 || emptyErr.Forged != 0 {
		t.Fatalf("unexpected error %+v", err)
	}
}
