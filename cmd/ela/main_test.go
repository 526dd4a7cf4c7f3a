package main

import (
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultOutput(t *testing.T) {
	tests := map[string]string{
		"photo.jpg":          "photo_ela.png",
		"/tmp/a.b/scan.jpeg": "/tmp/a.b/scan_ela.png",
		"noext":              "noext_ela.png",
	}
	for in, want := range tests {
		if got := defaultOutput(in); got != want {
			t.Errorf("defaultOutput(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.jpg")
	out := filepath.Join(dir, "out.png")

	src := image.NewRGBA(image.Rect(0, 0, 30, 20))
	for i := range src.Pix {
		src.Pix[i] = byte(i * 13)
	}
	f, err := os.Create(in)
	if err != nil {
		t.Fatal(err)
	}
	if err := jpeg.Encode(f, src, &jpeg.Options{Quality: 75}); err != nil {
		t.Fatal(err)
	}
	f.Close()

	res, err := run(in, out, 90)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.MaxDiff == 0 {
		t.Error("max diff must be at least 1")
	}
	if res.Scale != 255/float64(res.MaxDiff) {
		t.Errorf("scale = %v for max diff %d", res.Scale, res.MaxDiff)
	}

	g, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()
	img, err := png.Decode(g)
	if err != nil {
		t.Fatalf("output is not a PNG: %v", err)
	}
	if img.Bounds().Dx() != 30 || img.Bounds().Dy() != 20 {
		t.Errorf("bounds = %v", img.Bounds())
	}

	if _, err := run(filepath.Join(dir, "missing.jpg"), out, 90); err == nil {
		t.Error("expected error for missing input")
	}
}
