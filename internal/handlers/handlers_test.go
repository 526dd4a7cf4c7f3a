package handlers

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/Brownie44l1/forensics-api/internal/model"
	"github.com/Brownie44l1/forensics-api/internal/preprocess"
	"github.com/Brownie44l1/forensics-api/internal/service"
	"github.com/Brownie44l1/forensics-api/internal/system"
)

type stubClassifier struct {
	scores []float32
}

func (s stubClassifier) Classify(_ context.Context, _ []float32) ([]float32, error) {
	return s.scores, nil
}

type stubStats struct{}

func (stubStats) Snapshot(context.Context) (system.Stats, error) {
	return system.Stats{Goroutines: 3, RSSBytes: 1024}, nil
}

func newServer(t *testing.T, forgery, stegano model.Classifier, maxUpload int64) *httptest.Server {
	t.Helper()
	svc := service.New(service.Options{
		Forgery: service.NewForgeryPipeline(forgery, preprocess.ELA{Quality: 90, TempDir: t.TempDir()}, 128, []string{"Fake", "Real"}),
		Stegano: service.NewSteganoPipeline(stegano, 256, []string{"Stego", "Not Stego"}),
		ELA:     preprocess.ELA{Quality: 90},
		Models: []*model.Model{
			{Name: "forgery", Classifier: forgery},
			{Name: "stegano", Classifier: stegano},
		},
	})
	mux := http.NewServeMux()
	NewHandler(svc, stubStats{}, maxUpload).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func blackJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type formPart struct {
	field    string
	filename *string
	content  []byte
}

func strPtr(s string) *string { return &s }

func multipartBody(t *testing.T, parts ...formPart) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		hdr := make(textproto.MIMEHeader)
		disp := `form-data; name="` + p.field + `"`
		if p.filename != nil {
			disp += `; filename="` + *p.filename + `"`
		}
		hdr.Set("Content-Disposition", disp)
		pw, err := mw.CreatePart(hdr)
		if err != nil {
			t.Fatal(err)
		}
		pw.Write(p.content)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func post(t *testing.T, url string, parts ...formPart) *http.Response {
	t.Helper()
	body, ct := multipartBody(t, parts...)
	resp, err := http.Post(url, ct, body)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	return body
}

func TestUploadValidation(t *testing.T) {
	srv := newServer(t, stubClassifier{[]float32{0.1, 0.9}}, stubClassifier{[]float32{0.9, 0.1}}, 10<<20)

	tests := []struct {
		name  string
		parts []formPart
		want  string
	}{
		{"no file field", []formPart{{field: "other", filename: strPtr("a.jpg"), content: []byte("x")}}, "No file part"},
		{"no parts", nil, "No file part"},
		{"text field named file", []formPart{{field: "file", content: []byte("hello")}}, "No file part"},
		{"empty filename", []formPart{{field: "file", filename: strPtr(""), content: nil}}, "No selected file"},
	}

	for _, path := range []string{"/predict", "/predict_stegano", "/ela"} {
		for _, tt := range tests {
			t.Run(path+" "+tt.name, func(t *testing.T) {
				resp := post(t, srv.URL+path, tt.parts...)
				if resp.StatusCode != http.StatusBadRequest {
					t.Fatalf("status = %d, want 400", resp.StatusCode)
				}
				if got := decodeBody(t, resp)["error"]; got != tt.want {
					t.Errorf("error = %v, want %q", got, tt.want)
				}
			})
		}
	}
}

func TestNonMultipartBody(t *testing.T) {
	srv := newServer(t, stubClassifier{[]float32{0.1, 0.9}}, stubClassifier{[]float32{0.9, 0.1}}, 10<<20)

	resp, err := http.Post(srv.URL+"/predict", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := decodeBody(t, resp)["error"]; got != "No file part" {
		t.Errorf("error = %v", got)
	}
}

func TestCorruptImage(t *testing.T) {
	srv := newServer(t, stubClassifier{[]float32{0.1, 0.9}}, stubClassifier{[]float32{0.9, 0.1}}, 10<<20)

	for _, path := range []string{"/predict", "/predict_stegano"} {
		resp := post(t, srv.URL+path, formPart{field: "file", filename: strPtr("broken.jpg"), content: []byte("\xff\xd8 not really a jpeg")})
		if resp.StatusCode != http.StatusInternalServerError {
			t.Fatalf("%s status = %d, want 500", path, resp.StatusCode)
		}
		msg, _ := decodeBody(t, resp)["error"].(string)
		if msg == "" {
			t.Errorf("%s: expected an error message", path)
		}
	}
}

// hugePNG declares a w x h grayscale image in a few dozen bytes.
func hugePNG(w, h uint32) []byte {
	chunk := []byte("IHDR")
	chunk = binary.BigEndian.AppendUint32(chunk, w)
	chunk = binary.BigEndian.AppendUint32(chunk, h)
	chunk = append(chunk, 8, 0, 0, 0, 0)

	out := []byte("\x89PNG\r\n\x1a\n")
	out = binary.BigEndian.AppendUint32(out, uint32(len(chunk)-4))
	out = append(out, chunk...)
	return binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(chunk))
}

func TestDecompressionBomb(t *testing.T) {
	srv := newServer(t, stubClassifier{[]float32{0.1, 0.9}}, stubClassifier{[]float32{0.9, 0.1}}, 10<<20)

	for _, path := range []string{"/predict", "/predict_stegano", "/ela"} {
		resp := post(t, srv.URL+path, formPart{field: "file", filename: strPtr("bomb.png"), content: hugePNG(15000, 15000)})
		if resp.StatusCode != http.StatusInternalServerError {
			t.Fatalf("%s status = %d, want 500", path, resp.StatusCode)
		}
		msg, _ := decodeBody(t, resp)["error"].(string)
		if !strings.Contains(msg, "Image size (225000000 pixels) exceeds limit") {
			t.Errorf("%s error = %q", path, msg)
		}
	}

	// The server keeps answering afterwards.
	resp := post(t, srv.URL+"/predict", formPart{field: "file", filename: strPtr("black.jpg"), content: blackJPEG(t, 100, 100)})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("follow-up status = %d", resp.StatusCode)
	}
}

func TestPredictBlackJPEG(t *testing.T) {
	srv := newServer(t, stubClassifier{[]float32{0.3, 0.7}}, stubClassifier{[]float32{0.8, 0.2}}, 10<<20)
	img := blackJPEG(t, 100, 100)

	tests := []struct {
		path   string
		labels []string
		want   string
	}{
		{"/predict", []string{"Fake", "Real"}, "Real"},
		{"/predict_stegano", []string{"Stego", "Not Stego"}, "Stego"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp := post(t, srv.URL+tt.path, formPart{field: "file", filename: strPtr("black.jpg"), content: img})
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, body = %v", resp.StatusCode, decodeBody(t, resp))
			}

			var res service.PredictionResult
			if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
				t.Fatal(err)
			}
			if res.Label != tt.want {
				t.Errorf("prediction = %q, want %q", res.Label, tt.want)
			}
			if res.Label != tt.labels[0] && res.Label != tt.labels[1] {
				t.Errorf("prediction %q not in %v", res.Label, tt.labels)
			}
			if len(res.RawScores) != 2 {
				t.Fatalf("raw_prediction = %v", res.RawScores)
			}
			if sum := res.RawScores[0] + res.RawScores[1]; math.Abs(sum-1) > 1e-6 {
				t.Errorf("raw_prediction sums to %v", sum)
			}
			if res.Confidence != math.Max(res.RawScores[0], res.RawScores[1]) {
				t.Errorf("confidence %v != max(raw) %v", res.Confidence, res.RawScores)
			}
		})
	}
}

func TestUnloadedModel(t *testing.T) {
	missing := model.Unloaded("forgery", errors.New("open models/forgery.onnx: no such file or directory"))
	srv := newServer(t, missing.Classifier, stubClassifier{[]float32{0.5, 0.5}}, 10<<20)

	resp := post(t, srv.URL+"/predict", formPart{field: "file", filename: strPtr("a.jpg"), content: blackJPEG(t, 8, 8)})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	msg, _ := decodeBody(t, resp)["error"].(string)
	if !strings.Contains(msg, "not loaded") {
		t.Errorf("error = %q", msg)
	}

	resp = post(t, srv.URL+"/predict_stegano", formPart{field: "file", filename: strPtr("a.jpg"), content: blackJPEG(t, 8, 8)})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("other model should keep working, status = %d", resp.StatusCode)
	}
}

func TestUploadTooLarge(t *testing.T) {
	srv := newServer(t, stubClassifier{[]float32{0.1, 0.9}}, stubClassifier{[]float32{0.9, 0.1}}, 1024)

	resp := post(t, srv.URL+"/predict", formPart{field: "file", filename: strPtr("big.jpg"), content: bytes.Repeat([]byte{0xff}, 4096)})
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}
	if got := decodeBody(t, resp)["error"]; got != "File too large" {
		t.Errorf("error = %v", got)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newServer(t, stubClassifier{[]float32{0.1, 0.9}}, stubClassifier{[]float32{0.9, 0.1}}, 10<<20)

	for _, path := range []string{"/predict", "/predict_stegano", "/ela"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("GET %s = %d", path, resp.StatusCode)
		}
	}
}

func TestELAEndpoint(t *testing.T) {
	srv := newServer(t, stubClassifier{[]float32{0.1, 0.9}}, stubClassifier{[]float32{0.9, 0.1}}, 10<<20)

	src := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			src.Set(x, y, color.RGBA{uint8(x * 6), uint8(y * 8), uint8((x + y) * 3), 0xff})
		}
	}
	var in bytes.Buffer
	if err := png.Encode(&in, src); err != nil {
		t.Fatal(err)
	}

	resp := post(t, srv.URL+"/ela", formPart{field: "file", filename: strPtr("gradient.png"), content: in.Bytes()})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q", ct)
	}
	if resp.Header.Get("X-ELA-Max-Diff") == "" {
		t.Error("missing X-ELA-Max-Diff header")
	}
	out, err := png.Decode(resp.Body)
	if err != nil {
		t.Fatalf("response is not a PNG: %v", err)
	}
	if out.Bounds().Dx() != 40 || out.Bounds().Dy() != 30 {
		t.Errorf("ELA bounds = %v", out.Bounds())
	}
}

func TestHealth(t *testing.T) {
	missing := model.Unloaded("stegano", errors.New("checkpoint missing"))
	svc := service.New(service.Options{
		Models: []*model.Model{{Name: "forgery"}, missing},
	})
	h := NewHandler(svc, stubStats{}, 10<<20)

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Status string                         `json:"status"`
		Models map[string]service.ModelStatus `json:"models"`
		System *system.Stats                  `json:"system"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "degraded" {
		t.Errorf("status = %q, want degraded", body.Status)
	}
	if !body.Models["forgery"].Loaded || body.Models["stegano"].Loaded {
		t.Errorf("models = %+v", body.Models)
	}
	if body.System == nil || body.System.Goroutines != 3 {
		t.Errorf("system = %+v", body.System)
	}
}
