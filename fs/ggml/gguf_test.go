package ggml

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestWriteGGUF(t *testing.T) {
	w, err := NewTensor("aff.weight", TensorTypeF32, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewTensor("aff.bias", TensorTypeF16, []float32{0.5, -1.25}, 2)
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "3.gguf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}

	kv := KV{
		"general.architecture": "shift-linear",
		"general.name":         "test",
		"iteration":            uint64(3),
		"offsets":              []int32{0, 1, 1, 0},
		"axes":                 []string{"y", "x"},
	}
	if err := WriteGGUF(f, kv, []*Tensor{w, b}); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	file, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	if got := file.KV.Architecture(); got != "shift-linear" {
		t.Errorf("Architecture = %q", got)
	}
	if diff := cmp.Diff([]int32{0, 1, 1, 0}, file.KV.Ints("offsets")); diff != "" {
		t.Errorf("offsets (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"y", "x"}, file.KV.Strings("shift-linear.axes")); diff != "" {
		t.Errorf("axes (-want +got):\n%s", diff)
	}
	if got := file.KV["shift-linear.iteration"]; got != uint64(3) {
		t.Errorf("iteration = %v", got)
	}

	values, tensor, ok := file.Values("aff.weight")
	if !ok {
		t.Fatal("aff.weight fehlt")
	}
	if diff := cmp.Diff([]uint64{2, 3}, tensor.Shape); diff != "" {
		t.Errorf("shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{1, 2, 3, 4, 5, 6}, values); diff != "" {
		t.Errorf("aff.weight (-want +got):\n%s", diff)
	}

	values, _, ok = file.Values("aff.bias")
	if !ok {
		t.Fatal("aff.bias fehlt")
	}
	if diff := cmp.Diff([]float32{0.5, -1.25}, values, cmpopts.EquateApprox(0, 1e-3)); diff != "" {
		t.Errorf("aff.bias (-want +got):\n%s", diff)
	}
}

func TestWriteGGUFErrors(t *testing.T) {
	if _, err := NewTensor("x", TensorTypeF32, []float32{1}, 2); err == nil {
		t.Error("erwartet Fehler bei falscher Elementanzahl")
	}

	f, err := os.Create(filepath.Join(t.TempDir(), "x.gguf"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if err := WriteGGUF(f, KV{}, nil); err == nil {
		t.Error("erwartet Fehler ohne Architektur")
	}
}

func TestDecodeInvalid(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte("GGML\x03\x00\x00\x00")))
	if !errors.Is(err, ErrInvalidGGUF) {
		t.Errorf("erwartet ErrInvalidGGUF, bekommen %v", err)
	}
}
