// Package ggml - GGUF Reader Funktionen
//
// Dieses Modul enthaelt:
// - File: Dekodiertes GGUF-File mit KV, Tensors und Daten
// - Decode/Open: Liest ein GGUF-File (V2+)
// - readGGUF[T]: Generische Funktion zum Lesen typisierter Werte
// - readGGUFString: String-Deserialisierung
// - readGGUFArray: Array-Deserialisierung
package ggml

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/x448/float16"
)

var ErrInvalidGGUF = errors.New("invalid gguf file")

// File ist ein vollstaendig dekodiertes GGUF-File
type File struct {
	Version uint32
	KV      KV
	Tensors []*Tensor

	data map[string][]float32
}

// Values gibt die Werte eines Tensors als float32 zurueck
func (f *File) Values(name string) ([]float32, *Tensor, bool) {
	for _, t := range f.Tensors {
		if t.Name == name {
			return f.data[name], t, true
		}
	}
	return nil, nil, false
}

// decoder liest sequentiell und zaehlt die gelesenen Bytes
type decoder struct {
	r       io.Reader
	n       int64
	scratch [16 << 10]byte
}

func (d *decoder) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	d.n += int64(n)
	return n, err
}

// Open liest das GGUF-File unter path
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Decode(f)
}

// Decode liest Header, KV, Tensor-Infos und Tensor-Daten
func Decode(r io.Reader) (*File, error) {
	d := &decoder{r: bufio.NewReader(r)}

	var magic [4]byte
	if _, err := io.ReadFull(d, magic[:]); err != nil {
		return nil, err
	}
	if string(magic[:]) != "GGUF" {
		return nil, fmt.Errorf("%w: magic %q", ErrInvalidGGUF, magic[:])
	}

	version, err := readGGUF[uint32](d)
	if err != nil {
		return nil, err
	}
	if version < 2 {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidGGUF, version)
	}

	numTensor, err := readGGUF[uint64](d)
	if err != nil {
		return nil, err
	}

	numKV, err := readGGUF[uint64](d)
	if err != nil {
		return nil, err
	}

	file := &File{Version: version, KV: make(KV, numKV), data: make(map[string][]float32, numTensor)}
	for range numKV {
		k, err := readGGUFString(d)
		if err != nil {
			return nil, err
		}

		t, err := readGGUF[uint32](d)
		if err != nil {
			return nil, err
		}

		v, err := readGGUFValue(d, t)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		file.KV[k] = v
	}

	for range numTensor {
		name, err := readGGUFString(d)
		if err != nil {
			return nil, err
		}

		dims, err := readGGUF[uint32](d)
		if err != nil {
			return nil, err
		}

		shape := make([]uint64, dims)
		for i := range shape {
			if shape[i], err = readGGUF[uint64](d); err != nil {
				return nil, err
			}
		}

		kind, err := readGGUF[uint32](d)
		if err != nil {
			return nil, err
		}

		offset, err := readGGUF[uint64](d)
		if err != nil {
			return nil, err
		}

		file.Tensors = append(file.Tensors, &Tensor{Name: name, Kind: kind, Shape: shape, Offset: offset})
	}

	alignment := int64(file.KV.Uint("general.alignment", 32))
	if _, err := io.CopyN(io.Discard, d, ggufPadding(d.n, alignment)); err != nil {
		return nil, err
	}

	// Tensors liegen nach Offset sortiert hintereinander
	start := d.n
	for _, t := range file.Tensors {
		if skip := start + int64(t.Offset) - d.n; skip > 0 {
			if _, err := io.CopyN(io.Discard, d, skip); err != nil {
				return nil, err
			}
		} else if skip < 0 {
			return nil, fmt.Errorf("%w: tensor %s overlaps previous data", ErrInvalidGGUF, t.Name)
		}

		values := make([]float32, t.Elements())
		switch t.Kind {
		case TensorTypeF32:
			if err := binary.Read(d, binary.LittleEndian, values); err != nil {
				return nil, err
			}
		case TensorTypeF16:
			u16s := make([]uint16, t.Elements())
			if err := binary.Read(d, binary.LittleEndian, u16s); err != nil {
				return nil, err
			}
			for i := range u16s {
				values[i] = float16.Frombits(u16s[i]).Float32()
			}
		default:
			return nil, fmt.Errorf("%w: tensor %s has unsupported kind %d", ErrInvalidGGUF, t.Name, t.Kind)
		}
		file.data[t.Name] = values
	}

	return file, nil
}

// readGGUF liest einen typisierten Wert aus dem Reader
func readGGUF[T any](r io.Reader) (T, error) {
	var t T
	err := binary.Read(r, binary.LittleEndian, &t)
	return t, err
}

// readGGUFString liest einen String aus dem Reader
func readGGUFString(d *decoder) (string, error) {
	length, err := readGGUF[uint64](d)
	if err != nil {
		return "", err
	}

	var buf []byte
	if length > uint64(len(d.scratch)) {
		buf = make([]byte, length)
	} else {
		buf = d.scratch[:length]
	}

	if _, err := io.ReadFull(d, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// readGGUFValue liest einen Wert vom Typ t
func readGGUFValue(d *decoder, t uint32) (any, error) {
	switch t {
	case ggufTypeUint8:
		return readGGUF[uint8](d)
	case ggufTypeInt8:
		return readGGUF[int8](d)
	case ggufTypeUint16:
		return readGGUF[uint16](d)
	case ggufTypeInt16:
		return readGGUF[int16](d)
	case ggufTypeUint32:
		return readGGUF[uint32](d)
	case ggufTypeInt32:
		return readGGUF[int32](d)
	case ggufTypeUint64:
		return readGGUF[uint64](d)
	case ggufTypeInt64:
		return readGGUF[int64](d)
	case ggufTypeFloat32:
		return readGGUF[float32](d)
	case ggufTypeFloat64:
		return readGGUF[float64](d)
	case ggufTypeBool:
		return readGGUF[bool](d)
	case ggufTypeString:
		return readGGUFString(d)
	case ggufTypeArray:
		return readGGUFArray(d)
	default:
		return nil, fmt.Errorf("%w: invalid type %d", ErrInvalidGGUF, t)
	}
}

// readGGUFArray liest ein Array mit Element-Typ und Laenge
func readGGUFArray(d *decoder) (any, error) {
	t, err := readGGUF[uint32](d)
	if err != nil {
		return nil, err
	}

	n, err := readGGUF[uint64](d)
	if err != nil {
		return nil, err
	}

	switch t {
	case ggufTypeInt32:
		return readGGUFSlice[int32](d, n)
	case ggufTypeInt64:
		return readGGUFSlice[int64](d, n)
	case ggufTypeUint32:
		return readGGUFSlice[uint32](d, n)
	case ggufTypeFloat32:
		return readGGUFSlice[float32](d, n)
	case ggufTypeBool:
		return readGGUFSlice[bool](d, n)
	case ggufTypeString:
		s := make([]string, n)
		for i := range s {
			if s[i], err = readGGUFString(d); err != nil {
				return nil, err
			}
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: invalid array type %d", ErrInvalidGGUF, t)
	}
}

func readGGUFSlice[T any](r io.Reader, n uint64) ([]T, error) {
	s := make([]T, n)
	err := binary.Read(r, binary.LittleEndian, s)
	return s, err
}
