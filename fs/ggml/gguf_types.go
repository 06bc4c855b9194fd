// Package ggml - GGUF Typen fuer Checkpoints
//
// Dieses Modul definiert:
// - ggufTypeUint8 bis ggufTypeFloat64: Identifikatoren der KV-Datentypen
// - TensorTypeF32/TensorTypeF16: Unterstuetzte Tensor-Typen
// - KV: Key-Value Metadaten mit typisierten Gettern
// - Tensor: Tensor-Metadaten mit optionalem Writer
package ggml

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
)

// GGUF Type Constants - Identifikatoren fuer die verschiedenen Datentypen
const (
	ggufTypeUint8 uint32 = iota
	ggufTypeInt8
	ggufTypeUint16
	ggufTypeInt16
	ggufTypeUint32
	ggufTypeInt32
	ggufTypeFloat32
	ggufTypeBool
	ggufTypeString
	ggufTypeArray
	ggufTypeUint64
	ggufTypeInt64
	ggufTypeFloat64
)

// Tensor-Typen (Teilmenge der GGML-Typen)
const (
	TensorTypeF32 uint32 = iota
	TensorTypeF16
)

// KV haelt die Metadaten eines GGUF-Files
// Schluessel ohne "general."-Prefix werden beim Schreiben mit der Architektur prefixed
type KV map[string]any

// Architecture gibt general.architecture zurueck
func (kv KV) Architecture() string {
	return kv.String("general.architecture")
}

// Keys gibt die Schluessel sortiert zurueck
func (kv KV) Keys() []string {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// lookup sucht einen Schluessel mit und ohne Architektur-Prefix
func (kv KV) lookup(key string) (any, bool) {
	if v, ok := kv[key]; ok {
		return v, true
	}
	v, ok := kv[kv.Architecture()+"."+key]
	return v, ok
}

// String gibt einen String-Wert zurueck
func (kv KV) String(key string, defaultValue ...string) string {
	if v, ok := kv.lookup(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return ""
}

// Uint gibt einen uint32-Wert zurueck
func (kv KV) Uint(key string, defaultValue ...uint32) uint32 {
	if v, ok := kv.lookup(key); ok {
		switch v := v.(type) {
		case uint32:
			return v
		case int32:
			return uint32(v)
		case uint64:
			return uint32(v)
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return 0
}

// Ints gibt ein int32-Array zurueck
func (kv KV) Ints(key string) []int32 {
	if v, ok := kv.lookup(key); ok {
		if s, ok := v.([]int32); ok {
			return s
		}
	}
	return nil
}

// Strings gibt ein String-Array zurueck
func (kv KV) Strings(key string) []string {
	if v, ok := kv.lookup(key); ok {
		if s, ok := v.([]string); ok {
			return s
		}
	}
	return nil
}

// Tensor beschreibt einen Tensor im GGUF-File
// Shape ist row-major, die erste Dimension variiert am langsamsten
type Tensor struct {
	Name   string   `json:"name"`
	Kind   uint32   `json:"kind"`
	Offset uint64   `json:"-"`
	Shape  []uint64 `json:"shape"`

	io.WriterTo `json:"-"`
}

// Elements gibt die Anzahl der Elemente zurueck
func (t Tensor) Elements() uint64 {
	n := uint64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// typeSize gibt die Bytes pro Element zurueck
func (t Tensor) typeSize() uint64 {
	switch t.Kind {
	case TensorTypeF16:
		return 2
	default:
		return 4
	}
}

// Size gibt die Groesse der Tensor-Daten in Bytes zurueck
func (t Tensor) Size() uint64 {
	return t.Elements() * t.typeSize()
}

func (t Tensor) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", t.Name),
		slog.String("kind", kindName(t.Kind)),
		slog.Any("shape", t.Shape),
	)
}

func kindName(kind uint32) string {
	switch kind {
	case TensorTypeF32:
		return "F32"
	case TensorTypeF16:
		return "F16"
	default:
		return fmt.Sprintf("unknown(%d)", kind)
	}
}
