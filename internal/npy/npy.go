// Package npy reads and writes float32 arrays in the NumPy .npy format
// (version 1.0, little endian, C order).
package npy

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unsafe"

	"github.com/edsrzf/mmap-go"
)

var magic = []byte("\x93NUMPY")

// ErrFormat reports a malformed or unsupported file.
var ErrFormat = errors.New("npy: unsupported format")

// Array is a dense float32 tensor in row-major order.
type Array struct {
	Shape []int
	Data  []float32
}

// Len returns the element count implied by Shape.
func (a *Array) Len() int {
	return product(a.Shape)
}

// Slice returns the i-th sub-array along the first axis without copying.
func (a *Array) Slice(i int) *Array {
	inner := product(a.Shape[1:])
	return &Array{Shape: append([]int(nil), a.Shape[1:]...), Data: a.Data[i*inner : (i+1)*inner]}
}

func product(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func header(shape []int) []byte {
	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = strconv.Itoa(d)
	}
	tuple := strings.Join(dims, ", ")
	if len(shape) == 1 {
		tuple += ","
	}
	dict := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%s), }", tuple)

	// magic(6) + version(2) + len(2) + dict + padding + '\n' is a multiple of 64.
	total := 10 + len(dict) + 1
	pad := (64 - total%64) % 64
	return []byte(dict + strings.Repeat(" ", pad) + "\n")
}

// Write encodes shape and data to w.
func Write(w io.Writer, shape []int, data []float32) error {
	if product(shape) != len(data) {
		return fmt.Errorf("npy: shape %v needs %d values, have %d", shape, product(shape), len(data))
	}
	hdr := header(shape)
	bw := bufio.NewWriter(w)
	bw.Write(magic)
	bw.Write([]byte{1, 0})
	binary.Write(bw, binary.LittleEndian, uint16(len(hdr)))
	bw.Write(hdr)

	buf := make([]byte, 4)
	for _, v := range data {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Encode returns the file image of the array.
func Encode(shape []int, data []float32) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(128 + 4*len(data))
	if err := Write(&buf, shape, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFile writes atomically via a temporary file in the same directory.
func WriteFile(path string, shape []int, data []float32) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*.npy")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := Write(tmp, shape, data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

type meta struct {
	descr  string
	shape  []int
	offset int
}

var (
	descrRe   = regexp.MustCompile(`'descr'\s*:\s*'([^']+)'`)
	fortranRe = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	shapeRe   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

func parseHeader(prefix []byte) (meta, error) {
	if len(prefix) < 10 || !bytes.Equal(prefix[:6], magic) {
		return meta{}, fmt.Errorf("%w: bad magic", ErrFormat)
	}
	var hlen, start int
	switch prefix[6] {
	case 1:
		hlen, start = int(binary.LittleEndian.Uint16(prefix[8:10])), 10
	case 2, 3:
		if len(prefix) < 12 {
			return meta{}, fmt.Errorf("%w: truncated header", ErrFormat)
		}
		hlen, start = int(binary.LittleEndian.Uint32(prefix[8:12])), 12
	default:
		return meta{}, fmt.Errorf("%w: version %d", ErrFormat, prefix[6])
	}
	if len(prefix) < start+hlen {
		return meta{}, fmt.Errorf("%w: truncated header", ErrFormat)
	}
	dict := string(prefix[start : start+hlen])

	m := meta{offset: start + hlen}
	if sm := descrRe.FindStringSubmatch(dict); sm != nil {
		m.descr = sm[1]
	} else {
		return meta{}, fmt.Errorf("%w: missing descr", ErrFormat)
	}
	if fm := fortranRe.FindStringSubmatch(dict); fm != nil && fm[1] == "True" {
		return meta{}, fmt.Errorf("%w: fortran order", ErrFormat)
	}
	sm := shapeRe.FindStringSubmatch(dict)
	if sm == nil {
		return meta{}, fmt.Errorf("%w: missing shape", ErrFormat)
	}
	for _, part := range strings.Split(sm[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil || d < 0 {
			return meta{}, fmt.Errorf("%w: shape %q", ErrFormat, sm[1])
		}
		m.shape = append(m.shape, d)
	}
	switch m.descr {
	case "<f4", "<f8", "|u1", "<i2", "<i4":
	default:
		return meta{}, fmt.Errorf("%w: dtype %s", ErrFormat, m.descr)
	}
	return m, nil
}

func itemSize(descr string) int {
	switch descr {
	case "<f8":
		return 8
	case "<f4", "<i4":
		return 4
	case "<i2":
		return 2
	default:
		return 1
	}
}

func decode(descr string, raw []byte, out []float32) {
	switch descr {
	case "<f4":
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	case "<f8":
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:])))
		}
	case "<i4":
		for i := range out {
			out[i] = float32(int32(binary.LittleEndian.Uint32(raw[4*i:])))
		}
	case "<i2":
		for i := range out {
			out[i] = float32(int16(binary.LittleEndian.Uint16(raw[2*i:])))
		}
	case "|u1":
		for i := range out {
			out[i] = float32(raw[i])
		}
	}
}

// Decode parses a complete file image.
func Decode(b []byte) (*Array, error) {
	m, err := parseHeader(b)
	if err != nil {
		return nil, err
	}
	n := product(m.shape)
	need := m.offset + n*itemSize(m.descr)
	if len(b) < need {
		return nil, fmt.Errorf("%w: truncated data (%d < %d bytes)", ErrFormat, len(b), need)
	}
	out := make([]float32, n)
	decode(m.descr, b[m.offset:need], out)
	return &Array{Shape: m.shape, Data: out}, nil
}

// ReadFile loads the whole file into memory.
func ReadFile(path string) (*Array, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	a, err := Decode(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return a, nil
}

// Mapped is a read-only memory-mapped array. Data aliases the mapping and
// must not be used after Close.
type Mapped struct {
	Array
	f *os.File
	m mmap.MMap
}

// Map opens path as a memory-mapped array. Little-endian float32 files are
// exposed without copying; other dtypes are decoded into a fresh slice.
func Map(path string) (*Mapped, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	mp := &Mapped{f: f, m: m}

	hdr, err := parseHeader(m)
	if err != nil {
		mp.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	n := product(hdr.shape)
	need := hdr.offset + n*itemSize(hdr.descr)
	if len(m) < need {
		mp.Close()
		return nil, fmt.Errorf("%s: %w: truncated data", path, ErrFormat)
	}
	mp.Shape = hdr.shape

	raw := m[hdr.offset:need]
	if hdr.descr == "<f4" && littleEndian && hdr.offset%4 == 0 && n > 0 {
		mp.Data = unsafe.Slice((*float32)(unsafe.Pointer(&raw[0])), n)
	} else {
		mp.Data = make([]float32, n)
		decode(hdr.descr, raw, mp.Data)
	}
	return mp, nil
}

// Close unmaps the file.
func (mp *Mapped) Close() error {
	mp.Data = nil
	var errs []error
	if mp.m != nil {
		errs = append(errs, mp.m.Unmap())
		mp.m = nil
	}
	if mp.f != nil {
		errs = append(errs, mp.f.Close())
		mp.f = nil
	}
	return errors.Join(errs...)
}

var littleEndian = binary.NativeEndian.Uint16([]byte{1, 0}) == 1
