package model

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
)

// Parameter is one named weight tensor of a checkpoint.
type Parameter struct {
	Shape []int64
	Data  []float32
}

// StateDict maps parameter names (e.g. "fc.weight") to their values.
type StateDict map[string]Parameter

func (sd StateDict) Names() []string {
	names := make([]string, 0, len(sd))
	for name := range sd {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Checkpoints use the safetensors layout: a little-endian uint64 header
// length, a JSON header, then the raw tensor bytes. Only F32 is supported.

const maxHeaderSize = 100 << 20

type tensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

func ReadCheckpoint(path string) (StateDict, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat checkpoint: %w", err)
	}

	sd, err := DecodeCheckpoint(bufio.NewReader(f), fi.Size())
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	return sd, nil
}

// DecodeCheckpoint reads a checkpoint of size bytes from r. Header offsets
// pointing past size are rejected before any tensor data is allocated.
func DecodeCheckpoint(r io.Reader, size int64) (StateDict, error) {
	var headerLen uint64
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("failed to read header length: %w", err)
	}
	if headerLen == 0 || headerLen > maxHeaderSize || int64(headerLen) > size-8 {
		return nil, fmt.Errorf("invalid header length %d", headerLen)
	}
	dataSize := size - 8 - int64(headerLen)

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(header, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}
	delete(raw, "__metadata__")

	infos := make(map[string]tensorInfo, len(raw))
	var end int64
	for name, msg := range raw {
		var info tensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		if info.DType != "F32" {
			return nil, fmt.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
		}
		begin, stop := info.DataOffsets[0], info.DataOffsets[1]
		vol := volumeOf(info.Shape)
		if vol < 0 || begin < 0 || stop < begin || stop-begin != vol*4 {
			return nil, fmt.Errorf("tensor %s: offsets %v do not match shape %v", name, info.DataOffsets, info.Shape)
		}
		if stop > dataSize {
			return nil, fmt.Errorf("tensor %s: offsets %v exceed %d data bytes", name, info.DataOffsets, dataSize)
		}
		if stop > end {
			end = stop
		}
		infos[name] = info
	}

	data := make([]byte, end)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read tensor data: %w", err)
	}

	sd := make(StateDict, len(infos))
	for name, info := range infos {
		buf := data[info.DataOffsets[0]:info.DataOffsets[1]]
		values := make([]float32, len(buf)/4)
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
		sd[name] = Parameter{Shape: append([]int64(nil), info.Shape...), Data: values}
	}
	return sd, nil
}

// volumeOf is like volume but treats an empty shape as a scalar. It returns
// -1 for negative dimensions and for element counts whose F32 byte size would
// overflow int64.
func volumeOf(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		if d < 0 || (d > 0 && n > math.MaxInt64/4/d) {
			return -1
		}
		n *= d
	}
	return n
}
