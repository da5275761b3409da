package uploader

import (
	"errors"
	"fmt"
)

// DefaultPartSize is the upload part size used when none is configured.
const DefaultPartSize int64 = 10 * 1024 * 1024

var ErrEmptyCapture = errors.New("capture is empty")

// Range is the half-open byte range [Start, End) of one upload part.
type Range struct {
	PartNumber int32
	Start      int64
	End        int64
}

func (r Range) Len() int64 { return r.End - r.Start }

// Split partitions totalBytes into ceil(totalBytes/partSize) ranges. Only the
// final range may be shorter than partSize.
func Split(totalBytes, partSize int64) ([]Range, error) {
	if partSize <= 0 {
		return nil, fmt.Errorf("part size must be positive, got %d", partSize)
	}
	if totalBytes <= 0 {
		return nil, ErrEmptyCapture
	}

	count := (totalBytes + partSize - 1) / partSize
	ranges := make([]Range, 0, count)
	for i := int64(0); i < count; i++ {
		start := i * partSize
		end := min(start+partSize, totalBytes)
		ranges = append(ranges, Range{PartNumber: int32(i + 1), Start: start, End: end})
	}
	return ranges, nil
}

// SplitBuffer returns buf sliced by Split. The parts share buf's memory.
func SplitBuffer(buf []byte, partSize int64) ([][]byte, error) {
	ranges, err := Split(int64(len(buf)), partSize)
	if err != nil {
		return nil, err
	}
	parts := make([][]byte, len(ranges))
	for i, r := range ranges {
		parts[i] = buf[r.Start:r.End:r.End]
	}
	return parts, nil
}
