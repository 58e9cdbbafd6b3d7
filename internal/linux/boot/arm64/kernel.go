package arm64

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrUnsupportedFormat is returned for images without the arm64 Image
	// header, raw or gzip compressed.
	ErrUnsupportedFormat = errors.New("arm64: unsupported kernel format")
	// ErrTooLarge is returned when the kernel, initrd and device tree do not
	// fit into guest RAM.
	ErrTooLarge = errors.New("arm64: image does not fit in guest RAM")
)

// KernelImage is an arm64 Image held in host memory.
type KernelImage struct {
	Header     Header
	Compressed bool
	payload    []byte
}

// LoadKernel reads a raw Image or an Image.gz, with or without a stub in
// front of the gzip stream. Big-endian kernels are refused.
func LoadKernel(reader io.ReaderAt, size int64) (*KernelImage, error) {
	img, err := findImage(reader, size)
	if err != nil {
		if errors.Is(err, errNoHeader) {
			return nil, fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
		}
		return nil, err
	}
	if img.header.BigEndian() {
		return nil, fmt.Errorf("%w: big-endian kernel", ErrUnsupportedFormat)
	}

	payload, err := img.payload(reader, size)
	if err != nil {
		return nil, err
	}
	// The stream header matched; a payload shorter than it is truncated.
	if len(payload) < headerSize {
		return nil, fmt.Errorf("%w: Image of %d bytes", ErrUnsupportedFormat, len(payload))
	}

	return &KernelImage{Header: img.header, Compressed: img.compressed, payload: payload}, nil
}

// Payload returns the raw Image bytes as they should appear in guest RAM.
func (k *KernelImage) Payload() []byte {
	if k == nil {
		return nil
	}
	return k.payload
}

// footprint is the number of bytes the kernel occupies once running,
// including its bss.
func (k *KernelImage) footprint() uint64 {
	return max(uint64(len(k.payload)), k.Header.ImageSize)
}
