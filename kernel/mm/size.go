package mm

import (
	"strconv"
	"strings"

	"pmos/kernel"
)

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

var errInvalidSize = &kernel.Error{Module: "mm", Message: "invalid memory size"}

// Pages returns the number of pages that are required for storing this size.
func (s Size) Pages() uint32 {
	pageSizeMinus1 := Size(PageSize - 1)
	return uint32(((s + pageSizeMinus1) &^ pageSizeMinus1) >> PageShift)
}

// String formats the size using the largest unit that divides it exactly.
func (s Size) String() string {
	switch {
	case s != 0 && s%Gb == 0:
		return strconv.FormatUint(uint64(s/Gb), 10) + "G"
	case s != 0 && s%Mb == 0:
		return strconv.FormatUint(uint64(s/Mb), 10) + "M"
	case s != 0 && s%Kb == 0:
		return strconv.FormatUint(uint64(s/Kb), 10) + "K"
	default:
		return strconv.FormatUint(uint64(s), 10)
	}
}

// ParseSize converts a boot command line size value such as "16M", "512k",
// "0x100000" or "4096" into a Size.
func ParseSize(v string) (Size, *kernel.Error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, errInvalidSize
	}

	mul := Byte
	switch v[len(v)-1] {
	case 'k', 'K':
		mul = Kb
	case 'm', 'M':
		mul = Mb
	case 'g', 'G':
		mul = Gb
	}
	if mul != Byte {
		v = v[:len(v)-1]
	}

	n, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return 0, errInvalidSize
	}

	return Size(n) * mul, nil
}
