// Package multiboot parses the multiboot2 information structure handed to the
// kernel by the boot loader.
package multiboot

import (
	"encoding/binary"
	"strings"

	"pmos/kernel"
)

var (
	errInfoTruncated = &kernel.Error{Module: "multiboot", Message: "multiboot info data is truncated"}
	errInfoMalformed = &kernel.Error{Module: "multiboot", Message: "multiboot info contains a malformed tag"}
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

const (
	// infoHeaderSize is the size of the total_size and reserved fields
	// that precede the first tag.
	infoHeaderSize = 8

	// tagHeaderSize is the size of the type and size fields that precede
	// each tag's contents.
	tagHeaderSize = 8

	// mmapHeaderSize is the size of the entry_size and entry_version
	// fields that precede memory map entries.
	mmapHeaderSize = 8

	// mmapEntrySize is the size of a memory map entry.
	mmapEntrySize = 24
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// Info provides access to a multiboot2 information structure.
type Info struct {
	data      []byte
	cmdLineKV map[string]string
}

// NewInfo validates the tag list in data and returns an Info for it.
func NewInfo(data []byte) (*Info, *kernel.Error) {
	if len(data) < infoHeaderSize {
		return nil, errInfoTruncated
	}

	totalSize := binary.LittleEndian.Uint32(data)
	if totalSize < infoHeaderSize || uint64(totalSize) > uint64(len(data)) {
		return nil, errInfoTruncated
	}

	info := &Info{data: data[:totalSize]}

	// Walk the tag list once so that accessors never run past the end.
	for offset := uint32(infoHeaderSize); ; {
		if offset+tagHeaderSize > totalSize {
			return nil, errInfoMalformed
		}

		curType, size := info.tagHeader(offset)
		if size < tagHeaderSize || offset+size > totalSize {
			return nil, errInfoMalformed
		}

		if curType == tagMbSectionEnd {
			break
		}

		// Tags are aligned at 8-byte aligned addresses
		offset += (size + 7) &^ 7
	}

	return info, nil
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func (i *Info) VisitMemRegions(visitor MemRegionVisitor) {
	payload := i.findTagByType(tagMemoryMap)
	if len(payload) < mmapHeaderSize {
		return
	}

	entrySize := binary.LittleEndian.Uint32(payload)
	if entrySize < mmapEntrySize-4 {
		return
	}

	var entry MemoryMapEntry
	for cur := payload[mmapHeaderSize:]; uint32(len(cur)) >= entrySize; cur = cur[entrySize:] {
		entry.PhysAddress = binary.LittleEndian.Uint64(cur)
		entry.Length = binary.LittleEndian.Uint64(cur[8:])
		entry.Type = MemoryEntryType(binary.LittleEndian.Uint32(cur[16:]))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// BasicMemInfo returns the amount of lower and upper memory in kilobytes as
// reported by the boot loader. Upper memory starts at 1M. The last return
// value is false if the boot loader did not supply the information.
func (i *Info) BasicMemInfo() (lowerKb, upperKb uint32, ok bool) {
	payload := i.findTagByType(tagBasicMemoryInfo)
	if len(payload) < 8 {
		return 0, 0, false
	}

	return binary.LittleEndian.Uint32(payload), binary.LittleEndian.Uint32(payload[4:]), true
}

// BootLoaderName returns the name of the boot loader or an empty string if
// it was not supplied.
func (i *Info) BootLoaderName() string {
	return cString(i.findTagByType(tagBootLoaderName))
}

// CmdLine returns the command line key-value pairs passed to the kernel.
// Flags without a value (e.g. "nofoo") map to their own name.
func (i *Info) CmdLine() map[string]string {
	if i.cmdLineKV != nil {
		return i.cmdLineKV
	}

	i.cmdLineKV = make(map[string]string)

	pairs := strings.Fields(cString(i.findTagByType(tagBootCmdLine)))
	for _, pair := range pairs {
		kv := strings.Split(pair, "=")
		switch len(kv) {
		case 2: // foo=bar
			i.cmdLineKV[kv[0]] = kv[1]
		case 1: // nofoo
			i.cmdLineKV[kv[0]] = kv[0]
		}
	}

	return i.cmdLineKV
}

func (i *Info) tagHeader(offset uint32) (tagType, uint32) {
	return tagType(binary.LittleEndian.Uint32(i.data[offset:])), binary.LittleEndian.Uint32(i.data[offset+4:])
}

// findTagByType scans the multiboot info data looking for the first tag of
// the specified type and returns its contents excluding the tag header. A nil
// slice is returned if the tag is not present.
func (i *Info) findTagByType(want tagType) []byte {
	for offset := uint32(infoHeaderSize); ; {
		curType, size := i.tagHeader(offset)
		if curType == tagMbSectionEnd {
			return nil
		}

		if curType == want {
			return i.data[offset+tagHeaderSize : offset+size]
		}

		offset += (size + 7) &^ 7
	}
}

// cString converts a NULL-terminated string to a Go string.
func cString(b []byte) string {
	for index, c := range b {
		if c == 0 {
			return string(b[:index])
		}
	}
	return string(b)
}
