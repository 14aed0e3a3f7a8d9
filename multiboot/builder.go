package multiboot

import "encoding/binary"

// Builder assembles a multiboot2 information structure. It is used by boot
// loader emulation in tools and tests.
type Builder struct {
	tags []byte
}

// AddCmdLine appends a boot command line tag.
func (b *Builder) AddCmdLine(cmdLine string) *Builder {
	return b.addTag(tagBootCmdLine, append([]byte(cmdLine), 0))
}

// AddBootLoaderName appends a boot loader name tag.
func (b *Builder) AddBootLoaderName(name string) *Builder {
	return b.addTag(tagBootLoaderName, append([]byte(name), 0))
}

// AddBasicMemInfo appends a basic memory information tag. Both values are
// expressed in kilobytes.
func (b *Builder) AddBasicMemInfo(lowerKb, upperKb uint32) *Builder {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload, lowerKb)
	binary.LittleEndian.PutUint32(payload[4:], upperKb)
	return b.addTag(tagBasicMemoryInfo, payload)
}

// AddMemoryMap appends a memory map tag with the supplied entries.
func (b *Builder) AddMemoryMap(entries ...MemoryMapEntry) *Builder {
	payload := make([]byte, mmapHeaderSize+len(entries)*mmapEntrySize)
	binary.LittleEndian.PutUint32(payload, mmapEntrySize)

	for index, entry := range entries {
		cur := payload[mmapHeaderSize+index*mmapEntrySize:]
		binary.LittleEndian.PutUint64(cur, entry.PhysAddress)
		binary.LittleEndian.PutUint64(cur[8:], entry.Length)
		binary.LittleEndian.PutUint32(cur[16:], uint32(entry.Type))
	}
	return b.addTag(tagMemoryMap, payload)
}

// Bytes returns the encoded information structure including the end tag.
func (b *Builder) Bytes() []byte {
	data := make([]byte, infoHeaderSize, infoHeaderSize+len(b.tags)+tagHeaderSize)
	data = append(data, b.tags...)
	data = appendTag(data, tagMbSectionEnd, nil)
	binary.LittleEndian.PutUint32(data, uint32(len(data)))
	return data
}

func (b *Builder) addTag(t tagType, payload []byte) *Builder {
	b.tags = appendTag(b.tags, t, payload)
	return b
}

// appendTag appends a tag header and payload to data and pads the result to
// an 8-byte boundary.
func appendTag(data []byte, t tagType, payload []byte) []byte {
	var hdr [tagHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(t))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(tagHeaderSize+len(payload)))

	data = append(data, hdr[:]...)
	data = append(data, payload...)
	for len(data)%8 != 0 {
		data = append(data, 0)
	}
	return data
}
