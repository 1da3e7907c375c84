package ide

// identifyWords builds a synthetic ATA IDENTIFY DEVICE buffer (256
// 16-bit words) for the given media, populated with exactly the
// fields spec.md §4.3 says the probe reads: word 60-61 for the
// LBA28 sector count, bit 10 of word 83 plus words 100-103 for LBA48,
// and the ASCII model/serial/firmware strings (byte-swapped, per the
// ATA convention).
func identifyWords(m BlockMedia) [256]uint16 {
	var w [256]uint16

	packATAString(w[10:20], m.Serial())
	packATAString(w[23:27], m.Firmware())
	packATAString(w[27:47], m.Model())

	sc := m.SectorCount()
	if sc > 0x0FFFFFFF {
		sc = 0x0FFFFFFF
	}
	w[60] = uint16(sc & 0xFFFF)
	w[61] = uint16(sc >> 16)

	if m.SectorCount() >= (1 << 28) {
		w[83] |= 1 << 10
		full := m.SectorCount()
		w[100] = uint16(full)
		w[101] = uint16(full >> 16)
		w[102] = uint16(full >> 32)
		w[103] = uint16(full >> 48)
	}
	return w
}

// packATAString writes s, space-padded/truncated to len(words)*2
// bytes, into words using the ATA byte-swapped convention: each word
// holds two characters with the first character in the high byte.
func packATAString(words []uint16, s string) {
	buf := make([]byte, len(words)*2)
	for i := range buf {
		buf[i] = ' '
	}
	copy(buf, s)
	for i := range words {
		words[i] = uint16(buf[2*i])<<8 | uint16(buf[2*i+1])
	}
}

// unpackATAString is the inverse of packATAString, trimmed of
// trailing spaces the way a real driver trims IDENTIFY strings.
func unpackATAString(words []uint16) string {
	buf := make([]byte, 0, len(words)*2)
	for _, w := range words {
		buf = append(buf, byte(w>>8), byte(w))
	}
	i := len(buf)
	for i > 0 && buf[i-1] == ' ' {
		i--
	}
	return string(buf[:i])
}

func identifySectorCount(w [256]uint16) (count uint64, lba48 bool) {
	if w[83]&(1<<10) != 0 {
		full := uint64(w[100]) | uint64(w[101])<<16 | uint64(w[102])<<32 | uint64(w[103])<<48
		return full, true
	}
	return uint64(w[60]) | uint64(w[61])<<16, false
}
