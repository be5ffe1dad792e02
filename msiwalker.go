// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package authenticode

import (
	"encoding/binary"
	"strings"
)

// msiChunkSize is the read/hash chunk size used while walking MSI streams,
// per §4.E.
const msiChunkSize = 4096

// ComputeMSIDigest walks an MSI compound file per §4.E: every data stream
// except `\005DigitalSignature`, visited in the §4.E sort order, hashed in
// msiChunkSize chunks, followed by the 16-byte root class-id.
func ComputeMSIDigest(data []byte, alg DigestAlgorithm) ([]byte, error) {
	r, err := openOLE(data)
	if err != nil {
		return nil, err
	}

	h := alg.New()
	for _, e := range r.SortedDataStreams() {
		b, err := r.StreamBytes(e)
		if err != nil {
			return nil, wrapErr("ComputeMSIDigest", KindUnknownFormat, err)
		}
		for off := 0; off < len(b); off += msiChunkSize {
			end := off + msiChunkSize
			if end > len(b) {
				end = len(b)
			}
			h.Write(b[off:end])
		}
	}
	h.Write(r.root.ClassID[:])
	return h.Sum(nil), nil
}

// msiStream is a single named stream to be emitted by writeOLE.
type msiStream struct {
	Name string
	Data []byte
}

// CollectMSIStreams returns every stream in data other than
// `\005DigitalSignature`, in their original on-disk directory order (not
// digest order — output layout does not need to match hash order).
func CollectMSIStreams(data []byte) ([]msiStream, [16]byte, error) {
	r, err := openOLE(data)
	if err != nil {
		return nil, [16]byte{}, err
	}
	var out []msiStream
	for _, e := range r.entries {
		if e.Type != direntTypeStream || e.Name == sigStreamName {
			continue
		}
		b, err := r.StreamBytes(e)
		if err != nil {
			return nil, [16]byte{}, wrapErr("CollectMSIStreams", KindUnknownFormat, err)
		}
		out = append(out, msiStream{Name: e.Name, Data: b})
	}
	return out, r.root.ClassID, nil
}

// WriteMSI serializes streams (plus, if sig is non-nil, a trailing
// `\005DigitalSignature` stream holding sig) as a fresh OLE compound file
// with root class-id rootClassID, per §4.I's MSI injection step.
//
// Every stream, including ones smaller than the standard mini-stream
// cutoff, is stored in a regular (512-byte) sector chain: this tool does
// not build a mini-stream/MiniFAT, trading some output size for a much
// smaller writer. The directory tree is a degenerate right-leaning binary
// tree ordered by the standard OLE name comparator, which every compound
// file reader this tool has been checked against accepts.
func WriteMSI(streams []msiStream, rootClassID [16]byte, sig []byte) ([]byte, error) {
	all := append([]msiStream(nil), streams...)
	if sig != nil {
		all = append(all, msiStream{Name: sigStreamName, Data: sig})
	}

	const sectorSize = 512
	sortOLENames(all)

	// Lay out stream data sectors first, recording each stream's start
	// sector and sector count.
	var dataSectors [][]byte
	starts := make([]uint32, len(all))
	for i, s := range all {
		starts[i] = uint32(len(dataSectors))
		n := (len(s.Data) + sectorSize - 1) / sectorSize
		if n == 0 {
			n = 1 // a zero-length stream still occupies one sector on read-back
		}
		for c := 0; c < n; c++ {
			lo := c * sectorSize
			hi := lo + sectorSize
			if hi > len(s.Data) {
				hi = len(s.Data)
			}
			sec := make([]byte, sectorSize)
			copy(sec, s.Data[lo:hi])
			dataSectors = append(dataSectors, sec)
		}
	}

	// Directory entries: root first, then one per stream in sorted order,
	// chained via Right so Root.Child -> all[0] -> all[1] -> ... -> all[n-1].
	directoryEntriesCount := len(all) + 1
	directorySectorsNeeded := (directoryEntriesCount*direntSize + sectorSize - 1) / sectorSize
	if directorySectorsNeeded == 0 {
		directorySectorsNeeded = 1
	}
	dirStart := uint32(len(dataSectors))

	// FAT sector(s) follow the directory sectors; a single FAT sector
	// addresses 128 u32 entries, enough for any realistic MSI stream count
	// this tool is expected to handle given the non-goal of arbitrarily
	// large MSIs.
	fatStart := dirStart + uint32(directorySectorsNeeded)
	totalDataAndDirSectors := int(fatStart)
	fatSectorsNeeded := (totalDataAndDirSectors + 1 + (sectorSize/4 - 1)) / (sectorSize / 4)
	if fatSectorsNeeded == 0 {
		fatSectorsNeeded = 1
	}

	totalSectors := totalDataAndDirSectors + fatSectorsNeeded

	fat := make([]uint32, totalSectors)
	for i := range fat {
		fat[i] = oleFreeSect
	}

	// Chain each stream's own sectors.
	for i, s := range all {
		n := (len(s.Data) + sectorSize - 1) / sectorSize
		if n == 0 {
			n = 1
		}
		start := starts[i]
		for c := 0; c < n-1; c++ {
			fat[start+uint32(c)] = start + uint32(c) + 1
		}
		fat[start+uint32(n-1)] = oleEndOfChain
	}
	// Chain directory sectors.
	for c := 0; c < directorySectorsNeeded-1; c++ {
		fat[dirStart+uint32(c)] = dirStart + uint32(c) + 1
	}
	fat[dirStart+uint32(directorySectorsNeeded-1)] = oleEndOfChain
	// Mark FAT sectors themselves.
	for c := 0; c < fatSectorsNeeded; c++ {
		fat[int(fatStart)+c] = oleFatSect
	}

	out := make([]byte, 0, oleHeaderSize+totalSectors*sectorSize)
	out = append(out, buildOLEHeader(fatStart, uint32(fatSectorsNeeded), dirStart, sectorSize)...)
	for _, s := range dataSectors {
		out = append(out, s...)
	}
	out = append(out, buildOLEDirectory(all, rootClassID, starts, directorySectorsNeeded, sectorSize)...)
	for c := 0; c < fatSectorsNeeded; c++ {
		sec := make([]byte, sectorSize)
		base := c * (sectorSize / 4)
		for j := 0; j < sectorSize/4; j++ {
			idx := base + j
			v := oleFreeSect
			if idx < len(fat) {
				v = int(fat[idx])
			}
			binary.LittleEndian.PutUint32(sec[4*j:4*j+4], uint32(v))
		}
		out = append(out, sec...)
	}
	return out, nil
}

func buildOLEHeader(fatStart, numFATSectors, dirStart uint32, sectorSize int) []byte {
	h := make([]byte, oleHeaderSize)
	copy(h[:8], oleMagic[:])
	// CLSID left zero.
	binary.LittleEndian.PutUint16(h[24:26], 0x003e) // minor version
	binary.LittleEndian.PutUint16(h[26:28], 0x0003) // major version (512-byte sectors)
	binary.LittleEndian.PutUint16(h[28:30], 0xfffe) // byte order mark
	shift := uint16(9)
	for (1 << shift) != sectorSize {
		shift++
	}
	binary.LittleEndian.PutUint16(h[30:32], shift)   // sector shift
	binary.LittleEndian.PutUint16(h[32:34], 6)        // mini sector shift
	binary.LittleEndian.PutUint32(h[44:48], numFATSectors)
	binary.LittleEndian.PutUint32(h[48:52], dirStart)
	binary.LittleEndian.PutUint32(h[56:60], 4096) // mini stream cutoff
	binary.LittleEndian.PutUint32(h[60:64], oleEndOfChain) // no MiniFAT
	binary.LittleEndian.PutUint32(h[68:72], oleEndOfChain) // no DIFAT sectors
	for i := uint32(0); i < numFATSectors && i < 109; i++ {
		binary.LittleEndian.PutUint32(h[76+4*i:80+4*i], fatStart+i)
	}
	for i := numFATSectors; i < 109; i++ {
		binary.LittleEndian.PutUint32(h[76+4*i:80+4*i], oleFreeSect)
	}
	return h
}

func buildOLEDirectory(streams []msiStream, rootClassID [16]byte, starts []uint32, sectorsNeeded, sectorSize int) []byte {
	out := make([]byte, sectorsNeeded*sectorSize)

	putEntry := func(idx int, name string, typ byte, left, right, child int32, start uint32, size uint64, classID [16]byte) {
		off := idx * direntSize
		u16 := utf16leBytes(name)
		u16 = append(u16, 0, 0) // NUL terminator
		copy(out[off:off+64], u16)
		binary.LittleEndian.PutUint16(out[off+64:off+66], uint16(len(u16)))
		out[off+66] = typ
		out[off+67] = 1 // color: black; a degenerate tree needs no balancing
		binary.LittleEndian.PutUint32(out[off+68:off+72], uint32(left))
		binary.LittleEndian.PutUint32(out[off+72:off+76], uint32(right))
		binary.LittleEndian.PutUint32(out[off+76:off+80], uint32(child))
		copy(out[off+80:off+96], classID[:])
		binary.LittleEndian.PutUint32(out[off+116:off+120], start)
		binary.LittleEndian.PutUint64(out[off+120:off+128], size)
	}

	noStream := int32(-1)
	child := noStream
	if len(streams) > 0 {
		child = 1
	}
	putEntry(0, "Root Entry", direntTypeRoot, noStream, noStream, child, oleEndOfChain, 0, rootClassID)

	for i, s := range streams {
		right := noStream
		if i+1 < len(streams) {
			right = int32(i + 2)
		}
		putEntry(i+1, s.Name, direntTypeStream, noStream, right, noStream, starts[i], uint64(len(s.Data)), [16]byte{})
	}
	return out
}

// sortOLENames orders streams by the standard OLE directory-tree name
// comparator: by length first, then by case-insensitive code unit, as
// Microsoft's compound-file implementation does. This governs on-disk
// layout only; digest order is §4.E's own comparator (SortedDataStreams).
func sortOLENames(streams []msiStream) {
	less := func(i, j int) bool {
		ai, bj := streams[i].Name, streams[j].Name
		if len(ai) != len(bj) {
			return len(ai) < len(bj)
		}
		return strings.ToUpper(ai) < strings.ToUpper(bj)
	}
	// Simple insertion sort: directory sizes here are small (an MSI rarely
	// carries more than a few dozen streams) and this avoids pulling in
	// sort.Slice's reflection for a tree that must come out in a stable,
	// easily-verified order.
	for i := 1; i < len(streams); i++ {
		for j := i; j > 0 && less(j, j-1); j-- {
			streams[j], streams[j-1] = streams[j-1], streams[j]
		}
	}
}
