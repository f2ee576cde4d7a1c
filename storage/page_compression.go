package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
)

// CompressionType represents the compression algorithm used
type CompressionType uint8

const (
	CompressionNone   CompressionType = 0
	CompressionLZ4    CompressionType = 1
	CompressionSnappy CompressionType = 2
)

// String returns the configuration name of the algorithm
func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionSnappy:
		return "snappy"
	default:
		return fmt.Sprintf("compression(%d)", uint8(ct))
	}
}

// ParseCompressionType maps a configuration name to an algorithm
func ParseCompressionType(name string) (CompressionType, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "snappy":
		return CompressionSnappy, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression algorithm: %q", name)
	}
}

// Compressed page frame layout:
// [0-1]: Magic number (0xC0DE)
// [2]: Compression type (1=LZ4, 2=Snappy)
// [3]: Reserved
// [4-5]: Uncompressed size
// [6-7]: Compressed size
// [8-11]: CRC32 of the uncompressed page
// [12+]: Compressed data, zero padded to PageSize

const (
	CompressedPageMagic     = 0xC0DE
	CompressedHeaderSize    = 12
	MinCompressionThreshold = 100 // Minimum bytes saved to use compression
)

// CompressedPage represents a compressed page with metadata
type CompressedPage struct {
	CompressionType  CompressionType
	UncompressedSize uint16
	CompressedSize   uint16
	CompressedData   []byte
	OriginalChecksum uint32
}

// CompressPage compresses a page image. It returns nil when the page is not
// worth compressing or the framed result would not fit in one page.
func CompressPage(data []byte, compressionType CompressionType) (*CompressedPage, error) {
	if len(data) != PageSize {
		return nil, fmt.Errorf("page data must be exactly %d bytes, got %d", PageSize, len(data))
	}

	compressed, err := compressBlock(data, compressionType)
	if err != nil || compressed == nil {
		return nil, err
	}
	if len(data)-len(compressed) < MinCompressionThreshold {
		return nil, nil
	}
	return newCompressedPage(data, compressed, compressionType), nil
}

// compressBlock returns the compressed bytes, or nil if the block does not
// compress at all or the framed result would not fit in one page
func compressBlock(data []byte, compressionType CompressionType) ([]byte, error) {
	var compressed []byte
	switch compressionType {
	case CompressionNone:
		return nil, nil

	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, fmt.Errorf("LZ4 compression failed: %w", err)
		}
		// n == 0 means the block is incompressible
		if n == 0 {
			return nil, nil
		}
		compressed = buf[:n]

	case CompressionSnappy:
		compressed = snappy.Encode(nil, data)

	default:
		return nil, fmt.Errorf("unsupported compression type: %d", compressionType)
	}

	if CompressedHeaderSize+len(compressed) > PageSize {
		return nil, nil
	}
	return compressed, nil
}

func newCompressedPage(data, compressed []byte, compressionType CompressionType) *CompressedPage {
	return &CompressedPage{
		CompressionType:  compressionType,
		UncompressedSize: uint16(len(data)),
		CompressedSize:   uint16(len(compressed)),
		CompressedData:   compressed,
		OriginalChecksum: crc32.ChecksumIEEE(data),
	}
}

// DecompressPage restores the page image and verifies its checksum
func DecompressPage(cp *CompressedPage) ([]byte, error) {
	var decompressed []byte

	switch cp.CompressionType {
	case CompressionLZ4:
		decompressed = make([]byte, cp.UncompressedSize)
		n, err := lz4.UncompressBlock(cp.CompressedData, decompressed)
		if err != nil {
			return nil, fmt.Errorf("LZ4 decompression failed: %w", err)
		}
		if n != int(cp.UncompressedSize) {
			return nil, fmt.Errorf("LZ4 decompression size mismatch: got %d, expected %d", n, cp.UncompressedSize)
		}

	case CompressionSnappy:
		var err error
		decompressed, err = snappy.Decode(nil, cp.CompressedData)
		if err != nil {
			return nil, fmt.Errorf("snappy decompression failed: %w", err)
		}
		if len(decompressed) != int(cp.UncompressedSize) {
			return nil, fmt.Errorf("snappy decompression size mismatch: got %d, expected %d", len(decompressed), cp.UncompressedSize)
		}

	default:
		return nil, fmt.Errorf("unsupported compression type: %d", cp.CompressionType)
	}

	if checksum := crc32.ChecksumIEEE(decompressed); checksum != cp.OriginalChecksum {
		return nil, fmt.Errorf("checksum mismatch: got %08x, expected %08x", checksum, cp.OriginalChecksum)
	}

	return decompressed, nil
}

// SerializeCompressedPage writes the frame into a PageSize buffer
func SerializeCompressedPage(cp *CompressedPage) ([]byte, error) {
	totalSize := CompressedHeaderSize + len(cp.CompressedData)
	if totalSize > PageSize {
		return nil, fmt.Errorf("compressed page too large: %d bytes (max %d)", totalSize, PageSize)
	}

	buf := make([]byte, PageSize)
	binary.LittleEndian.PutUint16(buf[0:2], CompressedPageMagic)
	buf[2] = uint8(cp.CompressionType)
	binary.LittleEndian.PutUint16(buf[4:6], cp.UncompressedSize)
	binary.LittleEndian.PutUint16(buf[6:8], cp.CompressedSize)
	binary.LittleEndian.PutUint32(buf[8:12], cp.OriginalChecksum)
	copy(buf[CompressedHeaderSize:], cp.CompressedData)

	return buf, nil
}

// DeserializeCompressedPage parses a frame written by SerializeCompressedPage
func DeserializeCompressedPage(data []byte) (*CompressedPage, error) {
	if len(data) < CompressedHeaderSize {
		return nil, fmt.Errorf("data too short for compressed page header: %d bytes", len(data))
	}

	magic := binary.LittleEndian.Uint16(data[0:2])
	if magic != CompressedPageMagic {
		return nil, fmt.Errorf("invalid magic number: got %04x, expected %04x", magic, CompressedPageMagic)
	}

	compressionType := CompressionType(data[2])
	if compressionType != CompressionLZ4 && compressionType != CompressionSnappy {
		return nil, fmt.Errorf("unsupported compression type: %d", compressionType)
	}

	uncompressedSize := binary.LittleEndian.Uint16(data[4:6])
	compressedSize := binary.LittleEndian.Uint16(data[6:8])
	checksum := binary.LittleEndian.Uint32(data[8:12])

	if uncompressedSize != PageSize {
		return nil, fmt.Errorf("invalid uncompressed size %d", uncompressedSize)
	}
	if CompressedHeaderSize+int(compressedSize) > len(data) {
		return nil, fmt.Errorf("insufficient data for compressed page: need %d bytes, have %d",
			CompressedHeaderSize+int(compressedSize), len(data))
	}

	compressedData := make([]byte, compressedSize)
	copy(compressedData, data[CompressedHeaderSize:CompressedHeaderSize+int(compressedSize)])

	return &CompressedPage{
		CompressionType:  compressionType,
		UncompressedSize: uncompressedSize,
		CompressedSize:   compressedSize,
		CompressedData:   compressedData,
		OriginalChecksum: checksum,
	}, nil
}

// hasFrameHeader reports whether data starts with a well-formed frame header
func hasFrameHeader(data []byte) bool {
	if !IsCompressedPage(data) {
		return false
	}
	_, err := DeserializeCompressedPage(data)
	return err == nil
}

// IsCompressedPage checks for the frame magic number
func IsCompressedPage(data []byte) bool {
	if len(data) < 2 {
		return false
	}
	return binary.LittleEndian.Uint16(data[0:2]) == CompressedPageMagic
}

// GetCompressionRatio returns the compression ratio (original size / compressed size)
func (cp *CompressedPage) GetCompressionRatio() float64 {
	if cp.CompressedSize == 0 {
		return 1.0
	}
	return float64(cp.UncompressedSize) / float64(cp.CompressedSize)
}

// PageCompressionStats tracks compression statistics
type PageCompressionStats struct {
	TotalPages         uint64
	CompressedPages    uint64
	UncompressedPages  uint64
	TotalBytesOriginal uint64
	TotalBytesStored   uint64
}

// GetCompressionRatio returns overall compression ratio
func (pcs PageCompressionStats) GetCompressionRatio() float64 {
	if pcs.TotalBytesStored == 0 {
		return 1.0
	}
	return float64(pcs.TotalBytesOriginal) / float64(pcs.TotalBytesStored)
}

// GetSpaceSavings returns total bytes saved
func (pcs PageCompressionStats) GetSpaceSavings() uint64 {
	if pcs.TotalBytesOriginal > pcs.TotalBytesStored {
		return pcs.TotalBytesOriginal - pcs.TotalBytesStored
	}
	return 0
}

// CompressedDiskManager compresses page images on their way to an underlying
// page store. Pages that do not compress well are stored raw. A page whose
// header parses as a frame is always framed, so a frame that fails to
// decompress or verify on read is corruption.
type CompressedDiskManager struct {
	inner     DiskManager
	algorithm CompressionType
	stats     PageCompressionStats
	mu        sync.Mutex
}

var (
	_ DiskManager = (*CompressedDiskManager)(nil)
	_ BatchWriter = (*CompressedDiskManager)(nil)
)

// NewCompressedDiskManager wraps inner with the given algorithm
func NewCompressedDiskManager(inner DiskManager, algorithm CompressionType) (*CompressedDiskManager, error) {
	if inner == nil {
		return nil, fmt.Errorf("compressed disk manager needs an underlying page store")
	}
	if algorithm != CompressionLZ4 && algorithm != CompressionSnappy {
		return nil, fmt.Errorf("unsupported compression type: %s", algorithm)
	}
	return &CompressedDiskManager{inner: inner, algorithm: algorithm}, nil
}

// AllocatePage delegates to the underlying store
func (cdm *CompressedDiskManager) AllocatePage() (PageID, error) {
	return cdm.inner.AllocatePage()
}

// DeallocatePage delegates to the underlying store
func (cdm *CompressedDiskManager) DeallocatePage(pageId PageID) error {
	return cdm.inner.DeallocatePage(pageId)
}

// ReadPage reads and, if needed, decompresses a page
func (cdm *CompressedDiskManager) ReadPage(pageId PageID, data []byte) error {
	if err := cdm.inner.ReadPage(pageId, data); err != nil {
		return err
	}
	if !IsCompressedPage(data) {
		return nil
	}

	cp, err := DeserializeCompressedPage(data)
	if err != nil {
		// Raw page that merely starts with the magic
		return nil
	}
	page, err := DecompressPage(cp)
	if err != nil {
		return ErrCorruptPage("ReadPage", pageId, err)
	}
	copy(data, page)
	return nil
}

// WritePage compresses and writes a page
func (cdm *CompressedDiskManager) WritePage(pageId PageID, data []byte) error {
	encoded, err := cdm.encode(data)
	if err != nil {
		return err
	}
	return cdm.inner.WritePage(pageId, encoded)
}

// WritePagesV compresses every page and hands the batch to the underlying
// store, one page at a time if it cannot batch
func (cdm *CompressedDiskManager) WritePagesV(writes []PageWrite) error {
	encoded := make([]PageWrite, 0, len(writes))
	for _, pw := range writes {
		data, err := cdm.encode(pw.Data)
		if err != nil {
			return err
		}
		encoded = append(encoded, PageWrite{PageID: pw.PageID, Data: data})
	}

	if bw, ok := cdm.inner.(BatchWriter); ok {
		return bw.WritePagesV(encoded)
	}
	for _, pw := range encoded {
		if err := cdm.inner.WritePage(pw.PageID, pw.Data); err != nil {
			return err
		}
	}
	return nil
}

func (cdm *CompressedDiskManager) encode(data []byte) ([]byte, error) {
	cp, err := CompressPage(data, cdm.algorithm)
	if err != nil {
		return nil, err
	}
	if cp == nil && hasFrameHeader(data) {
		// Stored raw, this page would be read back as a frame
		compressed, err := compressBlock(data, cdm.algorithm)
		if err != nil {
			return nil, err
		}
		if compressed == nil {
			return nil, fmt.Errorf("page image looks like a compressed frame and does not compress")
		}
		cp = newCompressedPage(data, compressed, cdm.algorithm)
	}

	cdm.mu.Lock()
	defer cdm.mu.Unlock()

	cdm.stats.TotalPages++
	cdm.stats.TotalBytesOriginal += PageSize
	if cp == nil {
		cdm.stats.UncompressedPages++
		cdm.stats.TotalBytesStored += PageSize
		return data, nil
	}

	cdm.stats.CompressedPages++
	cdm.stats.TotalBytesStored += uint64(CompressedHeaderSize) + uint64(cp.CompressedSize)
	return SerializeCompressedPage(cp)
}

// GetStats returns a snapshot of the compression statistics
func (cdm *CompressedDiskManager) GetStats() PageCompressionStats {
	cdm.mu.Lock()
	defer cdm.mu.Unlock()
	return cdm.stats
}

// Close closes the underlying store if it can be closed
func (cdm *CompressedDiskManager) Close() error {
	if c, ok := cdm.inner.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
