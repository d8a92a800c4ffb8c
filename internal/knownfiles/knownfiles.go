// Package knownfiles implements the known.met share index (spec.md §6,
// supplemented from original_source's known_file persistence): one
// record per locally-shared file, keyed by file hash, carrying its
// piece hash set and the tag list ed2k clients attach to a shared file
// (name, size, rating, ...). Grounded on original_source's known-file
// list for the record shape and on PeernetOfficial-core's
// store/Pogreb.go for the embedded-KV wrapper — chosen over the
// original's linear flat-file re-scan because Go has a viable
// embedded-KV option the C++ original never reached for.
package knownfiles

import (
	"sync"

	"github.com/akrylysov/pogreb"

	"ed2kcore/internal/errs"
	"ed2kcore/internal/hashcore"
	"ed2kcore/internal/wire"
)

// Header identifies which known.met variant a file uses (spec.md §6).
type Header byte

const (
	// HeaderLegacy is the classic known.met header byte.
	HeaderLegacy Header = 0x0E
	// HeaderLargeFiles is the large-file (>4GiB) header byte. The u32
	// record count and the record layout are the same under both headers.
	HeaderLargeFiles Header = 0x0F
)

// Record is one known.met entry: the file's identity, its piece hash
// set, and the tag list (name, size, and any rating/comment tags the
// client attaches) carried alongside it.
type Record struct {
	LastChanged uint32
	Hashes      hashcore.HashSet
	Tags        wire.TagList
}

// EncodeRecord writes one {last_changed_u32, file_hash_16, hash_list
// (u16 count), tag_list (u32 count)} record (spec.md §6).
func EncodeRecord(w *wire.Writer, rec Record) error {
	w.U32(rec.LastChanged)
	w.Hash(rec.Hashes.FileHash)
	w.U16(uint16(len(rec.Hashes.PieceHashes)))
	for _, h := range rec.Hashes.PieceHashes {
		w.Hash(h)
	}
	return wire.EncodeTagList(w, rec.Tags)
}

// DecodeRecord reads one record written by EncodeRecord.
func DecodeRecord(r *wire.Reader) (Record, error) {
	lastChanged, err := r.U32()
	if err != nil {
		return Record{}, err
	}
	fileHash, err := r.Hash()
	if err != nil {
		return Record{}, err
	}
	n, err := r.U16()
	if err != nil {
		return Record{}, err
	}
	pieces := make([]wire.Hash, 0, n)
	for i := uint16(0); i < n; i++ {
		h, err := r.Hash()
		if err != nil {
			return Record{}, err
		}
		pieces = append(pieces, h)
	}
	tags, err := wire.DecodeTagList(r)
	if err != nil {
		return Record{}, err
	}

	return Record{
		LastChanged: lastChanged,
		Hashes:      hashcore.HashSet{FileHash: fileHash, PieceHashes: pieces},
		Tags:        tags,
	}, nil
}

// EncodeFile writes a complete known.met image: the header byte, a
// 32-bit record count, then each record in turn.
func EncodeFile(header Header, records []Record) ([]byte, error) {
	w := wire.NewWriter()
	w.U8(byte(header))
	w.U32(uint32(len(records)))
	for _, rec := range records {
		if err := EncodeRecord(w, rec); err != nil {
			return nil, errs.Wrap("knownfiles.EncodeFile", errs.KindKnownFileInvalidHeader, err)
		}
	}
	return w.Bytes(), nil
}

// DecodeFile parses a complete known.met image written by EncodeFile (or
// by a compatible ed2k client).
func DecodeFile(data []byte) (Header, []Record, error) {
	const op = "knownfiles.DecodeFile"
	r := wire.NewReader(data)

	h, err := r.U8()
	if err != nil {
		return 0, nil, errs.Wrap(op, errs.KindKnownFileInvalidHeader, err)
	}
	header := Header(h)
	if header != HeaderLegacy && header != HeaderLargeFiles {
		return 0, nil, errs.New(op, errs.KindKnownFileInvalidHeader)
	}

	count, err := r.U32()
	if err != nil {
		return 0, nil, errs.Wrap(op, errs.KindKnownFileInvalidHeader, err)
	}

	records := make([]Record, 0, count)
	for i := uint32(0); i < count; i++ {
		rec, err := DecodeRecord(r)
		if err != nil {
			return 0, nil, errs.Wrap(op, errs.KindKnownFileInvalidHeader, err)
		}
		records = append(records, rec)
	}
	return header, records, nil
}

// Store is an O(1) hash-keyed index over known.met records, backed by
// pogreb instead of the original's linear re-scan of the flat file on
// every lookup.
type Store struct {
	mu sync.Mutex
	db *pogreb.DB
}

// Open opens (creating if absent) the pogreb database at path.
func Open(path string) (*Store, error) {
	db, err := pogreb.Open(path, nil)
	if err != nil {
		return nil, errs.Wrap("knownfiles.Open", errs.KindDiskFull, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Put indexes rec under its file hash, overwriting any existing record.
func (s *Store) Put(rec Record) error {
	w := wire.NewWriter()
	if err := EncodeRecord(w, rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Put(rec.Hashes.FileHash[:], w.Bytes())
}

// Get looks up the record for hash.
func (s *Store) Get(hash wire.Hash) (Record, bool) {
	s.mu.Lock()
	raw, err := s.db.Get(hash[:])
	s.mu.Unlock()
	if err != nil || raw == nil {
		return Record{}, false
	}

	rec, err := DecodeRecord(wire.NewReader(raw))
	if err != nil {
		return Record{}, false
	}
	return rec, true
}

// Delete removes hash's record, if present.
func (s *Store) Delete(hash wire.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Delete(hash[:])
}

// Count reports how many records the store currently holds.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.db.Count())
}

// LoadKnownMet imports every record from a known.met image into the
// store, letting a fresh installation pick up an existing client's
// share index instead of rebuilding it from scratch.
func (s *Store) LoadKnownMet(data []byte) error {
	_, records, err := DecodeFile(data)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := s.Put(rec); err != nil {
			return err
		}
	}
	return nil
}

// ExportKnownMet snapshots every record currently in the store into a
// known.met image, for interop with other ed2k clients reading the
// legacy format directly.
func (s *Store) ExportKnownMet(header Header) ([]byte, error) {
	s.mu.Lock()
	records := make([]Record, 0, s.db.Count())
	it := s.db.Items()
	for {
		_, val, err := it.Next()
		if err == pogreb.ErrIterationDone {
			break
		}
		if err != nil {
			s.mu.Unlock()
			return nil, errs.Wrap("knownfiles.ExportKnownMet", errs.KindKnownFileInvalidHeader, err)
		}
		rec, err := DecodeRecord(wire.NewReader(val))
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		records = append(records, rec)
	}
	s.mu.Unlock()

	return EncodeFile(header, records)
}
