package changelog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"go.driftlog.dev/core/codecs"
)

// Archive is cold storage for compacted ChangeRecords. Compaction spills
// removed records into immutable, compressed segment files of JSON-encoded
// records, one directory per table. Decoded segments are cached in an LRU.
type Archive struct {
	fs    afero.Fs
	root  string
	codec codecs.Codec
	cache *lru.Cache
}

// NewArchive returns an Archive rooted at |root| of the filesystem,
// writing segments with |codec| and caching up to |cacheSize| decoded
// segments.
func NewArchive(fs afero.Fs, root string, codec codecs.Codec, cacheSize int) (*Archive, error) {
	var cache, err = lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	if err = fs.MkdirAll(root, 0750); err != nil {
		return nil, errors.WithMessage(err, "creating archive root")
	}
	return &Archive{fs: fs, root: root, codec: codec, cache: cache}, nil
}

// StoreSegment writes |recs| as a single immutable segment of the table.
// Records must be contiguous and in increasing sequence order. The
// segment is written to a partial file and then renamed, so a crash never
// leaves a readable half-written segment.
func (a *Archive) StoreSegment(table Table, recs []ChangeRecord) error {
	if len(recs) == 0 {
		return nil
	}
	var dir = filepath.Join(a.root, string(table))
	if err := a.fs.MkdirAll(dir, 0750); err != nil {
		return errors.WithMessage(err, "creating table directory")
	}

	var name = segmentName(recs[0].Seq, recs[len(recs)-1].Seq, a.codec)
	var path = filepath.Join(dir, name)

	var f, err = a.fs.OpenFile(path+".partial", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return errors.WithMessage(err, "creating segment file")
	}
	cw, err := codecs.NewCodecWriter(f, a.codec)
	if err != nil {
		return err
	}
	var enc = json.NewEncoder(cw)

	for i := range recs {
		if err = enc.Encode(recs[i]); err != nil {
			err = errors.WithMessage(err, "encode(record)")
			break
		}
	}
	if err == nil {
		err = errors.WithMessage(cw.Close(), "closing compressor")
	}
	if err == nil {
		err = errors.WithMessage(f.Close(), "closing segment file")
	} else {
		_ = f.Close()
	}
	if err == nil {
		err = errors.WithMessage(a.fs.Rename(path+".partial", path), "renaming partial => segment")
	}
	if err != nil {
		return err
	}

	archiveSegmentsTotal.WithLabelValues(string(table)).Inc()
	log.WithFields(log.Fields{
		"table":   table,
		"segment": name,
		"records": len(recs),
	}).Debug("archived compacted segment")
	return nil
}

// ReadRange returns archived records of the table with positions in
// (from, to]. It fails with ErrRangeCompacted if |from| precedes the
// earliest archived position.
func (a *Archive) ReadRange(table Table, from, to SeqPosition) ([]ChangeRecord, error) {
	var dir = filepath.Join(a.root, string(table))

	infos, err := afero.ReadDir(a.fs, dir)
	if os.IsNotExist(err) {
		return nil, errors.WithMessagef(ErrRangeCompacted, "table %s has no archive", table)
	} else if err != nil {
		return nil, errors.WithMessage(err, "listing archive segments")
	}

	var segs []segment
	for _, info := range infos {
		var seg, ok = parseSegmentName(info.Name())
		if !ok {
			continue // Partial or foreign file.
		}
		segs = append(segs, seg)
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].first < segs[j].first })

	if len(segs) == 0 || segs[0].first > from+1 {
		return nil, errors.WithMessagef(ErrRangeCompacted,
			"table %s from %d precedes archived history", table, from)
	}

	var out []ChangeRecord
	for _, seg := range segs {
		if seg.last <= from || seg.first > to {
			continue
		}
		recs, err := a.loadSegment(filepath.Join(dir, seg.name), seg.codec)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if rec.Seq > from && rec.Seq <= to {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

func (a *Archive) loadSegment(path string, codec codecs.Codec) ([]ChangeRecord, error) {
	if cached, ok := a.cache.Get(path); ok {
		archiveReadsTotal.WithLabelValues("hit").Inc()
		return cached.([]ChangeRecord), nil
	}
	archiveReadsTotal.WithLabelValues("miss").Inc()

	var f, err = a.fs.Open(path)
	if err != nil {
		return nil, errors.WithMessage(err, "opening segment")
	}
	defer f.Close()

	cr, err := codecs.NewCodecReader(f, codec)
	if err != nil {
		return nil, err
	}
	defer cr.Close()

	var recs []ChangeRecord
	var dec = json.NewDecoder(cr)
	for {
		var rec ChangeRecord
		if err = dec.Decode(&rec); err == io.EOF {
			break
		} else if err != nil {
			return nil, errors.WithMessage(err, "decode(record)")
		}
		recs = append(recs, rec)
	}

	a.cache.Add(path, recs)
	return recs, nil
}

type segment struct {
	name        string
	first, last SeqPosition
	codec       codecs.Codec
}

func segmentName(first, last SeqPosition, codec codecs.Codec) string {
	return fmt.Sprintf("%016x-%016x%s", first, last, codec.Ext())
}

func parseSegmentName(name string) (segment, bool) {
	var codec, err = codecs.FromExt(name)
	if err != nil {
		return segment{}, false
	}
	var base = strings.TrimSuffix(name, codec.Ext())

	var first, last SeqPosition
	if n, err := fmt.Sscanf(base, "%016x-%016x", &first, &last); n != 2 || err != nil {
		return segment{}, false
	}
	return segment{name: name, first: first, last: last, codec: codec}, true
}
