// Package metadata holds the in-memory description of a volume group that
// the activation engine consumes: physical volumes, logical volumes with
// their segments, and the snapshot relationships between LVs.
//
// Parsing on-disk VG metadata is not this package's job. Callers construct
// a VG (the CLI harness unmarshals one from JSON) and call Build to resolve
// cross-references and index the snapshot relations before handing it to
// the engine.
package metadata

import (
	"fmt"

	memdb "github.com/hashicorp/go-memdb"
)

// PV is a physical volume contributing extents to the VG.
type PV struct {
	// Name is the PV's symbolic name within the VG.
	Name string `json:"name"`

	// Dev is the kernel-visible device node path (e.g. "/dev/sda").
	Dev string `json:"dev"`

	// PEStart is the sector offset of the first physical extent.
	PEStart uint64 `json:"pe_start"`
}

// Area is one stripe's backing within a segment: a PV and the physical
// extent at which this area begins. An empty PVName describes an area whose
// backing device is absent; the engine maps such an area to an error
// target, or to the /dev/ioerror filler inside a striped segment.
type Area struct {
	PVName string `json:"pv,omitempty"`
	PE     uint64 `json:"pe"`

	// PV is resolved by VG.Build; nil when the backing PV is absent.
	PV *PV `json:"-"`
}

// Segment is a contiguous run of logical extents with uniform layout.
// One area means linear (or error, when the PV is absent); more than one
// means striped.
type Segment struct {
	// LE is the first logical extent covered by this segment.
	LE uint64 `json:"le"`

	// Len is the segment length in extents.
	Len uint64 `json:"len"`

	// StripeSize is the stripe chunk size in sectors; meaningful only
	// when the segment has more than one area.
	StripeSize uint32 `json:"stripe_size,omitempty"`

	Areas []Area `json:"areas"`
}

// LV is a logical volume.
type LV struct {
	Name    string    `json:"name"`
	UUID    string    `json:"uuid,omitempty"`
	Extents uint64    `json:"extents"`
	Segments []Segment `json:"segments"`
}

// SizeSectors returns the LV size in sectors for the given extent size.
func (lv *LV) SizeSectors(extentSize uint64) uint64 {
	return lv.Extents * extentSize
}

// Snapshot links a cow LV to the origin LV whose data it captures.
type Snapshot struct {
	// OriginName and CowName reference LVs of the same VG by name.
	OriginName string `json:"origin"`
	CowName    string `json:"cow"`

	// ChunkSize is the copy-on-write chunk size in sectors.
	ChunkSize uint32 `json:"chunk_size"`

	// Origin and Cow are resolved by VG.Build.
	Origin *LV `json:"-"`
	Cow    *LV `json:"-"`
}

// VG is a volume group. Call Build after populating the exported fields and
// before using any lookup method.
type VG struct {
	Name       string      `json:"name"`
	UUID       string      `json:"uuid,omitempty"`
	ExtentSize uint64      `json:"extent_size"` // sectors per extent
	PVs        []*PV       `json:"pvs"`
	LVs        []*LV       `json:"lvs"`
	Snapshots  []*Snapshot `json:"snapshots,omitempty"`

	db *memdb.MemDB
}

// schema indexes LVs by name and snapshots by both sides of the relation,
// so origin/cow lookups during planning are index reads.
func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			"lvs": {
				Name: "lvs",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Name"},
					},
				},
			},
			"snapshots": {
				Name: "snapshots",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "CowName"},
					},
					"origin": {
						Name:    "origin",
						Unique:  false,
						Indexer: &memdb.StringFieldIndex{Field: "OriginName"},
					},
				},
			},
		},
	}
}

// Build resolves PV and LV references and indexes the snapshot relations.
// It must be called once before the VG is handed to the engine; calling it
// again after mutating the VG rebuilds the indexes.
func (vg *VG) Build() error {
	if vg.ExtentSize == 0 {
		return fmt.Errorf("vg %q: extent size must be non-zero", vg.Name)
	}

	pvs := make(map[string]*PV, len(vg.PVs))
	for _, pv := range vg.PVs {
		if _, ok := pvs[pv.Name]; ok {
			return fmt.Errorf("vg %q: duplicate pv %q", vg.Name, pv.Name)
		}
		pvs[pv.Name] = pv
	}

	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return fmt.Errorf("failed to build vg index: %w", err)
	}

	txn := db.Txn(true)
	defer txn.Abort()

	lvs := make(map[string]*LV, len(vg.LVs))
	for _, lv := range vg.LVs {
		if _, ok := lvs[lv.Name]; ok {
			return fmt.Errorf("vg %q: duplicate lv %q", vg.Name, lv.Name)
		}
		lvs[lv.Name] = lv

		for si := range lv.Segments {
			seg := &lv.Segments[si]
			for ai := range seg.Areas {
				area := &seg.Areas[ai]
				if area.PVName == "" {
					area.PV = nil
					continue
				}
				pv, ok := pvs[area.PVName]
				if !ok {
					return fmt.Errorf("vg %q: lv %q references unknown pv %q",
						vg.Name, lv.Name, area.PVName)
				}
				area.PV = pv
			}
		}

		if err := txn.Insert("lvs", lv); err != nil {
			return fmt.Errorf("failed to index lv %q: %w", lv.Name, err)
		}
	}

	for _, s := range vg.Snapshots {
		origin, ok := lvs[s.OriginName]
		if !ok {
			return fmt.Errorf("vg %q: snapshot references unknown origin %q",
				vg.Name, s.OriginName)
		}
		cow, ok := lvs[s.CowName]
		if !ok {
			return fmt.Errorf("vg %q: snapshot references unknown cow %q",
				vg.Name, s.CowName)
		}
		s.Origin = origin
		s.Cow = cow

		if err := txn.Insert("snapshots", s); err != nil {
			return fmt.Errorf("failed to index snapshot %q: %w", s.CowName, err)
		}
	}

	txn.Commit()
	vg.db = db
	return nil
}

// LV returns the logical volume with the given name, or nil.
func (vg *VG) LV(name string) *LV {
	txn := vg.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First("lvs", "id", name)
	if err != nil || raw == nil {
		return nil
	}
	return raw.(*LV)
}

// FindCow returns the snapshot whose cow side is the given LV, or nil when
// the LV is not a cow.
func (vg *VG) FindCow(lv *LV) *Snapshot {
	txn := vg.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First("snapshots", "id", lv.Name)
	if err != nil || raw == nil {
		return nil
	}
	return raw.(*Snapshot)
}

// IsOrigin reports whether any snapshot in the VG uses the given LV as its
// origin.
func (vg *VG) IsOrigin(lv *LV) bool {
	txn := vg.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First("snapshots", "origin", lv.Name)
	return err == nil && raw != nil
}

// SnapshotsOf returns every snapshot whose origin is the given LV.
func (vg *VG) SnapshotsOf(lv *LV) []*Snapshot {
	txn := vg.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get("snapshots", "origin", lv.Name)
	if err != nil {
		return nil
	}

	var snaps []*Snapshot
	for raw := it.Next(); raw != nil; raw = it.Next() {
		snaps = append(snaps, raw.(*Snapshot))
	}
	return snaps
}
