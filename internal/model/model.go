// Package model contains the checkpoint models for the database.
package model

import (
	"errors"
	"time"

	"github.com/vtfind/vtfind/pkg/scan"
)

var ErrNotFound = errors.New("no checkpoint found")

// Scan is the checkpoint of one memory image scan.
type Scan struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Path     string `gorm:"index" json:"path"`
	ImageKey string `gorm:"uniqueIndex" json:"image_key"` // identifies the image contents
	Format   string `json:"format"`
	FileSize int64  `json:"file_size"`
	Base     int64  `json:"base"`
	Size     int64  `json:"size"`
	Types    string `json:"types"`
	Phase    int    `json:"phase"`

	Procs []Proc `gorm:"foreignKey:ScanID;constraint:OnDelete:CASCADE" json:"procs,omitempty"`
	VMCSs []VMCS `gorm:"foreignKey:ScanID;constraint:OnDelete:CASCADE" json:"vmcss,omitempty"`
}

// Proc is a detected page table.
type Proc struct {
	ID     uint   `gorm:"primaryKey" json:"-"`
	ScanID string `gorm:"index" json:"-"`

	FileOffset     int64  `gorm:"index" json:"file_offset"`
	CR3            uint64 `json:"cr3"`
	Diff           int64  `json:"diff"`
	Mode           int    `json:"mode"`
	Type           string `json:"type"`
	Group          int    `json:"group"`
	AddressSpaceID int    `json:"address_space_id"`
	VMCSID         uint64 `gorm:"column:vmcs_id" json:"vmcs_id"`
	Fingerprint    []byte `json:"-"` // packed top level page
}

// VMCS is a hypervisor control structure.
type VMCS struct {
	ID     uint   `gorm:"primaryKey" json:"-"`
	ScanID string `gorm:"index" json:"-"`

	VMCSID     uint64 `gorm:"column:vmcs_id" json:"id"`
	Offset     int64  `json:"offset"`
	RevisionID uint32 `json:"revision_id"`
	AbortCode  uint32 `json:"abort_code"`
	EPTP       uint64 `json:"eptp"`
	GuestCR3   uint64 `json:"guest_cr3"`
	Owner      int64  `json:"owner"` // FileOffset of the owning Proc
}

// FromProc converts a detected page table.
func FromProc(dp *scan.DetectedProc) (Proc, error) {
	fp, err := PackFingerprint(dp.TopPageTablePage)
	if err != nil {
		return Proc{}, err
	}
	return Proc{
		FileOffset:     dp.FileOffset,
		CR3:            dp.CR3,
		Diff:           dp.Diff,
		Mode:           int(dp.Mode),
		Type:           dp.Type.String(),
		Group:          dp.Group,
		AddressSpaceID: dp.AddressSpaceID,
		VMCSID:         dp.VMCSID,
		Fingerprint:    fp,
	}, nil
}

// DetectedProc converts p back into a scan record.
func (p *Proc) DetectedProc() (*scan.DetectedProc, error) {
	typ, err := scan.ParsePTType(p.Type)
	if err != nil {
		return nil, err
	}
	fp, err := UnpackFingerprint(p.Fingerprint)
	if err != nil {
		return nil, err
	}
	return &scan.DetectedProc{
		FileOffset:       p.FileOffset,
		CR3:              p.CR3,
		Diff:             p.Diff,
		Mode:             scan.Mode(p.Mode),
		Type:             typ,
		Group:            p.Group,
		TopPageTablePage: fp,
		AddressSpaceID:   p.AddressSpaceID,
		VMCSID:           p.VMCSID,
	}, nil
}

// FromVMCS converts a VMCS record.
func FromVMCS(v *scan.VMCS) VMCS {
	return VMCS{
		VMCSID:     v.ID,
		Offset:     v.Offset,
		RevisionID: uint32(v.RevisionID),
		AbortCode:  uint32(v.AbortCode),
		EPTP:       v.EPTP,
		GuestCR3:   v.GuestCR3,
		Owner:      v.Owner,
	}
}

// Record converts v back into a scan record.
func (v *VMCS) Record() *scan.VMCS {
	return &scan.VMCS{
		ID:         v.VMCSID,
		Offset:     v.Offset,
		RevisionID: scan.RevisionID(v.RevisionID),
		AbortCode:  scan.AbortCode(v.AbortCode),
		EPTP:       v.EPTP,
		GuestCR3:   v.GuestCR3,
		Owner:      v.Owner,
	}
}

// SetRecords replaces the checkpointed records.
func (s *Scan) SetRecords(procs []*scan.DetectedProc, vmcss []*scan.VMCS) error {
	s.Procs = make([]Proc, 0, len(procs))
	for _, dp := range procs {
		p, err := FromProc(dp)
		if err != nil {
			return err
		}
		s.Procs = append(s.Procs, p)
	}
	s.VMCSs = make([]VMCS, 0, len(vmcss))
	for _, v := range vmcss {
		s.VMCSs = append(s.VMCSs, FromVMCS(v))
	}
	return nil
}

// Records returns the checkpointed records in file order.
func (s *Scan) Records() ([]*scan.DetectedProc, []*scan.VMCS, error) {
	procs := make([]*scan.DetectedProc, 0, len(s.Procs))
	for i := range s.Procs {
		dp, err := s.Procs[i].DetectedProc()
		if err != nil {
			return nil, nil, err
		}
		procs = append(procs, dp)
	}
	vmcss := make([]*scan.VMCS, 0, len(s.VMCSs))
	for i := range s.VMCSs {
		vmcss = append(vmcss, s.VMCSs[i].Record())
	}
	return procs, vmcss, nil
}
