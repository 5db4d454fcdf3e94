package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/vtfind/vtfind/internal/db"
	"github.com/vtfind/vtfind/pkg/image"
	"github.com/vtfind/vtfind/pkg/paging"
	pscan "github.com/vtfind/vtfind/pkg/scan"
)

const (
	testImageSize = 2 * 1024 * 1024
	testCR3       = 0x1000
	testVMCS      = 0x3000
	testEPTP      = 0x1E01E
)

func testPages() map[int64]*paging.Block {
	var win, vmcs paging.Block
	win[0] = 0x0A00000012345867
	win[0x1ED] = testCR3 | 0x63
	win[0x1F0] = 0x4C00063

	vmcs[0] = uint64(pscan.RevisionIntel12)
	vmcs[30] = testCR3
	vmcs[90] = testEPTP
	vmcs[400] = ^uint64(0)

	return map[int64]*paging.Block{testCR3: &win, testVMCS: &vmcs}
}

func writeImage(t *testing.T, pages map[int64]*paging.Block) string {
	t.Helper()
	data := make([]byte, testImageSize)
	for off, blk := range pages {
		blk.Encode(data[off : off+paging.PageSize])
	}
	path := filepath.Join(t.TempDir(), "guest.raw")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func openDB(t *testing.T) db.Database {
	t.Helper()
	d, err := db.NewInMemory(filepath.Join(t.TempDir(), "checkpoints.gob"))
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Connect(); err != nil {
		t.Fatal(err)
	}
	return d
}

type phaseEvent struct {
	phase pscan.Phase
	done  bool
}

func TestRun(t *testing.T) {
	path := writeImage(t, testPages())
	d := openDB(t)

	var events []phaseEvent
	conf := &Config{
		Image: path,
		Types: pscan.PTAll | pscan.PTVMCS,
		DB:    d,
		OnPhase: func(p pscan.Phase, done bool) {
			events = append(events, phaseEvent{p, done})
		},
	}

	res, err := Run(context.Background(), conf)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Resumed || res.ID == "" || res.Phase != "group" {
		t.Fatalf("Run() = id %q resumed %v phase %s", res.ID, res.Resumed, res.Phase)
	}
	wantEvents := []phaseEvent{
		{pscan.PhaseDetect, false}, {pscan.PhaseDetect, true},
		{pscan.PhaseVMCS, false}, {pscan.PhaseVMCS, true},
		{pscan.PhaseGroup, false}, {pscan.PhaseGroup, true},
	}
	if !reflect.DeepEqual(events, wantEvents) {
		t.Errorf("Run() phases = %v, want %v", events, wantEvents)
	}
	if len(res.Procs) != 1 || res.Procs[0].CR3 != testCR3 || res.Procs[0].Type != pscan.PTWindows {
		t.Fatalf("Run() procs = %v", res.Procs)
	}
	if len(res.VMCSs) != 1 || res.VMCSs[0].EPTP != testEPTP || res.VMCSs[0].Offset != testVMCS {
		t.Fatalf("Run() vmcs = %v", res.VMCSs)
	}
	if len(res.Groups) != 1 || res.Groups[0].VMCSID != res.VMCSs[0].ID {
		t.Fatalf("Run() groups = %v", res.Groups)
	}

	t.Run("resume", func(t *testing.T) {
		events = nil
		again, err := Run(context.Background(), conf)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if !again.Resumed || again.ID != res.ID {
			t.Errorf("Run() = id %q resumed %v, want id %q resumed", again.ID, again.Resumed, res.ID)
		}
		if len(events) != 0 {
			t.Errorf("Run() ran phases %v on a complete checkpoint", events)
		}
		if !reflect.DeepEqual(again.Procs, res.Procs) {
			t.Errorf("Run() procs = %v, want %v", again.Procs, res.Procs)
		}
		if !reflect.DeepEqual(again.VMCSs, res.VMCSs) {
			t.Errorf("Run() vmcs = %v, want %v", again.VMCSs, res.VMCSs)
		}
		if len(again.Groups) != 1 || again.Groups[0].VMCSID != res.Groups[0].VMCSID {
			t.Errorf("Run() groups = %v", again.Groups)
		}
	})

	t.Run("force", func(t *testing.T) {
		conf.Force = true
		defer func() { conf.Force = false }()
		events = nil
		forced, err := Run(context.Background(), conf)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if forced.Resumed || forced.ID != res.ID {
			t.Errorf("Run() = id %q resumed %v, want id %q fresh", forced.ID, forced.Resumed, res.ID)
		}
		if len(events) != len(wantEvents) {
			t.Errorf("Run() phases = %v", events)
		}
	})

	t.Run("other types", func(t *testing.T) {
		other, err := Run(context.Background(), &Config{Image: path, Types: pscan.PTWindows, DB: d})
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if other.Resumed {
			t.Error("Run() resumed a checkpoint taken with other types")
		}
		if len(other.VMCSs) != 0 || len(other.Procs) != 1 {
			t.Errorf("Run() = %d procs %d vmcs", len(other.Procs), len(other.VMCSs))
		}
	})
}

func TestRunExitAfter(t *testing.T) {
	pages := testPages()
	var second paging.Block = *pages[testCR3]
	second[0x1ED] = 0x5000 | 0x63
	pages[0x5000] = &second
	path := writeImage(t, pages)
	d := openDB(t)

	res, err := Run(context.Background(), &Config{Image: path, Types: pscan.PTAll | pscan.PTVMCS, ExitAfter: 1, DB: d})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Phase != "none" || len(res.Procs) != 1 || len(res.VMCSs) != 0 {
		t.Errorf("Run() = phase %s, %d procs, %d vmcs", res.Phase, len(res.Procs), len(res.VMCSs))
	}
	if scans, _ := d.List(); len(scans) != 0 {
		t.Errorf("Run() saved %d checkpoints for a partial scan", len(scans))
	}
}

func TestRunRegion(t *testing.T) {
	path := writeImage(t, testPages())

	tests := []struct {
		name    string
		base    int64
		size    int64
		procs   int
		wantErr bool
	}{
		{name: "skip first page table", base: 0x2000, procs: 0},
		{name: "first page only", size: 0x2000, procs: 1},
		{name: "past the end", base: 0x1000, size: testImageSize, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Run(context.Background(), &Config{Image: path, Base: tt.base, Size: tt.size})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Run() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if len(res.Procs) != tt.procs {
				t.Errorf("Run() = %d procs, want %d", len(res.Procs), tt.procs)
			}
		})
	}
}

func TestImageKey(t *testing.T) {
	pages := testPages()
	a := writeImage(t, pages)
	pages[testVMCS][91] = 1
	b := writeImage(t, pages)

	key := func(path string) string {
		img, err := image.Open(path)
		if err != nil {
			t.Fatal(err)
		}
		defer img.Close()
		k, err := ImageKey(img)
		if err != nil {
			t.Fatal(err)
		}
		return k
	}
	if key(a) != key(a) {
		t.Error("ImageKey() is not stable")
	}
	if key(a) == key(b) {
		t.Error("ImageKey() ignores the image contents")
	}
}

func TestRender(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()
	color.NoColor = true

	path := writeImage(t, testPages())
	var dump bytes.Buffer
	res, err := Run(context.Background(), &Config{Image: path, Types: pscan.PTAll | pscan.PTVMCS, VMCSDump: &dump})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !strings.Contains(dump.String(), "0000000000003000:  0000000000000012") {
		t.Errorf("VMCS dump = %q", dump.String())
	}
	if !strings.Contains(dump.String(), "ffffffffffffffff") {
		t.Error("VMCS dump is missing the link pointer")
	}

	var table bytes.Buffer
	if err := Render(&table, res, FormatTable); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	for _, want := range []string{"0x1000", "Windows", "0x1e01e", "AS 1: 1 page tables (VMCS 1, EPTP 0x1e01e)"} {
		if !strings.Contains(table.String(), want) {
			t.Errorf("Render(table) is missing %q:\n%s", want, table.String())
		}
	}

	var js bytes.Buffer
	if err := Render(&js, res, FormatJSON); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	var got struct {
		Procs []struct {
			CR3  uint64 `json:"cr3"`
			Type string `json:"type"`
		} `json:"procs"`
	}
	if err := json.Unmarshal(js.Bytes(), &got); err != nil {
		t.Fatalf("Render(json) is not valid JSON: %v", err)
	}
	if len(got.Procs) != 1 || got.Procs[0].CR3 != testCR3 || got.Procs[0].Type != "Windows" {
		t.Errorf("Render(json) procs = %+v", got.Procs)
	}

	var ym bytes.Buffer
	if err := Render(&ym, res, FormatYAML); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !strings.Contains(ym.String(), "type: Windows") {
		t.Errorf("Render(yaml) = %s", ym.String())
	}

	if err := Render(&ym, res, "xml"); err == nil {
		t.Error("Render(xml) error = nil")
	}
}

func TestDescribe(t *testing.T) {
	path := writeImage(t, testPages())
	d := openDB(t)

	info, err := Describe(path, d)
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if info.Format != "raw" || info.FileSize != testImageSize || info.Checkpoint != nil {
		t.Errorf("Describe() = %+v", info)
	}

	res, err := Run(context.Background(), &Config{Image: path, DB: d})
	if err != nil {
		t.Fatal(err)
	}
	info, err = Describe(path, d)
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if info.Checkpoint == nil || info.Checkpoint.ID != res.ID {
		t.Errorf("Describe() checkpoint = %+v, want %s", info.Checkpoint, res.ID)
	}
}
