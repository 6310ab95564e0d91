package osdata_test

import (
	"strings"
	"testing"

	"github.com/kmate/epiphany-libs/pkg/procmodel"
	"github.com/kmate/epiphany-libs/pkg/server/osdata"
)

func newRegistry() *procmodel.Registry {
	reg := procmodel.New()
	reg.AddCore(procmodel.CoreId{Row: 0, Col: 0})
	reg.AddCore(procmodel.CoreId{Row: 0, Col: 1})
	return reg
}

func TestDirectoryListingNamesAnnexes(t *testing.T) {
	p := osdata.New(newRegistry())
	chunk, more, err := p.Read("", 0, 4096)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if more {
		t.Fatal("expected the whole directory listing in one chunk")
	}
	for _, annex := range []string{"processes", "load", "traffic"} {
		if !strings.Contains(string(chunk), annex) {
			t.Fatalf("directory listing %q missing annex %q", chunk, annex)
		}
	}
}

func TestProcessesAnnexListsIdleProcess(t *testing.T) {
	p := osdata.New(newRegistry())
	chunk, _, err := p.Read("processes", 0, 4096)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !strings.Contains(string(chunk), "(idle)") {
		t.Fatalf("processes annex %q missing idle process command", chunk)
	}
}

func TestUnknownAnnexErrors(t *testing.T) {
	p := osdata.New(newRegistry())
	if _, _, err := p.Read("bogus", 0, 10); err == nil {
		t.Fatal("expected an error for an unknown annex")
	}
}

// TestReadPaginates covers the OFFSET,LENGTH slicing contract qXfer
// paging depends on: reassembling every chunk must reproduce the whole
// payload exactly.
func TestReadPaginates(t *testing.T) {
	p := osdata.New(newRegistry())
	whole, _, err := p.Read("load", 0, 1<<20)
	if err != nil {
		t.Fatalf("Read whole: %v", err)
	}

	const step = 16
	var reassembled []byte
	offset := 0
	for {
		chunk, more, err := p.Read("load", offset, step)
		if err != nil {
			t.Fatalf("Read at %d: %v", offset, err)
		}
		reassembled = append(reassembled, chunk...)
		offset += len(chunk)
		if !more {
			break
		}
		if len(chunk) == 0 {
			t.Fatal("Read returned an empty chunk while reporting more data")
		}
	}
	if string(reassembled) != string(whole) {
		t.Fatalf("paginated reassembly = %q, want %q", reassembled, whole)
	}
}

func TestReadPastEndReturnsNothing(t *testing.T) {
	p := osdata.New(newRegistry())
	whole, _, err := p.Read("traffic", 0, 1<<20)
	if err != nil {
		t.Fatalf("Read whole: %v", err)
	}
	chunk, more, err := p.Read("traffic", len(whole)+10, 16)
	if err != nil {
		t.Fatalf("Read past end: %v", err)
	}
	if more || len(chunk) != 0 {
		t.Fatalf("Read past end = %q, more=%v, want empty, false", chunk, more)
	}
}
