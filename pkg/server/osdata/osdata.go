// Package osdata implements spec.md §4.H's qXfer:osdata:read providers:
// an XML directory listing plus the `processes`, `load`, and `traffic`
// annexes, composed once per OFFSET==0 request and cached for the rest
// of that annex's paging.
//
// Grounded on original_source/e-server/src/GdbServer.h's
// rspOsData/rspOsDataProcesses/rspOsDataLoad/rspOsDataTraffic methods,
// which build the whole XML string into a member (osProcessReply, ...)
// on first use and slice it on each subsequent OFFSET,LENGTH request.
// That per-annex `string` member is replaced here with an
// github.com/hashicorp/golang-lru cache keyed by annex name, so a long
// session's repeated vAttach/D cycles cannot accumulate one stale
// unbounded string per annex forever.
package osdata

import (
	"encoding/xml"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"github.com/kmate/epiphany-libs/pkg/procmodel"
)

const cacheSize = 8

// Providers composes and caches the osdata XML payloads.
type Providers struct {
	reg   *procmodel.Registry
	cache *lru.Cache
}

// New returns a Providers bound to reg, the single source of truth for
// the `processes` annex.
func New(reg *procmodel.Registry) *Providers {
	cache, err := lru.New(cacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which cacheSize
		// never is.
		panic(err)
	}
	return &Providers{reg: reg, cache: cache}
}

// Read answers one qXfer:osdata:read:ANNEX:OFFSET,LENGTH request,
// returning the reply body (without the leading m/l marker) and whether
// more data remains past offset+len.
func (p *Providers) Read(annex string, offset, length int) (chunk []byte, more bool, err error) {
	if offset == 0 {
		p.cache.Remove(annex)
	}
	full, err := p.compose(annex)
	if err != nil {
		return nil, false, err
	}
	if offset >= len(full) {
		return nil, false, nil
	}
	end := offset + length
	if end >= len(full) {
		return full[offset:], false, nil
	}
	return full[offset:end], true, nil
}

func (p *Providers) compose(annex string) ([]byte, error) {
	if v, ok := p.cache.Get(annex); ok {
		return v.([]byte), nil
	}

	var body []byte
	var err error
	switch annex {
	case "":
		body = directoryListing()
	case "processes":
		body = p.processesXML()
	case "load":
		body = p.loadXML()
	case "traffic":
		body = p.trafficXML()
	default:
		return nil, fmt.Errorf("osdata: unknown annex %q", annex)
	}
	if err != nil {
		return nil, err
	}
	p.cache.Add(annex, body)
	return body, nil
}

type osDataDoc struct {
	XMLName xml.Name   `xml:"osdata"`
	Type    string     `xml:"type,attr"`
	Items   []osDataItem `xml:"item"`
}

type osDataItem struct {
	Columns []osDataColumn `xml:"column"`
}

type osDataColumn struct {
	Name string `xml:"name,attr"`
	Text string `xml:",chardata"`
}

func marshalDoc(doc osDataDoc) []byte {
	out, err := xml.Marshal(doc)
	if err != nil {
		// Every field here is a plain string; Marshal cannot fail.
		panic(err)
	}
	return append([]byte(xml.Header), out...)
}

// directoryListing lists the annexes this provider knows about (the
// empty-annex request, spec.md §4.H).
func directoryListing() []byte {
	doc := osDataDoc{Type: "types"}
	for _, annex := range []string{"processes", "load", "traffic"} {
		doc.Items = append(doc.Items, osDataItem{Columns: []osDataColumn{
			{Name: "Type", Text: annex},
			{Name: "Description", Text: annex + " annex"},
		}})
	}
	return marshalDoc(doc)
}

func (p *Providers) processesXML() []byte {
	doc := osDataDoc{Type: "processes"}
	for _, proc := range p.reg.AllProcesses() {
		var cores []string
		for _, tid := range proc.Tids() {
			th, err := p.reg.GetThread(tid, "")
			if err != nil {
				continue
			}
			cores = append(cores, th.Core.String())
		}
		doc.Items = append(doc.Items, osDataItem{Columns: []osDataColumn{
			{Name: "pid", Text: fmt.Sprintf("%d", proc.Pid)},
			{Name: "command", Text: proc.Command},
			{Name: "cores", Text: strings.Join(cores, ",")},
		}})
	}
	return marshalDoc(doc)
}

func (p *Providers) loadXML() []byte {
	doc := osDataDoc{Type: "load"}
	for _, tid := range p.reg.AllThreadIds() {
		th, err := p.reg.GetThread(tid, "")
		if err != nil {
			continue
		}
		doc.Items = append(doc.Items, osDataItem{Columns: []osDataColumn{
			{Name: "core", Text: th.Core.String()},
			{Name: "load", Text: "0"},
		}})
	}
	return marshalDoc(doc)
}

func (p *Providers) trafficXML() []byte {
	doc := osDataDoc{Type: "traffic"}
	for _, tid := range p.reg.AllThreadIds() {
		th, err := p.reg.GetThread(tid, "")
		if err != nil {
			continue
		}
		doc.Items = append(doc.Items, osDataItem{Columns: []osDataColumn{
			{Name: "core", Text: th.Core.String()},
			{Name: "in", Text: "0"},
			{Name: "out", Text: "0"},
		}})
	}
	return marshalDoc(doc)
}
