// Package compose joins the items, restrictions and item-restriction link
// tables of one schedule into deduplicated search documents.
package compose

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/franz/pbs-search/internal/store"
	"github.com/franz/pbs-search/internal/table"
	"github.com/franz/pbs-search/internal/util"
	"github.com/google/uuid"
)

// Table identities, with accepted aliases for the link table
var (
	itemTables        = []string{"items"}
	restrictionTables = []string{"restrictions"}
	linkTables        = []string{"item_restriction_relationships", "item_restrictions", "item_restriction_links"}
)

// Field candidates, first present wins
var (
	itemCodeFields     = []string{"pbs_code", "item_code"}
	drugNameFields     = []string{"drug_name", "li_drug_name", "mp_pt"}
	brandNameFields    = []string{"brand_name"}
	formulationFields  = []string{"li_form", "schedule_form", "formulation", "form"}
	programCodeFields  = []string{"program_code"}
	hospitalTypeFields = []string{"hospital_type"}

	resCodeFields   = []string{"res_code", "restriction_code"}
	resNumberFields = []string{"restriction_number", "treatment_of_code"}
	authorityFields = []string{"authority_method"}
	phaseFields     = []string{"treatment_phase"}
	resTextFields   = []string{"li_html_text", "schedule_html_text", "restriction_text", "note_text"}
)

const (
	titleSeparator = " — "
	listSeparator  = ", "
)

var docNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://www.pbs.gov.au/pbs-search/doc"))

// MissingTableError reports a required table absent from the archive
type MissingTableError struct {
	Name string
}

func (e *MissingTableError) Error() string {
	return fmt.Sprintf("required table %q not found in schedule archive", e.Name)
}

func (e *MissingTableError) Unwrap() error {
	return util.ErrInvalidConfig
}

// Stats counts what happened to the input rows
type Stats struct {
	Items        int // usable item rows
	Restrictions int // usable restriction rows
	Links        int // link rows seen
	Dangling     int // links whose item or restriction is unknown
	EmptyText    int // links whose restriction has no text after stripping
	Docs         int
}

type record map[string]string

func (r record) pick(fields []string) string {
	for _, f := range fields {
		if v, ok := r[f]; ok {
			return v
		}
	}
	return ""
}

type itemRecord struct {
	code        string
	drug        string
	brand       string
	formulation string
	program     string
	hospital    string
	row         record
}

type restrictionRecord struct {
	code      string
	number    string
	authority string
	phase     string
	row       record

	text     string
	textDone bool
}

// displayText returns the first text candidate that survives markup
// stripping, computed once per restriction
func (r *restrictionRecord) displayText() string {
	if !r.textDone {
		for _, f := range resTextFields {
			if t := StripMarkup(r.row[f]); t != "" {
				r.text = t
				break
			}
		}
		r.textDone = true
	}
	return r.text
}

type linkRecord struct {
	resCode string
	pbsCode string
	row     record
}

type stringSet map[string]struct{}

func (s stringSet) add(v string) {
	if v != "" {
		s[v] = struct{}{}
	}
}

func (s stringSet) sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (s stringSet) join() string {
	return strings.Join(s.sorted(), listSeparator)
}

// accumulator folds every link that shares an aggregation key
type accumulator struct {
	key         string
	restriction *restrictionRecord
	drugs       stringSet
	brands      stringSet
	forms       stringSet
	pbsCodes    stringSet
	programs    stringSet
	hospitals   stringSet
	streamlined stringSet
	items       map[string]*itemRecord
	links       []linkRecord
}

func newAccumulator(key string, res *restrictionRecord) *accumulator {
	return &accumulator{
		key:         key,
		restriction: res,
		drugs:       stringSet{},
		brands:      stringSet{},
		forms:       stringSet{},
		pbsCodes:    stringSet{},
		programs:    stringSet{},
		hospitals:   stringSet{},
		streamlined: stringSet{},
		items:       map[string]*itemRecord{},
	}
}

func (a *accumulator) add(item *itemRecord, link linkRecord) {
	a.drugs.add(item.drug)
	a.brands.add(item.brand)
	a.forms.add(item.formulation)
	a.pbsCodes.add(item.code)
	a.programs.add(item.program)
	a.hospitals.add(item.hospital)
	if strings.Contains(strings.ToLower(a.restriction.authority), "stream") {
		a.streamlined.add(a.restriction.number)
	}
	a.items[item.code] = item
	a.links = append(a.links, link)
}

// Compose builds one document per (schedule, restriction code, drug name,
// authority method, treatment phase) from the three source tables.
// The output is sorted by key and identical across runs for the same input.
func Compose(tables []*table.Table, scheduleCode string) ([]*store.Doc, *Stats, error) {
	itemsTable, err := findTable(tables, itemTables)
	if err != nil {
		return nil, nil, err
	}
	resTable, err := findTable(tables, restrictionTables)
	if err != nil {
		return nil, nil, err
	}
	linkTable, err := findTable(tables, linkTables)
	if err != nil {
		return nil, nil, err
	}

	stats := &Stats{}

	items := make(map[string]*itemRecord)
	for _, raw := range itemsTable.Rows {
		row := normalizeRow(raw)
		item := &itemRecord{
			code:        row.pick(itemCodeFields),
			drug:        row.pick(drugNameFields),
			brand:       row.pick(brandNameFields),
			formulation: row.pick(formulationFields),
			program:     row.pick(programCodeFields),
			hospital:    row.pick(hospitalTypeFields),
			row:         row,
		}
		if item.code == "" || item.drug == "" {
			continue
		}
		if _, dup := items[item.code]; dup {
			continue
		}
		items[item.code] = item
	}
	stats.Items = len(items)

	restrictions := make(map[string]*restrictionRecord)
	for _, raw := range resTable.Rows {
		row := normalizeRow(raw)
		res := &restrictionRecord{
			code:      row.pick(resCodeFields),
			number:    row.pick(resNumberFields),
			authority: row.pick(authorityFields),
			phase:     row.pick(phaseFields),
			row:       row,
		}
		if res.code == "" {
			continue
		}
		if _, dup := restrictions[res.code]; dup {
			continue
		}
		restrictions[res.code] = res
	}
	stats.Restrictions = len(restrictions)

	groups := make(map[string]*accumulator)
	for _, raw := range linkTable.Rows {
		stats.Links++
		row := normalizeRow(raw)
		link := linkRecord{
			resCode: row.pick(resCodeFields),
			pbsCode: row.pick(itemCodeFields),
			row:     row,
		}

		item, okItem := items[link.pbsCode]
		res, okRes := restrictions[link.resCode]
		if !okItem || !okRes {
			stats.Dangling++
			continue
		}
		if res.displayText() == "" {
			stats.EmptyText++
			continue
		}

		key := aggregationKey(scheduleCode, res.code, item.drug, res.authority, res.phase)
		acc, ok := groups[key]
		if !ok {
			acc = newAccumulator(key, res)
			groups[key] = acc
		}
		acc.add(item, link)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	docs := make([]*store.Doc, 0, len(keys))
	for _, k := range keys {
		doc, err := groups[k].emit(scheduleCode)
		if err != nil {
			return nil, nil, err
		}
		docs = append(docs, doc)
	}
	stats.Docs = len(docs)

	util.DebugLog("Composed %d documents for %s (links=%d dangling=%d empty=%d)",
		stats.Docs, scheduleCode, stats.Links, stats.Dangling, stats.EmptyText)

	return docs, stats, nil
}

func findTable(tables []*table.Table, ids []string) (*table.Table, error) {
	for _, id := range ids {
		for _, t := range tables {
			if t.ID() == id {
				return t, nil
			}
		}
	}
	return nil, &MissingTableError{Name: ids[0]}
}

// normalizeRow lower-cases and trims keys, trims values and drops blank
// and "null" cells
func normalizeRow(raw map[string]string) record {
	row := make(record, len(raw))
	for k, v := range raw {
		key := strings.ToLower(strings.TrimSpace(k))
		val := strings.TrimSpace(v)
		if key == "" || val == "" || strings.EqualFold(val, "null") {
			continue
		}
		row[key] = val
	}
	return row
}

func aggregationKey(parts ...string) string {
	norm := make([]string, len(parts))
	for i, p := range parts {
		norm[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return strings.Join(norm, "|")
}

// DocID is the stable identifier for an aggregation key
func DocID(key string) string {
	return uuid.NewSHA1(docNamespace, []byte(key)).String()
}

type provenance struct {
	Restriction record         `json:"restriction"`
	Items       []record       `json:"items"`
	Links       []record       `json:"links"`
	Sets        provenanceSets `json:"sets"`
}

type provenanceSets struct {
	BrandNames       []string `json:"brandNames"`
	Formulations     []string `json:"formulations"`
	PbsCodes         []string `json:"pbsCodes"`
	ProgramCodes     []string `json:"programCodes"`
	HospitalTypes    []string `json:"hospitalTypes"`
	StreamlinedCodes []string `json:"streamlinedCodes"`
}

func (a *accumulator) emit(scheduleCode string) (*store.Doc, error) {
	res := a.restriction
	drug := a.drugs.sorted()[0]

	doc := &store.Doc{
		ID:              DocID(a.key),
		ScheduleCode:    scheduleCode,
		Key:             a.key,
		PbsCode:         a.pbsCodes.join(),
		ResCode:         res.code,
		DrugName:        drug,
		BrandName:       a.brands.join(),
		Formulation:     a.forms.join(),
		ProgramCode:     a.programs.join(),
		HospitalType:    a.hospitals.join(),
		AuthorityMethod: res.authority,
		TreatmentPhase:  res.phase,
		StreamlinedCode: a.streamlined.join(),
	}
	doc.Title = buildTitle(drug, res.phase, res.authority)
	doc.Body = buildBody(doc, res.displayText())

	src, err := json.Marshal(a.provenance())
	if err != nil {
		return nil, fmt.Errorf("failed to encode provenance for %s: %w", a.key, err)
	}
	doc.SourceJSON = src
	return doc, nil
}

func (a *accumulator) provenance() provenance {
	p := provenance{
		Restriction: a.restriction.row,
		Sets: provenanceSets{
			BrandNames:       a.brands.sorted(),
			Formulations:     a.forms.sorted(),
			PbsCodes:         a.pbsCodes.sorted(),
			ProgramCodes:     a.programs.sorted(),
			HospitalTypes:    a.hospitals.sorted(),
			StreamlinedCodes: a.streamlined.sorted(),
		},
	}

	for _, code := range a.pbsCodes.sorted() {
		p.Items = append(p.Items, a.items[code].row)
	}

	links := make([]linkRecord, len(a.links))
	copy(links, a.links)
	sort.SliceStable(links, func(i, j int) bool {
		if links[i].resCode != links[j].resCode {
			return links[i].resCode < links[j].resCode
		}
		return links[i].pbsCode < links[j].pbsCode
	})
	for _, l := range links {
		p.Links = append(p.Links, l.row)
	}
	return p
}

func buildTitle(drug, phase, authority string) string {
	var parts []string
	for _, p := range []string{drug, phase, authority} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return drug
	}
	return strings.Join(parts, titleSeparator)
}

func buildBody(doc *store.Doc, text string) string {
	lines := []struct{ label, value string }{
		{"Drug", doc.DrugName},
		{"Brand(s)", doc.BrandName},
		{"Form(s)", doc.Formulation},
		{"PBS code(s)", doc.PbsCode},
		{"Authority", doc.AuthorityMethod},
		{"Phase", doc.TreatmentPhase},
		{"Restriction", text},
	}

	var b strings.Builder
	for _, l := range lines {
		if l.value == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l.label)
		b.WriteString(": ")
		b.WriteString(l.value)
	}
	return b.String()
}
