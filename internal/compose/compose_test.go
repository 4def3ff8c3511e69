package compose

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/franz/pbs-search/internal/table"
	"github.com/franz/pbs-search/internal/util"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixture(items, restrictions, links []map[string]string) []*table.Table {
	return []*table.Table{
		{Name: "tables/items.csv", Rows: items},
		{Name: "tables/restrictions.csv", Rows: restrictions},
		{Name: "tables/item-restriction-relationships.csv", Rows: links},
	}
}

func scenarioTables() []*table.Table {
	return fixture(
		[]map[string]string{
			{"pbs_code": "5678B", "drug_name": "Adalimumab", "brand_name": "Humira", "li_form": "Injection 40 mg", "program_code": "GE"},
			{"pbs_code": "1234A", "drug_name": "Adalimumab", "brand_name": "Amgevita", "li_form": "Injection 40 mg", "program_code": "GE"},
		},
		[]map[string]string{
			{
				"res_code":           "R1",
				"restriction_number": "14512",
				"authority_method":   "Authority Required (STREAMLINED)",
				"treatment_phase":    "Initial treatment",
				"li_html_text":       "<p>Severe active <b>rheumatoid arthritis</b></p>",
			},
		},
		[]map[string]string{
			{"res_code": "R1", "pbs_code": "5678B"},
			{"res_code": "R1", "pbs_code": "1234A"},
		},
	)
}

func TestComposeScenario(t *testing.T) {
	docs, stats, err := Compose(scenarioTables(), "2024-07")
	require.NoError(t, err)
	require.Len(t, docs, 1)

	doc := docs[0]
	assert.Equal(t, "2024-07", doc.ScheduleCode)
	assert.Equal(t, "1234A, 5678B", doc.PbsCode)
	assert.Equal(t, "R1", doc.ResCode)
	assert.Equal(t, "Adalimumab", doc.DrugName)
	assert.Equal(t, "Amgevita, Humira", doc.BrandName)
	assert.Equal(t, "Injection 40 mg", doc.Formulation)
	assert.Equal(t, "GE", doc.ProgramCode)
	assert.Equal(t, "14512", doc.StreamlinedCode)
	assert.Equal(t, "Adalimumab — Initial treatment — Authority Required (STREAMLINED)", doc.Title)
	assert.Equal(t, "2024-07|r1|adalimumab|authority required (streamlined)|initial treatment", doc.Key)
	assert.Equal(t, DocID(doc.Key), doc.ID)

	assert.Equal(t, "Drug: Adalimumab\n"+
		"Brand(s): Amgevita, Humira\n"+
		"Form(s): Injection 40 mg\n"+
		"PBS code(s): 1234A, 5678B\n"+
		"Authority: Authority Required (STREAMLINED)\n"+
		"Phase: Initial treatment\n"+
		"Restriction: Severe active rheumatoid arthritis", doc.Body)

	assert.Equal(t, &Stats{Items: 2, Restrictions: 1, Links: 2, Docs: 1}, stats)
}

func TestComposeProvenance(t *testing.T) {
	docs, _, err := Compose(scenarioTables(), "2024-07")
	require.NoError(t, err)
	require.Len(t, docs, 1)

	var src struct {
		Restriction map[string]string   `json:"restriction"`
		Items       []map[string]string `json:"items"`
		Links       []map[string]string `json:"links"`
		Sets        map[string][]string `json:"sets"`
	}
	require.NoError(t, json.Unmarshal(docs[0].SourceJSON, &src))

	assert.Equal(t, "R1", src.Restriction["res_code"])
	require.Len(t, src.Items, 2)
	assert.Equal(t, "1234A", src.Items[0]["pbs_code"])
	assert.Equal(t, "5678B", src.Items[1]["pbs_code"])
	require.Len(t, src.Links, 2)
	assert.Equal(t, "1234A", src.Links[0]["pbs_code"])
	assert.Equal(t, []string{"1234A", "5678B"}, src.Sets["pbsCodes"])
	assert.Equal(t, []string{"14512"}, src.Sets["streamlinedCodes"])
}

func TestComposeIsDeterministic(t *testing.T) {
	first, _, err := Compose(scenarioTables(), "2024-07")
	require.NoError(t, err)

	// Same rows in the opposite order
	tables := scenarioTables()
	for _, tbl := range tables {
		for i, j := 0, len(tbl.Rows)-1; i < j; i, j = i+1, j-1 {
			tbl.Rows[i], tbl.Rows[j] = tbl.Rows[j], tbl.Rows[i]
		}
	}
	second, _, err := Compose(tables, "2024-07")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestComposeSplitsByAuthorityAndPhase(t *testing.T) {
	tables := fixture(
		[]map[string]string{
			{"pbs_code": "1111A", "drug_name": "Tocilizumab"},
		},
		[]map[string]string{
			{"res_code": "R1", "treatment_phase": "Initial", "restriction_text": "First course"},
			{"res_code": "R2", "treatment_phase": "Continuing", "restriction_text": "Later course"},
		},
		[]map[string]string{
			{"res_code": "R1", "pbs_code": "1111A"},
			{"res_code": "R2", "pbs_code": "1111A"},
		},
	)

	docs, _, err := Compose(tables, "2024-07")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "R1", docs[0].ResCode)
	assert.Equal(t, "R2", docs[1].ResCode)
	assert.NotEqual(t, docs[0].ID, docs[1].ID)
}

func TestComposeSkipsDanglingLinks(t *testing.T) {
	tables := fixture(
		[]map[string]string{{"pbs_code": "1111A", "drug_name": "Etanercept"}},
		[]map[string]string{{"res_code": "R1", "restriction_text": "Some text"}},
		[]map[string]string{
			{"res_code": "R1", "pbs_code": "9999Z"},
			{"res_code": "R404", "pbs_code": "1111A"},
		},
	)

	docs, stats, err := Compose(tables, "2024-07")
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.Equal(t, 2, stats.Dangling)
}

func TestComposeSkipsEmptyRestrictionText(t *testing.T) {
	tables := fixture(
		[]map[string]string{{"pbs_code": "1111A", "drug_name": "Etanercept"}},
		[]map[string]string{{"res_code": "R1", "li_html_text": "<p> &nbsp; </p>", "note_text": "NULL"}},
		[]map[string]string{{"res_code": "R1", "pbs_code": "1111A"}},
	)

	docs, stats, err := Compose(tables, "2024-07")
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.Equal(t, 1, stats.EmptyText)
}

func TestComposeFallsBackToLaterTextField(t *testing.T) {
	tables := fixture(
		[]map[string]string{{"pbs_code": "1111A", "drug_name": "Etanercept"}},
		[]map[string]string{{"res_code": "R1", "li_html_text": "<br/>", "note_text": "Use note"}},
		[]map[string]string{{"res_code": "R1", "pbs_code": "1111A"}},
	)

	docs, _, err := Compose(tables, "2024-07")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Contains(t, docs[0].Body, "Restriction: Use note")
}

func TestComposeTitleFallback(t *testing.T) {
	tables := fixture(
		[]map[string]string{{"pbs_code": "1111A", "drug_name": "Methotrexate"}},
		[]map[string]string{{"res_code": "R1", "restriction_text": "Arthritis"}},
		[]map[string]string{{"res_code": "R1", "pbs_code": "1111A"}},
	)

	docs, _, err := Compose(tables, "2024-07")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Methotrexate", docs[0].Title)
	assert.Empty(t, docs[0].StreamlinedCode)
	assert.NotContains(t, docs[0].Body, "Phase:")
}

func TestComposeNormalizesRows(t *testing.T) {
	tables := fixture(
		[]map[string]string{
			{" PBS_CODE ": " 1111A ", "Drug_Name": "Etanercept", "BRAND_NAME": "null"},
			{"pbs_code": "2222B", "drug_name": ""},
		},
		[]map[string]string{{"RES_CODE": "R1", "Restriction_Text": "  Text  "}},
		[]map[string]string{{"Res_Code": "R1", "Pbs_Code": "1111A"}},
	)

	docs, stats, err := Compose(tables, "2024-07")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, 1, stats.Items)
	assert.Equal(t, "1111A", docs[0].PbsCode)
	assert.Empty(t, docs[0].BrandName)
}

func TestComposeAcceptsLinkTableAliases(t *testing.T) {
	tables := []*table.Table{
		{Name: "Items.csv", Rows: []map[string]string{{"item_code": "1111A", "mp_pt": "Etanercept"}}},
		{Name: "Restrictions.csv", Rows: []map[string]string{{"restriction_code": "R1", "schedule_html_text": "Text"}}},
		{Name: "Item Restrictions.csv", Rows: []map[string]string{{"restriction_code": "R1", "item_code": "1111A"}}},
	}

	docs, _, err := Compose(tables, "2024-07")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Etanercept", docs[0].DrugName)
}

func TestComposeMissingTable(t *testing.T) {
	tables := []*table.Table{
		{Name: "items.csv"},
		{Name: "restrictions.csv"},
	}

	_, _, err := Compose(tables, "2024-07")
	require.Error(t, err)

	var missing *MissingTableError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "item_restriction_relationships", missing.Name)
	assert.True(t, errors.Is(err, util.ErrInvalidConfig))
}

func TestDocIDIsStableNameBasedUUID(t *testing.T) {
	id := DocID("2024-07|r1|adalimumab||")
	assert.Equal(t, id, DocID("2024-07|r1|adalimumab||"))
	assert.NotEqual(t, id, DocID("2024-08|r1|adalimumab||"))

	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), parsed.Version())
}

func TestStripMarkup(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"plain text", "plain text"},
		{"<p>Patient must&nbsp;have <b>severe</b></p>\n\n RA", "Patient must have severe RA"},
		{"A &amp; B", "A & B"},
		{"line<br/>break", "line break"},
		{"<ul><li>one</li><li>two</li></ul>", "one two"},
		{"<p>   </p>", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, StripMarkup(tt.in), "input %q", tt.in)
	}
}
