package extract

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/casefill/api/schemas"
	"github.com/xkilldash9x/casefill/internal/browser/dom"
	"github.com/xkilldash9x/casefill/internal/config"
)

const petitionHTML = `<!doctype html><html><head><title>I-130</title><script>var x = 1;</script></head>
<body>
<nav class="usa-nav site-nav"><a href="/home">Home</a></nav>
<main id="main">
  <h1>Part 1</h1>
  <label for="lastName">Family Name (Last Name)</label>
  <input id="lastName" name="lastName" class="MuiInputBase-input css-1x5jdmq random-hash" placeholder="Last">
  <div>First <input name="firstName" type="text" aria-label="Given Name"></div>
  <span id="dobLabel">Date of birth</span>
  <input type="date" name="dob" aria-labelledby="dobLabel">
  <input type="hidden" name="csrf" value="tok">
  <input type="submit" value="Next">
  <select id="state" name="state"><option value="">Select</option><option value="CA">California</option></select>
  <fieldset><legend>Relationship</legend>
    <label><input type="radio" name="rel" value="spouse" style="width:0;height:0"> Spouse</label>
    <label><input type="radio" name="rel" value="child" checked> My Child</label>
  </fieldset>
  <div role="radiogroup" aria-label="Filed before?">
    <div role="radio" data-value="yes" aria-checked="false">Yes</div>
    <div role="radio" data-value="no" aria-checked="true">No</div>
  </div>
  <div role="combobox" class="MuiSelect-select" aria-label="Country">United States</div>
  <div style="display:none"><input id="ghost" name="ghost"></div>
  <label><input type="checkbox" name="agree" style="display:none"> I agree</label>
  <div><span><input class="x"></span><span><input class="y"></span></div>
  <textarea name="notes">hello</textarea>
</main>
<footer role="contentinfo">Footer</footer>
</body></html>`

func newExtractor(t *testing.T) *Extractor {
	t.Helper()
	cfg := config.NewDefaultConfig().Snapshot()
	e, err := New(zaptest.NewLogger(t), cfg)
	require.NoError(t, err)
	return e
}

func extractFixture(t *testing.T) (*schemas.DOMSnapshot, *dom.HTMLPage) {
	t.Helper()
	page, err := dom.NewHTMLPageString(petitionHTML, "https://example.gov/i130")
	require.NoError(t, err)
	snap, err := newExtractor(t).Extract(context.Background(), page)
	require.NoError(t, err)
	return snap, page
}

func byLocator(fields []schemas.FieldDescriptor) map[string]schemas.FieldDescriptor {
	out := make(map[string]schemas.FieldDescriptor, len(fields))
	for _, f := range fields {
		out[f.Locator] = f
	}
	return out
}

func TestExtract_FieldsInDocumentOrder(t *testing.T) {
	snap, _ := extractFixture(t)
	assert.Equal(t, "https://example.gov/i130", snap.URL)
	assert.Equal(t, "I-130", snap.Title)

	var locators []string
	for _, f := range snap.Fields {
		locators = append(locators, f.Locator)
	}
	assert.Equal(t, []string{
		"#lastName",
		`input[name="firstName"][type="text"]`,
		`input[name="dob"][type="date"]`,
		"#state",
		`input[name="rel"][type="radio"]`,
		"#main > div:nth-of-type(2)",
		"#main > div:nth-of-type(3)",
		`input[name="agree"][type="checkbox"]`,
		"#main > div:nth-of-type(5) > span:nth-of-type(1) > input:nth-of-type(1)",
		"#main > div:nth-of-type(5) > span:nth-of-type(2) > input:nth-of-type(1)",
		`textarea[name="notes"]`,
	}, locators)

	for i := 1; i < len(snap.Fields); i++ {
		assert.Greater(t, snap.Fields[i].Index, snap.Fields[i-1].Index, "indices follow DOM order")
	}
}

func TestExtract_Labels(t *testing.T) {
	snap, _ := extractFixture(t)
	fields := byLocator(snap.Fields)

	assert.Equal(t, "Family Name (Last Name)", fields["#lastName"].Label)
	assert.Equal(t, "Given Name", fields[`input[name="firstName"][type="text"]`].Label)
	assert.Equal(t, "Date of birth", fields[`input[name="dob"][type="date"]`].Label)
	assert.Equal(t, "Relationship", fields[`input[name="rel"][type="radio"]`].Label)
	assert.Equal(t, "Filed before?", fields["#main > div:nth-of-type(2)"].Label)
	assert.Equal(t, "Country", fields["#main > div:nth-of-type(3)"].Label)
	assert.Equal(t, "I agree", fields[`input[name="agree"][type="checkbox"]`].Label)
}

func TestExtract_OptionsAndGroups(t *testing.T) {
	snap, _ := extractFixture(t)
	fields := byLocator(snap.Fields)

	state := fields["#state"]
	require.Len(t, state.Options, 2)
	assert.Equal(t, schemas.FieldOption{Value: "CA", Label: "California"}, state.Options[1])

	rel := fields[`input[name="rel"][type="radio"]`]
	require.Len(t, rel.Options, 2, "native radios sharing a name are one record")
	assert.Equal(t, "spouse", rel.Options[0].Value)
	assert.Equal(t, "Spouse", rel.Options[0].Label)
	assert.Equal(t, "child", rel.Value, "group value is the checked radio")
	assert.False(t, rel.Visible, "first radio is zero-size but still captured")

	group := fields["#main > div:nth-of-type(2)"]
	assert.Equal(t, "radiogroup", group.Role)
	require.Len(t, group.Options, 2)
	assert.Equal(t, "no", group.Options[1].Value)
	assert.True(t, group.Options[1].Selected)

	for _, f := range snap.Fields {
		assert.NotEqual(t, "radio", f.Role, "ARIA radios inside a captured radiogroup are not emitted")
		assert.NotEqual(t, "ghost", f.Name, "hidden ancestors exclude non-toggle controls")
		assert.NotEqual(t, "csrf", f.Name)
		assert.NotEqual(t, "submit", f.InputType)
	}

	assert.Equal(t, "hello", fields[`textarea[name="notes"]`].Value)
}

func TestExtract_LocatorsResolve(t *testing.T) {
	snap, page := extractFixture(t)
	ctx := context.Background()
	for _, f := range snap.Fields {
		els, err := page.Query(ctx, f.Locator)
		require.NoError(t, err, f.Locator)
		require.NotEmpty(t, els, "locator %s must resolve", f.Locator)
		assert.Equal(t, f.Index, mustIndex(t, els[0]), "locator %s must resolve to the described element", f.Locator)
	}
}

func mustIndex(t *testing.T, el dom.Element) int {
	t.Helper()
	n, err := strconv.Atoi(el.Attr(dom.IndexAttr))
	require.NoError(t, err)
	return n
}

func TestCompact_Markup(t *testing.T) {
	snap, _ := extractFixture(t)
	m := snap.Markup

	assert.NotContains(t, m, "<script")
	assert.NotContains(t, m, "var x")
	assert.NotContains(t, m, "random-hash")
	assert.NotContains(t, m, "style=")
	assert.Contains(t, m, `class="MuiInputBase-input css-1x5jdmq"`)
	assert.Contains(t, m, `data-cf-idx="`)
	assert.Contains(t, m, `aria-label="Filed before?"`)
	assert.Contains(t, m, "<nav", "chrome survives while under the soft cap")
	assert.False(t, snap.MarkupTruncated)
	assert.NotRegexp(t, regexp.MustCompile(`\s{2,}`), m)
}

func TestCompact_SoftCapDropsChrome(t *testing.T) {
	page, err := dom.NewHTMLPageString(petitionHTML, "u")
	require.NoError(t, err)
	raw, err := page.Collect(context.Background())
	require.NoError(t, err)

	full, _ := Compact(raw.Body, compactOptions{softCap: 1 << 20, hardCap: 1 << 20})
	opts := compactOptions{softCap: len(full) - 1, hardCap: 1 << 20}
	reduced, truncated := Compact(raw.Body, opts)

	assert.False(t, truncated)
	assert.NotContains(t, reduced, "<nav")
	assert.NotContains(t, reduced, "Footer")
	assert.Contains(t, reduced, "lastName")
}

func TestCompact_HardCapTruncates(t *testing.T) {
	body := `<html><body>` + strings.Repeat(`<p>ünïcödé paragraph text</p>`, 500) + `</body></html>`
	page, err := dom.NewHTMLPageString(body, "u")
	require.NoError(t, err)
	raw, err := page.Collect(context.Background())
	require.NoError(t, err)

	out, truncated := Compact(raw.Body, compactOptions{softCap: 500, hardCap: 1000})
	assert.True(t, truncated)
	assert.LessOrEqual(t, len(out), 1000)
	assert.True(t, strings.HasSuffix(out, TruncationMarker))
	assert.True(t, strings.HasSuffix(strings.TrimSuffix(out, TruncationMarker), ">"))
}

func TestNew_InvalidPattern(t *testing.T) {
	_, err := New(nil, config.SnapshotConfig{SoftCap: 1, HardCap: 2, ClassPattern: "("})
	assert.Error(t, err)
}
