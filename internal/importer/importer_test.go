package importer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trainline/internal/domain"
)

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("row-%d", n)
	}
}

func TestParseOptimizedSchema(t *testing.T) {
	text := "Archivo,Fecha,Duracion,Link\r\n" +
		"acta_01.docx,2024-01-01,10,https://youtu.be/aaaaaaaaaaa\r\n" +
		"\r\n" +
		",,,\n" +
		"acta_02.docx,,,\n" +
		",,,https://youtu.be/bbbbbbbbbbb\n" +
		"   \n"
	res, err := Parser{NewID: seqIDs()}.Parse(text)
	require.NoError(t, err)
	assert.Equal(t, SchemaOptimized, res.Schema)
	require.Len(t, res.Rows, 3)
	assert.Equal(t, 1, res.Dropped)

	assert.Equal(t, "acta_01.docx", res.Rows[0].ActaName)
	assert.Equal(t, "https://youtu.be/aaaaaaaaaaa", res.Rows[0].YtURL)
	assert.Equal(t, "acta_02.docx", res.Rows[1].ActaName)
	assert.Empty(t, res.Rows[1].YtURL)
	assert.Empty(t, res.Rows[2].ActaName)
	assert.Equal(t, "https://youtu.be/bbbbbbbbbbb", res.Rows[2].YtURL)

	seen := map[string]bool{}
	for _, r := range res.Rows {
		assert.Equal(t, domain.RowIdle, r.Status)
		assert.Zero(t, r.Progress)
		assert.Nil(t, r.Docx)
		assert.False(t, seen[r.ID], "duplicate id %s", r.ID)
		seen[r.ID] = true
	}
}

func TestParseOptimizedQuotedComma(t *testing.T) {
	text := "archivo,fecha,notas,link\n" +
		`"Acta 12, sesion ordinaria.docx",2024-02-01,"a, b, c",https://youtu.be/ccccccccccc` + "\n"
	res, err := Parse(text)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "Acta 12, sesion ordinaria.docx", res.Rows[0].ActaName)
	assert.Equal(t, "https://youtu.be/ccccccccccc", res.Rows[0].YtURL)
	assert.NotEmpty(t, res.Rows[0].ID)
}

func TestSplitFieldsQuoteAwareness(t *testing.T) {
	quoted := SplitFields(`"a,b",c,"d"`)
	plain := SplitFields(`ab,c,d`)
	assert.Len(t, quoted, len(plain))
	assert.Equal(t, []string{"a,b", "c", "d"}, quoted)

	assert.Equal(t, []string{"", ""}, SplitFields(","))
	assert.Equal(t, []string{"x"}, SplitFields(`"x"`))
	// An unbalanced quote swallows the rest of the line.
	assert.Equal(t, []string{"a", "b,c"}, SplitFields(`a,"b,c`))
}

func TestParseLegacySchema(t *testing.T) {
	text := "https://youtu.be/aaaaaaaaaaa, acta_01.docx\n" +
		"https://youtu.be/bbbbbbbbbbb\n" +
		`"https://youtu.be/ccccccccccc","x,y"` + "\n"
	res, err := Parser{NewID: seqIDs()}.Parse(text)
	require.NoError(t, err)
	assert.Equal(t, SchemaLegacy, res.Schema)
	require.Len(t, res.Rows, 3)

	require.NotNil(t, res.Rows[0].Docx)
	assert.Equal(t, "acta_01.docx", res.Rows[0].Docx.Name)
	assert.Zero(t, res.Rows[0].Docx.Size)
	assert.Empty(t, res.Rows[0].ActaName)

	assert.Equal(t, "https://youtu.be/bbbbbbbbbbb", res.Rows[1].YtURL)
	assert.Nil(t, res.Rows[1].Docx)

	// Legacy lines are not quote-aware.
	assert.Equal(t, `"https://youtu.be/ccccccccccc"`, res.Rows[2].YtURL)
	require.NotNil(t, res.Rows[2].Docx)
	assert.Equal(t, `"x`, res.Rows[2].Docx.Name)
}

func TestParseHeaderNeedsBothTokens(t *testing.T) {
	assert.Equal(t, SchemaLegacy, DetectSchema("archivo,fecha"))
	assert.Equal(t, SchemaLegacy, DetectSchema("link,fecha"))
	assert.Equal(t, SchemaOptimized, DetectSchema("ARCHIVO;LINK"))
}

func TestParseRejectsMalformedText(t *testing.T) {
	for _, text := range []string{"abc\xff\xfe,def", "a\x00b"} {
		res, err := Parse(text)
		require.ErrorIs(t, err, ErrMalformed)
		assert.Empty(t, res.Rows)
	}
}

func TestParseEmptyText(t *testing.T) {
	res, err := Parse("\r\n\n   \n")
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
	assert.NotNil(t, res.Rows)
}

func TestParseStripsByteOrderMark(t *testing.T) {
	res, err := Parse("\ufeffarchivo,a,b,link\nacta.docx,,,https://x\n")
	require.NoError(t, err)
	assert.Equal(t, SchemaOptimized, res.Schema)
	require.Len(t, res.Rows, 1)
}
